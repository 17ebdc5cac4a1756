package crawler

import (
	"net/http"
	"time"
)

// UserAgent identifies the crawler. Full is sent on the wire, Token is the
// short name matched against robots.txt user-agent groups.
type UserAgent struct {
	Full  string `mapstructure:"full"`
	Token string `mapstructure:"token"`
}

// FetchRequest captures everything the fetch executor needs for one URL.
type FetchRequest struct {
	URL       string
	Host      string
	UserAgent string
}

// FetchResponse is the result returned by a Fetcher implementation.
// Non-2xx statuses are results, not errors.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Document is handed to the content parser after a successful fetch.
type Document struct {
	URL         string        `json:"url"`
	Host        string        `json:"host"`
	StatusCode  int           `json:"status_code"`
	ContentHash string        `json:"content_hash"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Duration    time.Duration `json:"duration_ns"`
	Body        []byte        `json:"body"`
}

// Outcome classifies how a dispatched URL finished.
type Outcome string

// Dispatch outcomes recorded in metrics and logs.
const (
	OutcomeFetched     Outcome = "fetched"
	OutcomeHTTPError   Outcome = "http_error"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeRetry       Outcome = "retry"
	OutcomeFailed      Outcome = "failed"
	OutcomeDisallowed  Outcome = "disallowed"
)

// StatusClass buckets an HTTP status code for metric labels.
func StatusClass(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "error"
	}
}
