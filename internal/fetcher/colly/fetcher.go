// Package collyfetcher implements crawler.Fetcher using gocolly. It is the
// byte-level fetch executor: robots.txt and pacing are decided upstream, so
// the collector never consults robots.txt itself.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Every Fetch clones the base collector, so connection
// pooling is shared across requests.
func New(cfg Config) *Fetcher {
	return NewWithTransport(cfg, newHTTPTransport())
}

// NewWithTransport builds a Fetcher over a caller-supplied transport.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Non-2xx statuses are returned as results;
// only transport failures are errors, classified as ErrFetchTimeout or
// ErrFetchNetwork. Cancellation of ctx is returned unclassified.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	v := &visit{started: time.Now()}
	collector := f.buildCollector(ctx, request, v)

	if err := f.runCollector(ctx, collector, request.URL, v); err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, err
		}
		return crawler.FetchResponse{}, crawler.ClassifyFetchError(err)
	}
	return v.resp, nil
}

// visit accumulates what the collector callbacks observed for one request.
// It is read only after Visit returns.
type visit struct {
	started time.Time
	resp    crawler.FetchResponse
	err     error
}

func (v *visit) onResponse(r *colly.Response) {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	v.resp = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.started),
	}
}

func (v *visit) onError(_ *colly.Response, err error) {
	v.err = err
}

// buildCollector clones the base collector for one request so the request's
// context and user agent do not leak into other fetches.
func (f *Fetcher) buildCollector(ctx context.Context, request crawler.FetchRequest, v *visit) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	configureCollectorHooks(collector, v)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, v *visit) {
	hooks.OnResponse(v.onResponse)
	hooks.OnError(v.onError)
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, v *visit) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		if v.err != nil {
			return fmt.Errorf("fetch %s: %w", url, v.err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
}
