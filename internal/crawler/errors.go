package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error taxonomy for the scheduling core. None of these are fatal to the
// process; each is scoped to a host or a URL.
var (
	// ErrRobotsUnavailable means robots.txt could not be fetched; the host is
	// treated as allow-all for the grace TTL.
	ErrRobotsUnavailable = errors.New("robots.txt unavailable")
	// ErrRobotsDisallowed is a policy decision, not a failure.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	// ErrMalformedRobots means robots.txt could not be parsed and is treated as allow-all.
	ErrMalformedRobots = errors.New("malformed robots.txt")
	// ErrFetchTimeout is a fetch that exceeded its deadline.
	ErrFetchTimeout = errors.New("fetch timeout")
	// ErrFetchNetwork is any other transport-level fetch failure.
	ErrFetchNetwork = errors.New("fetch network error")
	// ErrRateLimited is an HTTP 429 from the host.
	ErrRateLimited = errors.New("rate limited")

	ErrInvalidURL   = errors.New("invalid url")
	ErrDuplicate    = errors.New("duplicate url")
	ErrFrontierFull = errors.New("host queue full")
)

// ClassifyFetchError maps an executor error onto the taxonomy, keeping the
// original error in the chain.
func ClassifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFetchTimeout) || errors.Is(err, ErrFetchNetwork) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrFetchTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrFetchNetwork, err)
}
