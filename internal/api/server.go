package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/queue"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
)

// maxBatch caps URLs accepted by one POST /v1/urls.
const maxBatch = 1000

// HostReporter describes a host's scheduling state.
type HostReporter interface {
	Describe(host string) scheduler.HostStatus
}

// MembershipView is the node's current cluster view.
type MembershipView interface {
	Self() string
	Members() []string
}

// Deps are the components the server reads from and writes to. Wake and
// Ready are optional.
type Deps struct {
	Hosts      HostReporter
	Frontier   queue.Enqueuer
	Membership MembershipView
	Wake       func()
	Ready      func(ctx context.Context) error
}

// Server wires HTTP handlers to the scheduler components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/hosts/{host}", s.getHost)
		r.Post("/urls", s.enqueueURLs)
		r.Get("/membership", s.getMembership)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "host")))
	if host == "" {
		s.writeError(w, http.StatusBadRequest, "host required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Hosts.Describe(host))
}

type enqueueRequest struct {
	URLs []json.RawMessage `json:"urls"`
}

type rejectedURL struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type enqueueResponse struct {
	Accepted   int           `json:"accepted"`
	Duplicates int           `json:"duplicates"`
	Rejected   []rejectedURL `json:"rejected,omitempty"`
}

func (s *Server) enqueueURLs(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > maxBatch {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per request", maxBatch))
		return
	}

	var resp enqueueResponse
	for _, raw := range req.URLs {
		msg, err := decodeURL(raw)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejectedURL{URL: string(raw), Error: err.Error()})
			continue
		}
		admitted, err := s.deps.Frontier.EnqueueEntry(r.Context(), msg.Entry())
		switch {
		case err != nil:
			resp.Rejected = append(resp.Rejected, rejectedURL{URL: msg.URL, Error: err.Error()})
		case admitted:
			resp.Accepted++
		default:
			resp.Duplicates++
		}
	}
	if resp.Accepted > 0 && s.deps.Wake != nil {
		s.deps.Wake()
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// decodeURL accepts either a JSON string or a discovery message object.
func decodeURL(raw json.RawMessage) (queue.Message, error) {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return queue.Parse([]byte(plain))
	}
	msg, err := queue.Parse(raw)
	if err != nil {
		return queue.Message{}, fmt.Errorf("%w: %w", crawler.ErrInvalidURL, err)
	}
	return msg, nil
}

func (s *Server) getMembership(w http.ResponseWriter, _ *http.Request) {
	members := s.deps.Membership.Members()
	if members == nil {
		members = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"self":       s.deps.Membership.Self(),
		"members":    members,
		"standalone": len(members) == 0,
	})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Error(fmt.Errorf("panic: %v", rec)),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
