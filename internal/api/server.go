package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/master"
	"github.com/JakeFAU/archive-scanner/internal/metrics"
	"github.com/JakeFAU/archive-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/archive-scanner/internal/protocol"
	"github.com/JakeFAU/archive-scanner/internal/query"
)

// Defaults applied by NewServer.
const (
	DefaultMaxOutputBytes = 64 << 20
	DefaultRequestTimeout = 60 * time.Second
)

// Coordinator is the master state the handlers drive.
type Coordinator interface {
	Register(secret string) (master.Session, error)
	Authenticate(key string) (master.Session, error)
	Unregister(key string)
	Queries(ctx context.Context) ([]query.Record, error)
	Lease(ctx context.Context) (protocol.WorkItem, error)
	AcceptOutputs(body []byte) int64
	Complete(ctx context.Context, id string) error
}

// Config controls Server behavior.
type Config struct {
	// MaxOutputBytes bounds a single output push body.
	MaxOutputBytes int64
	RequestTimeout time.Duration
	// RegisterRPS and RegisterBurst throttle registration per client host.
	// Zero RPS disables the limit.
	RegisterRPS   float64
	RegisterBurst int
}

// Server wires HTTP handlers to the coordinator.
type Server struct {
	router        chi.Router
	coord         Coordinator
	cfg           Config
	logger        *zap.Logger
	registerLimit *ratelimit.Limiter
}

// NewServer constructs a Server with middleware and routes.
func NewServer(coord Coordinator, cfg Config, logger *zap.Logger) *Server {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:         coord,
		cfg:           cfg,
		logger:        logger,
		registerLimit: ratelimit.New(ratelimit.Config{RPS: cfg.RegisterRPS, Burst: cfg.RegisterBurst}),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.Get(protocol.PathHealth, s.healthz)
	r.Method(http.MethodGet, protocol.PathMetrics, metrics.Handler())
	r.Get(protocol.PathHandshake, s.handshake)
	r.Get(protocol.PathRegister, s.registerSession)

	r.Group(func(r chi.Router) {
		r.Use(s.sessionMiddleware)
		r.Get(protocol.PathUnregister, s.unregister)
		r.Get(protocol.PathQueries, s.queries)
		r.Get(protocol.PathSource, s.source)
		r.Post(protocol.PathOutput, s.output)
		r.Post(protocol.PathCompleteSource, s.completeSource)
	})

	s.router = r
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "master")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handshake(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, protocol.Greeting); err != nil {
		s.logger.Warn("write handshake failed", zap.Error(err))
	}
}

func (s *Server) registerSession(w http.ResponseWriter, r *http.Request) {
	if !s.registerLimit.Allow(r.RemoteAddr) {
		s.logger.Warn("registration throttled", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusTooManyRequests, "too many registration attempts")
		return
	}
	sess, err := s.coord.Register(chi.URLParam(r, "secret"))
	if err != nil {
		if errors.Is(err, master.ErrForbidden) {
			s.logger.Warn("registration rejected", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusForbidden, "invalid secret")
			return
		}
		s.fail(w, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Envelope[protocol.Session]{
		Data: protocol.Session{AccessKey: sess.AccessKey},
	})
}

func (s *Server) unregister(w http.ResponseWriter, r *http.Request) {
	s.coord.Unregister(accessKey(r))
	writeJSON(w, http.StatusOK, protocol.Envelope[protocol.Ack]{Data: protocol.Ack{OK: true}})
}

func (s *Server) queries(w http.ResponseWriter, r *http.Request) {
	records, err := s.coord.Queries(r.Context())
	if err != nil {
		s.fail(w, "queries", err)
		return
	}
	if records == nil {
		records = []query.Record{}
	}
	writeJSON(w, http.StatusOK, protocol.Envelope[protocol.QuerySet]{
		Data: protocol.QuerySet{Queries: records},
	})
}

func (s *Server) source(w http.ResponseWriter, r *http.Request) {
	item, err := s.coord.Lease(r.Context())
	if err != nil {
		if errors.Is(err, master.ErrNoWork) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.fail(w, "lease", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Envelope[protocol.WorkItem]{Data: item})
}

func (s *Server) output(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxOutputBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "output body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	total := s.coord.AcceptOutputs(body)
	writeJSON(w, http.StatusOK, protocol.Envelope[protocol.OutputAck]{
		Data: protocol.OutputAck{NewOutputs: total},
	})
}

func (s *Server) completeSource(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Complete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "complete", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Envelope[protocol.Ack]{Data: protocol.Ack{OK: true}})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, master.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	s.logger.Error("request failed", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	writeError(w, status, op+" failed")
}

// sessionMiddleware rejects requests without a live session.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.coord.Authenticate(accessKey(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accessKey(r *http.Request) string {
	return r.Header.Get(protocol.HeaderAccessKey)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.Any("request_id", r.Context().Value(requestIDKey{})),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Error: msg})
}
