package http

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/elf-platform/accessrl/internal/domain/limiter"
	"github.com/elf-platform/accessrl/internal/service"
)

// defaultBody is written on denial when no custom rejection handler or
// body is configured.
const defaultBody = `{"error":"Too Many Requests","message":"Rate limit exceeded. Please try again later."}`

// defaultContentType accompanies defaultBody.
const defaultContentType = "application/json"

// ShaperOptions configures how decisions are translated into responses.
type ShaperOptions struct {
	// Headers enables the X-RateLimit-{Limit,Remaining,Reset} response
	// headers. Retry-After is always sent on denial.
	Headers bool

	// Body and ContentType are written on denial. Mutually exclusive
	// with OnRejected; when both are set, OnRejected wins.
	Body        string
	ContentType string

	// OnRejected writes a custom denial body. Headers and status are
	// already written when it runs.
	OnRejected func(w http.ResponseWriter, r *http.Request, d limiter.Decision)

	// Sink receives decision outcomes. Panics are recovered and logged;
	// they never affect the response.
	Sink limiter.MetricsSink
}

// Middleware enforces rate limit decisions on HTTP requests.
type Middleware struct {
	svc    *service.DecisionService
	opts   ShaperOptions
	logger *slog.Logger
}

// NewMiddleware creates the middleware. A nil sink defaults to a no-op.
func NewMiddleware(svc *service.DecisionService, opts ShaperOptions, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = limiter.NopSink{}
	}
	if opts.Body == "" {
		opts.Body = defaultBody
		if opts.ContentType == "" {
			opts.ContentType = defaultContentType
		}
	}
	return &Middleware{svc: svc, opts: opts, logger: logger}
}

// Handler wraps next with rate limiting using whatever metadata the
// request's context already carries.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return m.Limit(next)
}

// Limit wraps next with rate limiting, appending meta to the request's
// metadata chain. Route-level entries passed here override entries
// attached by outer wrappers.
func (m *Middleware) Limit(next http.Handler, meta ...limiter.EndpointMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := appendMetadata(r.Context(), meta...)
		r = r.WithContext(ctx)

		out, err := m.svc.Evaluate(ctx, r, MetadataFromContext(ctx))
		if err != nil {
			// Fail-closed store failure: infrastructure error, not a limit.
			LoggerFromContext(ctx).Error("rate limit evaluation failed", "error", err)
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		if out.Bypassed {
			next.ServeHTTP(w, r)
			return
		}

		d := out.Decision
		if d.Allowed {
			m.writeRateHeaders(w, d)
			m.emit(func() { m.opts.Sink.OnAllowed(d) })
			next.ServeHTTP(w, r)
			return
		}

		// Headers must precede any body write.
		m.writeRateHeaders(w, d)
		w.Header().Set("Retry-After", strconv.FormatInt(ceilSeconds(d.RetryAfter), 10))

		if d.Blocked {
			m.emit(func() { m.opts.Sink.OnBlocked(d) })
		} else {
			m.emit(func() { m.opts.Sink.OnLimited(d) })
		}

		if m.opts.OnRejected != nil {
			w.WriteHeader(http.StatusTooManyRequests)
			m.opts.OnRejected(w, r, d)
			return
		}
		w.Header().Set("Content-Type", m.opts.ContentType)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(m.opts.Body))
	})
}

// writeRateHeaders attaches the informational rate limit headers when
// enabled.
func (m *Middleware) writeRateHeaders(w http.ResponseWriter, d limiter.Decision) {
	if !m.opts.Headers {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// emit invokes a sink hook, isolating the decision path from panics.
func (m *Middleware) emit(f func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("metrics sink panicked", "panic", rec)
		}
	}()
	f()
}

// ceilSeconds rounds a duration up to whole seconds for Retry-After.
func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
