package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "Idempotent-Replayed"
	maxKeyLength      = 255
)

type options struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
}

// Option customises Middleware.
type Option func(*options)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayable.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Middleware replays stored responses for repeated keys. Requests without the header pass through
// untouched. Keys are scoped to the authenticated caller, so it must run after authentication.
// Only 2xx and 4xx responses are stored; a 5xx releases the key so the client may retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := options{header: defaultHeaderName, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httpx.MaxJSONBodyBytes))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := callerID(ctx)
			scoped := caller + "|" + key
			fingerprint := hashHex([]byte(r.Method + "|" + r.URL.Path + "|" + caller + "|" + hashHex(body)))
			logger := requestctx.Logger(ctx).With(zap.String("idempotencyKey", key))

			outcome, entry, err := store.Begin(ctx, scoped, fingerprint, cfg.clock(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Error("idempotency store unavailable", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch outcome {
			case OutcomeReplay:
				replay(w, entry)
				return
			case OutcomeBusy:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			capture := &capturingWriter{ResponseWriter: w, header: http.Header{}}
			next.ServeHTTP(capture, r)
			capture.flush()

			if capture.status() >= http.StatusInternalServerError {
				if err := store.Abandon(context.WithoutCancel(ctx), scoped); err != nil {
					logger.Warn("idempotency key release failed", zap.Error(err))
				}
				return
			}
			entry.Status = capture.status()
			entry.Header = storableHeader(capture.header)
			entry.Body = capture.body.Bytes()
			if err := store.Finish(context.WithoutCancel(ctx), scoped, entry); err != nil {
				logger.Warn("idempotency response not stored", zap.Error(err))
			}
		})
	}
}

// StartJanitor purges expired entries every interval until ctx is cancelled.
func StartJanitor(ctx context.Context, store Store, interval time.Duration, batch int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed, err := store.Purge(ctx, now, batch)
				if err != nil {
					logger.Warn("idempotency purge failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Debug("idempotency keys purged", zap.Int("removed", removed))
				}
			}
		}
	}()
}

func callerID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, entry Entry) {
	for name, values := range entry.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeaderName, "true")
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

// capturingWriter buffers the handler's response so it can be stored before being sent.
type capturingWriter struct {
	http.ResponseWriter
	header http.Header
	code   int
	body   bytes.Buffer
}

func (c *capturingWriter) Header() http.Header { return c.header }

func (c *capturingWriter) WriteHeader(code int) {
	if c.code == 0 {
		c.code = code
	}
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capturingWriter) status() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}

func (c *capturingWriter) flush() {
	dst := c.ResponseWriter.Header()
	for name, values := range c.header {
		dst[name] = values
	}
	c.ResponseWriter.WriteHeader(c.status())
	_, _ = c.ResponseWriter.Write(c.body.Bytes())
}
