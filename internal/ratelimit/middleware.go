package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returning an empty string skips rate limiting for this request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

var meter = otel.GetMeterProvider().Meter("tsunagi/ratelimit")

// Middleware returns HTTP middleware that enforces the limiter. Paths listed
// in exempt bypass the limiter entirely (health probes, metrics scrapes).
// Limiter errors fail open: admission control protects the engine, it must
// not become an availability hazard itself.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, exempt ...string) func(http.Handler) http.Handler {
	exemptSet := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		exemptSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || exemptSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if counter, cerr := meter.Int64Counter("ratelimit.denied"); cerr == nil {
					counter.Add(r.Context(), 1)
				}

				secs := int(retryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))

				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a rate-limit error using the standard API error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
			Details: map[string]any{"retry_after_seconds": retryAfter.Seconds()},
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// APIKeyOrIPKeyFunc keys on the presented API key when one exists, falling
// back to the client IP. The first X-Forwarded-For hop is honoured when
// trustProxy is set; otherwise only RemoteAddr, since any client can forge
// the header to bypass per-key limits.
func APIKeyOrIPKeyFunc(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if key := r.Header.Get("X-API-Key"); key != "" {
			return key
		}
		if trustProxy {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				if first, _, ok := strings.Cut(fwd, ","); ok {
					return strings.TrimSpace(first)
				}
				return strings.TrimSpace(fwd)
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}
