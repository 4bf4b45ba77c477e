package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/nijaru/vidscribe/config"
	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps handler so that the first middleware runs outermost.
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			handler = middlewares[i](handler)
		}
	}
	return handler
}

// RateLimit applies one token bucket to every request. Health checks are
// never limited.
func RateLimit(cfg config.RateLimitConfig) Middleware {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" && !limiter.Allow() {
				utils.RespondWithError(w, r, errors.RateLimited("middleware.RateLimit"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				GetLogger(r.Context()).WithFields(logrus.Fields{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("Panic recovered")
				utils.RespondWithError(w, r, errors.Internal("middleware.Recovery", nil, "Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func CORS(cfg config.CORSConfig) Middleware {
	if !cfg.Enabled {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin(cfg.AllowedOrigins, r.Header.Get("Origin")))
			h.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ","))
			h.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ","))
			h.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ","))
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if cfg.MaxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowedOrigin echoes the request origin when it is listed, since the
// header only carries a single origin.
func allowedOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	if len(allowed) > 0 {
		return allowed[0]
	}
	return ""
}
