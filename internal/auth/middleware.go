package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Options configures Middleware.
type Options struct {
	// APIKey is the shared key. When empty and Disabled is false every
	// protected request is rejected.
	APIKey string
	// Disabled turns authentication off entirely.
	Disabled bool
	// Public lists paths served without credentials, e.g. /healthz.
	Public []string
	// Limiter, when set, blocks clients after repeated failures.
	Limiter *Limiter
}

// Middleware rejects requests without a valid API key.
func Middleware(opts Options) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(opts.Public))
	for _, p := range opts.Public {
		public[p] = true
	}
	rl := opts.Limiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Disabled || public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			if wait, blocked := rl.Blocked(ip); blocked {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				WriteError(w, http.StatusTooManyRequests, "auth_blocked", "too many failed authentication attempts")
				return
			}

			if opts.APIKey == "" {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "API key not configured")
				return
			}

			token, err := Token(r)
			if err == nil && !ValidateKey(token, opts.APIKey) {
				err = ErrInvalidKey
			}
			if err != nil {
				rl.Failure(ip)
				WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			rl.Success(ip)
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes the API's JSON error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
