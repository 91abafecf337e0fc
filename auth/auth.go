// Package auth implements the server's optional HTTP Basic authentication:
// a single configured username/password pair checked on every request when
// credentials are configured, and a pass-through no-op when they are not.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type contextKey string

const usernameContextKey contextKey = "username"

// Checker validates HTTP Basic credentials against the server's configured
// username and password. A zero-value Checker (both fields empty) means
// auth is disabled: Middleware then passes every request through.
type Checker struct {
	Username string
	Password string
}

// Enabled reports whether a username/password pair was configured.
func (c Checker) Enabled() bool {
	return c.Username != "" || c.Password != ""
}

// Valid reports whether user/pass match the configured credentials, using
// constant-time comparison to avoid leaking timing information.
func (c Checker) Valid(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
	return userOK && passOK
}

// Middleware enforces HTTP Basic auth when Checker is Enabled, and attaches
// the authenticated username to the request context. CORS headers are set
// on every request, including OPTIONS, which always bypasses credential
// checks so preflight requests succeed.
func (c Checker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Depth, Timeout, Cursor, X-OC-Mtime")

		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !c.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || !c.Valid(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Enter credentials"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := contextWithUsername(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func contextWithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameContextKey, username)
}

// UsernameFromContext extracts the username HTTP Basic auth attached to the
// request context, if any.
func UsernameFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(usernameContextKey).(string)
	return username, ok
}
