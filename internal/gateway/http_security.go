package gateway

import "net/http"

// securityHeaders wraps an http.Handler with the headers the Gateway Router
// sets on every HTTP-level response served from the same port, regardless
// of whether the request turns into a WebSocket upgrade.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; connect-src 'self'")
		next.ServeHTTP(w, r)
	})
}
