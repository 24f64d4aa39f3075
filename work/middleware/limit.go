package middleware

import "net/http"

// Limit caps concurrent in-flight requests across the whole service. Over the
// cap, requests are rejected immediately with 503 rather than queued; a stuck
// queue of relay connections would exhaust upstream sockets anyway.
func Limit(max int, next http.Handler) http.Handler {
	if max <= 0 {
		return next
	}
	sem := make(chan struct{}, max)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "server busy", http.StatusServiceUnavailable)
		}
	})
}
