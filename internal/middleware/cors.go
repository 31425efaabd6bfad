package middleware

import "net/http"

// CORS returns a middleware that applies cross-origin headers to every
// response and answers preflight requests directly with 204. The origins
// function is consulted per request so config reloads take effect without
// rebuilding the middleware chain.
func CORS(origins func() []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Access-Control-Allow-Origin", allowedOrigin(origins(), r.Header.Get("Origin")))
			header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			header.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				GetMiddlewareMetrics().corsPreflights.Inc()
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowedOrigin picks the origin value to echo back. A wildcard entry wins
// outright; a configured origin matching the request is echoed; otherwise
// the first configured origin is reported so the browser sees a definite
// rejection instead of a missing header.
func allowedOrigin(configured []string, requestOrigin string) string {
	if len(configured) == 0 {
		return "*"
	}
	for _, origin := range configured {
		if origin == "*" {
			return "*"
		}
	}
	if requestOrigin != "" {
		for _, origin := range configured {
			if origin == requestOrigin {
				return origin
			}
		}
	}
	return configured[0]
}
