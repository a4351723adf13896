// Package shield provides the HTTP middleware applied in front of every
// pdfdesk route: security headers, CORS for the browser editor, body
// limits, request tracing and per-endpoint rate limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(shield.StackConfig{MaxBodyBytes: 64 << 20}) {
//	    r.Use(mw)
//	}
//	r.With(limiter.Middleware).Post("/api/convert/{kind}", ...)
package shield

import "net/http"

// StackConfig tunes DefaultStack.
type StackConfig struct {
	// MaxBodyBytes caps request bodies. Base64 PDFs travel in JSON, so this
	// is sized for documents, not forms.
	MaxBodyBytes int64
	CORS         CORSConfig
}

// DefaultStack returns the standard middleware, outermost first:
// HeadToGet, SecurityHeaders, CORS, MaxBody, TraceID.
func DefaultStack(cfg StackConfig) []func(http.Handler) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		CORS(cfg.CORS),
		MaxBody(cfg.MaxBodyBytes),
		TraceID,
	}
}

// HeadToGet lets routes registered with Get answer HEAD requests. net/http
// drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
