package shield

import (
	"net/http"
	"slices"
	"strings"
)

// CORSConfig describes which browser origins may call the API. A nil or
// empty AllowOrigins allows any origin, like the hosted editor did.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
	AllowHeaders []string `yaml:"allow_headers"`
	AllowMethods []string `yaml:"allow_methods"`
}

func (c *CORSConfig) defaults() {
	if len(c.AllowHeaders) == 0 {
		c.AllowHeaders = []string{"authorization", "x-client-info", "apikey", "content-type"}
	}
	if len(c.AllowMethods) == 0 {
		c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	}
}

// CORS answers preflight requests and decorates actual responses.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	cfg.defaults()
	headers := strings.Join(cfg.AllowHeaders, ", ")
	methods := strings.Join(cfg.AllowMethods, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed := "*"
			if len(cfg.AllowOrigins) > 0 {
				if !slices.Contains(cfg.AllowOrigins, origin) {
					next.ServeHTTP(w, r)
					return
				}
				allowed = origin
				w.Header().Add("Vary", "Origin")
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Expose-Headers", "X-Trace-ID")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
