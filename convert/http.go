package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/pdfdesk/kit"
)

// RegisterHTTP mounts the conversion proxy on r:
//
//	POST /api/convert/{kind}
//	GET  /api/convert/health
func (c *Client) RegisterHTTP(r chi.Router) {
	r.Get("/api/convert/health", c.handleHealth)
	r.Post("/api/convert/{kind}", c.handleConvert)
}

func (c *Client) handleConvert(w http.ResponseWriter, r *http.Request) {
	kind := Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeFailure(w, http.StatusNotFound, fmt.Errorf("unknown conversion %q", kind))
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return
		}
		writeFailure(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	res, err := c.Convert(r.Context(), kind, req)
	if err != nil {
		kit.Logger(r.Context()).WarnContext(r.Context(), "convert: request failed", "kind", kind, "error", err)
		writeFailure(w, StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Client) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := c.Health(r.Context())
	if err != nil {
		writeFailure(w, StatusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// StatusFor maps a Convert error to an HTTP status.
func StatusFor(err error) int {
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.As(err, &remote):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"success": false, "error": err.Error()})
}
