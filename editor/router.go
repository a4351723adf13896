package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/pdfdesk/annotation"
	"github.com/hazyhaar/pdfdesk/annotstore"
	"github.com/hazyhaar/pdfdesk/convert"
	"github.com/hazyhaar/pdfdesk/history"
	"github.com/hazyhaar/pdfdesk/horosafe"
	"github.com/hazyhaar/pdfdesk/kit"
)

// RegisterHTTP mounts the document API on r:
//
//	POST   /api/documents                          open (JSON or application/pdf)
//	GET    /api/documents                          list
//	GET    /api/documents/{docID}                  info + state + history
//	DELETE /api/documents/{docID}                  close
//	GET    /api/documents/{docID}/pdf              original bytes
//	GET    /api/documents/{docID}/annotations
//	POST   /api/documents/{docID}/annotations
//	GET    /api/documents/{docID}/annotations/{annID}
//	DELETE /api/documents/{docID}/annotations/{annID}
//	GET    /api/documents/{docID}/history
//	POST   /api/documents/{docID}/undo
//	POST   /api/documents/{docID}/redo
//	POST   /api/documents/{docID}/shortcut
//	GET    /api/documents/{docID}/state
//	PATCH  /api/documents/{docID}/state
//	GET    /api/documents/{docID}/comments.md
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Route("/api/documents", func(r chi.Router) {
		r.Post("/", s.handleOpen)
		r.Get("/", s.handleList)

		r.Route("/{docID}", func(r chi.Router) {
			r.Use(documentContext)
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleClose)
			r.Get("/pdf", s.handlePDF)

			r.Get("/annotations", s.handleAnnotations)
			r.Post("/annotations", s.handleCreateAnnotation)
			r.Get("/annotations/{annID}", s.handleAnnotation)
			r.Delete("/annotations/{annID}", s.handleDeleteAnnotation)

			r.Get("/history", s.handleHistory)
			r.Post("/undo", s.handleUndo)
			r.Post("/redo", s.handleRedo)
			r.Post("/shortcut", s.handleShortcut)

			r.Get("/state", s.handleState)
			r.Patch("/state", s.handlePatchState)
			r.Get("/comments.md", s.handleComments)
		})
	})
}

func documentContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "docID")
		if err := horosafe.ValidateIdentifier(id); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ctx := kit.WithDocumentID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type openRequest struct {
	Name      string `json:"name"`
	PDFBase64 string `json:"pdfBase64"`
}

type documentResponse struct {
	Document DocumentInfo   `json:"document"`
	State    StateSnapshot  `json:"state"`
	History  history.Status `json:"history"`
}

func (s *Service) handleOpen(w http.ResponseWriter, r *http.Request) {
	var (
		name string
		pdf  []byte
		err  error
	)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/pdf" {
		name = r.URL.Query().Get("name")
		pdf, err = horosafe.LimitedReadAll(r.Body, s.maxUpload)
		if err != nil {
			writeError(w, bodyStatus(err), err)
			return
		}
	} else {
		var req openRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, bodyStatus(err), fmt.Errorf("invalid JSON body: %w", err))
			return
		}
		name = req.Name
		if pdf, err = convert.DecodePDF(req.PDFBase64); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if int64(len(pdf)) > s.maxUpload {
			writeError(w, http.StatusRequestEntityTooLarge, horosafe.ErrTooLarge)
			return
		}
	}

	ws, err := s.Open(r.Context(), name, pdf)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, documentOf(ws))
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.List()})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Workspace(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, documentOf(ws))
}

func (s *Service) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.Close(r.Context(), chi.URLParam(r, "docID")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePDF(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Workspace(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	filename := horosafe.SafeFilename(ws.Info.Name, "documento") + ".pdf"
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	w.Write(ws.pdf)
}

func (s *Service) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Annotations(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []annotation.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"annotations": recs})
}

func (s *Service) handleAnnotation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Annotation(r.Context(), chi.URLParam(r, "docID"), chi.URLParam(r, "annID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	var rec annotation.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, bodyStatus(err), fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	out, err := s.CreateAnnotation(r.Context(), chi.URLParam(r, "docID"), rec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Service) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteAnnotation(r.Context(), chi.URLParam(r, "docID"), chi.URLParam(r, "annID")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	v, err := s.History(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) handleUndo(w http.ResponseWriter, r *http.Request) {
	v, err := s.Undo(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) handleRedo(w http.ResponseWriter, r *http.Request) {
	v, err := s.Redo(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) handleShortcut(w http.ResponseWriter, r *http.Request) {
	var ev KeyEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, bodyStatus(err), fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	res, err := s.Shortcut(r.Context(), chi.URLParam(r, "docID"), ev)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.State(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handlePatchState(w http.ResponseWriter, r *http.Request) {
	var p StatePatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, bodyStatus(err), fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	st, err := s.PatchState(chi.URLParam(r, "docID"), p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleComments(w http.ResponseWriter, r *http.Request) {
	md, err := s.CommentsMarkdown(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(md))
}

func documentOf(ws *Workspace) documentResponse {
	return documentResponse{
		Document: ws.Info,
		State:    ws.State.Snapshot(),
		History:  ws.History.Status(),
	}
}

// statusFor maps a Service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoDocument), errors.Is(err, annotstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, annotstore.ErrDuplicate), errors.Is(err, history.ErrRestoring):
		return http.StatusConflict
	case errors.Is(err, ErrInvalid), errors.Is(err, convert.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func bodyStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, horosafe.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
