package editor

import (
	"time"

	"github.com/hazyhaar/pdfdesk/history"
)

// DocumentInfo describes an open document.
type DocumentInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Pages       int       `json:"pages"`
	Size        int64     `json:"size_bytes"`
	Fingerprint string    `json:"fingerprint"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Workspace is one open document together with its UI state and its
// history manager.
type Workspace struct {
	Info    DocumentInfo
	State   *State
	History *history.Manager

	pdf         []byte
	unsubscribe func()
}

// HistoryView is what history operations report to clients.
type HistoryView struct {
	DocumentID string         `json:"document_id"`
	Applied    bool           `json:"applied"`
	Status     history.Status `json:"status"`
	Stats      history.Stats  `json:"stats"`
}

func (w *Workspace) view(applied bool) HistoryView {
	return HistoryView{
		DocumentID: w.Info.ID,
		Applied:    applied,
		Status:     w.History.Status(),
		Stats:      w.History.Stats(),
	}
}
