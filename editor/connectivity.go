// CLAUDE:SUMMARY Registers editor undo/redo/history handlers on a connectivity Router for inter-service RPC.
package editor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/pdfdesk/connectivity"
	"github.com/hazyhaar/pdfdesk/kit"
)

// RegisterConnectivity registers editor service handlers on a connectivity
// Router.
//
// Registered services:
//
//	pdfdesk_undo    undo the last change of a document
//	pdfdesk_redo    redo the last undone change of a document
//	pdfdesk_history undo/redo readiness of a document
func (s *Service) RegisterConnectivity(router *connectivity.Router) {
	mw := kit.Chain(kit.WithTransportTag("connectivity"))
	router.RegisterLocal("pdfdesk_undo", connectivityHandler(mw(historyEndpoint(s.Undo))))
	router.RegisterLocal("pdfdesk_redo", connectivityHandler(mw(historyEndpoint(s.Redo))))
	router.RegisterLocal("pdfdesk_history", connectivityHandler(mw(historyEndpoint(func(_ context.Context, id string) (HistoryView, error) {
		return s.History(id)
	}))))
}

// connectivityHandler decodes a JSON documentReq payload into endpoint and
// encodes its response as JSON.
func connectivityHandler(endpoint kit.Endpoint) connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req documentReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: decode: %w", ErrInvalid, err)
		}
		v, err := endpoint(ctx, &req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
}
