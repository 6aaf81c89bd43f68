package events

import (
	"encoding/json"
	"net/http"

	"github.com/tokenmeter/paychand/internal/chunkpay"
)

// chunkEventPayload is the wire shape of a chunk-payment stream event,
// spec.md §6: camelCase JSON keys regardless of the Go field names used
// internally.
type chunkEventPayload struct {
	ChunkID            string `json:"chunkId"`
	Tokens             int64  `json:"tokens"`
	SessionID          string `json:"sessionId"`
	IsPaid             bool   `json:"isPaid"`
	CumulativePayment  int64  `json:"cumulativePayment"`
	RemainingBalance   int64  `json:"remainingBalance"`
	ChannelID          string `json:"channelId"`
	ChannelTotalAmount int64  `json:"channelTotalAmount"`
}

// SSEHandler drains one session's event queue over a single
// text/event-stream connection. No SSE library exists anywhere in the
// retrieved corpus (see DESIGN.md), so this boundary is hand-rolled
// against net/http directly rather than reaching for an unfamiliar
// ecosystem package with nothing in the pack to ground it on.
func (b *Bus) SSEHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	q := b.Subscribe(sessionID)
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.ChanOut():
			if !ok {
				return
			}
			ev, ok := item.(chunkpay.ChunkEvent)
			if !ok {
				continue
			}
			payload := chunkEventPayload{
				ChunkID:            ev.ChunkID,
				Tokens:             ev.Tokens,
				SessionID:          ev.SessionID,
				IsPaid:             ev.IsPaid,
				CumulativePayment:  ev.CumulativePayment,
				RemainingBalance:   ev.RemainingBalance,
				ChannelID:          ev.ChannelID,
				ChannelTotalAmount: ev.ChannelTotalAmount,
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				log.Errorf("sse: failed to marshal chunk event: %v", err)
				continue
			}
			if _, err := w.Write([]byte("event: chunk-payment\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(raw); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
