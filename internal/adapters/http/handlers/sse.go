package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openbrainhub/neuroagent/internal/adapters/metrics"
	"github.com/openbrainhub/neuroagent/internal/application/chat"
)

// sseEmitter writes chat frames as server-sent events, flushing after every
// frame so the client sees deltas as they happen.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	// messageID is captured from the start frame so the handler can settle
	// accounting against the assistant message after the stream closes.
	messageID string
}

func newSSEEmitter(w http.ResponseWriter, flusher http.Flusher) *sseEmitter {
	return &sseEmitter{w: w, flusher: flusher}
}

func (e *sseEmitter) Emit(frame chat.Frame) error {
	switch frame.Type {
	case chat.FrameStart:
		e.messageID = frame.MessageID
	case chat.FrameStartStep:
		metrics.StreamTurnsTotal.Inc()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// Done terminates the stream with the [DONE] sentinel.
func (e *sseEmitter) Done() {
	fmt.Fprint(e.w, "data: [DONE]\n\n")
	e.flusher.Flush()
}
