package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/adapters/http/dto"
	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/ports"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

type ToolsHandler struct {
	registry *tools.Registry
	threads  ports.ThreadRepository
	messages ports.MessageRepository
	gate     ports.AuthGate
}

func NewToolsHandler(registry *tools.Registry, threads ports.ThreadRepository, messages ports.MessageRepository, gate ports.AuthGate) *ToolsHandler {
	return &ToolsHandler{registry: registry, threads: threads, messages: messages, gate: gate}
}

// List exposes the tool catalog so the frontend can render tool pickers and
// HIL confirmation dialogs.
func (h *ToolsHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.registry.Descriptors(), http.StatusOK)
}

// ValidateToolCall resolves one pending HIL call on the thread's open
// assistant message. The next chat request to the thread executes accepted
// calls and refuses rejected ones.
func (h *ToolsHandler) ValidateToolCall(w http.ResponseWriter, r *http.Request) {
	thread, _, err := fetchAuthorizedThread(r, h.threads, h.gate, chi.URLParam(r, "thread_id"))
	if err != nil {
		respondThreadError(w, err)
		return
	}

	req, ok := decodeJSON[dto.ValidateToolCallRequest](r, w)
	if !ok {
		return
	}
	if req.Validation != "accepted" && req.Validation != "rejected" {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"validation": "Must be accepted or rejected."}),
			http.StatusUnprocessableEntity)
		return
	}

	msg, err := h.messages.GetIncompleteAssistant(r.Context(), thread.ID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			respondDetail(w, "No pending tool call on this thread.", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("thread_id", thread.ID).Msg("failed to load open assistant message")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	callID := chi.URLParam(r, "tool_call_id")
	if _, err := h.messages.GetPartByCallID(r.Context(), msg.ID, callID); err != nil {
		respondDetail(w, "Tool call not found.", http.StatusNotFound)
		return
	}

	if err := h.messages.SetPartValidated(r.Context(), msg.ID, callID, req.Validation == "accepted"); err != nil {
		log.Error().Err(err).Str("call_id", callID).Msg("failed to store validation verdict")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	respondJSON(w, dto.ValidateToolCallResponse{
		ToolCallID: callID,
		Validation: req.Validation,
	}, http.StatusOK)
}
