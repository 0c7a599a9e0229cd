package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/localchat/internal/chat"
	"github.com/ent0n29/localchat/internal/conversation"
	"github.com/ent0n29/localchat/internal/protocol"
	"github.com/ent0n29/localchat/internal/session"
)

type submitTurnRequest struct {
	Text string `json:"text"`
}

type submitTurnResponse struct {
	SessionID string            `json:"session_id"`
	Index     int               `json:"index"`
	Turn      conversation.Turn `json:"turn"`
	Outcome   chat.Phase        `json:"outcome"`
	Fault     string            `json:"fault,omitempty"`
	Retryable bool              `json:"retryable"`
	TurnCount int               `json:"turn_count"`
}

type listTurnsResponse struct {
	SessionID string              `json:"session_id"`
	Status    session.Status      `json:"status"`
	Phase     chat.Phase          `json:"phase,omitempty"`
	Turns     []conversation.Turn `json:"turns"`
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	state, phase, err := s.sessions.Conversation(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, listTurnsResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Phase:     phase,
		Turns:     state.All(),
	})
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	loop, err := s.sessions.Loop(id)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	var req submitTurnRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	_ = s.sessions.Touch(id)

	res, err := s.submit(r.Context(), id, loop, req.Text)
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		respondError(w, http.StatusBadRequest, "empty_input", err.Error())
		return
	case errors.Is(err, chat.ErrBusy):
		respondError(w, http.StatusConflict, "busy", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "turn_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, submitTurnResponse{
		SessionID: id,
		Index:     res.AssistantIndex,
		Turn:      res.Assistant,
		Outcome:   res.Outcome,
		Fault:     string(res.Fault),
		Retryable: res.Retryable,
		TurnCount: loop.State().Len(),
	})
}

// submit runs one chat turn and mirrors its events to every websocket
// attached to the session. An accepted turn runs to completion even if the
// caller goes away; the completion client's own timeout bounds it.
func (s *Server) submit(ctx context.Context, sessionID string, loop *chat.Loop, text string) (chat.Result, error) {
	hooks := chat.Hooks{
		OnTurn: func(index int, turn conversation.Turn) {
			s.hub.publish(sessionID, protocol.TurnAppended{
				Type:      protocol.TypeTurnAppended,
				SessionID: sessionID,
				Index:     index,
				Role:      string(turn.Role),
				Content:   turn.Content,
			})
		},
		OnPhase: func(p chat.Phase) {
			s.hub.publish(sessionID, protocol.ChatState{
				Type:      protocol.TypeChatState,
				SessionID: sessionID,
				Phase:     string(p),
				TurnCount: loop.State().Len(),
			})
		},
	}
	res, err := loop.Submit(context.WithoutCancel(ctx), text, hooks)
	if err == nil && res.Outcome == chat.PhaseFailed {
		s.hub.publish(sessionID, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "completion_failed",
			Source:    "llm",
			Retryable: res.Retryable,
			Detail:    string(res.Fault),
		})
	}
	return res, err
}

func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, codeSessionEnded, err.Error())
	default:
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	}
}
