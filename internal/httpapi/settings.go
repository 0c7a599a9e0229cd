package httpapi

import "net/http"

type chatSettingsResponse struct {
	Title            string `json:"title"`
	InputPlaceholder string `json:"input_placeholder"`
	Model            string `json:"model"`
	Pipeline         string `json:"pipeline"`
	ClientMode       string `json:"client_mode"`
	SessionTTLMS     int64  `json:"session_ttl_ms"`
}

func (s *Server) handleChatSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, chatSettingsResponse{
		Title:            s.cfg.ChatTitle,
		InputPlaceholder: s.cfg.ChatInputPlaceholder,
		Model:            s.cfg.LLMModel,
		Pipeline:         s.cfg.ChatPipeline,
		ClientMode:       s.clientMode,
		SessionTTLMS:     s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}
