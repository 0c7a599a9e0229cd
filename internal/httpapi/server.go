package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/localchat/internal/chat"
	"github.com/ent0n29/localchat/internal/config"
	"github.com/ent0n29/localchat/internal/observability"
	"github.com/ent0n29/localchat/internal/protocol"
	"github.com/ent0n29/localchat/internal/session"
)

// Backend describes the resolved runtime dependencies, reported by the
// health and settings endpoints.
type Backend struct {
	ClientMode  string
	ArchiveMode string
}

const codeSessionEnded = "session_ended"

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	metrics     *observability.Metrics
	logger      zerolog.Logger
	hub         *hub
	clientMode  string
	archiveMode string
	upgrader    websocket.Upgrader
	static      http.Handler
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, logger zerolog.Logger, backend Backend) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		metrics:     metrics,
		logger:      logger.With().Str("component", "httpapi").Logger(),
		hub:         newHub(metrics),
		clientMode:  backend.ClientMode,
		archiveMode: backend.ArchiveMode,
		static:      newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only attach from the page's own origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/chat/settings", s.handleChatSettings)
	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Get("/v1/chat/session/ws", s.handleSessionWS)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Get("/v1/chat/session/{id}/turns", s.handleListTurns)
	r.Post("/v1/chat/session/{id}/turns", s.handleSubmitTurn)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"client_mode":  s.clientMode,
		"archive_mode": s.archiveMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"client_mode":     s.clientMode,
		"archive_mode":    s.archiveMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess := s.sessions.Create(req.UserID)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")
	s.logger.Info().Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("session created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Pipeline:        s.cfg.ChatPipeline,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	s.SessionEnded(id)
	respondJSON(w, http.StatusOK, sess)
}

// SessionEnded tells every socket attached to the session that it is over.
// Each socket forwards the event and then closes.
func (s *Server) SessionEnded(sessionID string) {
	s.hub.publish(sessionID, sessionEndedEvent(sessionID))
}

func sessionEndedEvent(sessionID string) protocol.SystemEvent {
	return protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      codeSessionEnded,
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	loop, err := s.sessions.Loop(sessionID)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	// Subscribe before the snapshot so no turn falls between the two; live
	// turns already covered by the replay are skipped by index.
	sub := s.hub.subscribe(sessionID)
	defer s.hub.unsubscribe(sessionID, sub)
	replayed := s.writeReplay(conn, sessionID, loop)
	if replayed < 0 {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-outbound:
			case msg = <-sub.ch:
				if t, ok := msg.(protocol.TurnAppended); ok && t.Index < replayed {
					continue
				}
			}
			if err := s.writeJSON(conn, msg); err != nil {
				cancel()
				return
			}
			if ev, ok := msg.(protocol.SystemEvent); ok && ev.Code == codeSessionEnded {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				cancel()
				_ = conn.Close()
				return
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
		return nil
	})

	var turns sync.WaitGroup
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueue(outbound, s.errorEvent(sessionID, "invalid_client_message", false, err))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ChatInput:
			if m.SessionID != sessionID {
				s.enqueue(outbound, s.errorEvent(sessionID, "session_mismatch", false, errors.New("session_id does not match connection")))
				continue
			}
			// The session may have ended since this socket attached.
			current, err := s.sessions.Loop(sessionID)
			if err != nil {
				s.enqueue(outbound, s.sessionErrorEvent(sessionID, err))
				continue
			}
			_ = s.sessions.Touch(sessionID)
			turns.Add(1)
			go func(text string) {
				defer turns.Done()
				if _, err := s.submit(ctx, sessionID, current, text); err != nil {
					s.enqueue(outbound, s.submitErrorEvent(sessionID, err))
				}
			}(m.Text)
		case protocol.ClientControl:
			switch m.Action {
			case protocol.ActionReplay:
				for _, msg := range replayMessages(sessionID, loop) {
					s.enqueue(outbound, msg)
				}
			case protocol.ActionPing:
				_ = s.sessions.Touch(sessionID)
				s.enqueue(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
			default:
				s.enqueue(outbound, s.errorEvent(sessionID, "unsupported_action", false, errors.New(m.Action)))
			}
		}
	}

	cancel()
	<-writerDone
	turns.Wait()
	s.metrics.ObserveSessionEvent("ws_disconnected")
	logger.Debug().Msg("websocket closed")
}

// writeReplay sends the current conversation and phase directly on conn and
// returns how many turns it covered, or -1 if the write failed.
func (s *Server) writeReplay(conn *websocket.Conn, sessionID string, loop *chat.Loop) int {
	msgs := replayMessages(sessionID, loop)
	for _, msg := range msgs {
		if err := s.writeJSON(conn, msg); err != nil {
			return -1
		}
	}
	return len(msgs) - 1
}

// replayMessages renders the whole history, oldest first, followed by the
// current phase.
func replayMessages(sessionID string, loop *chat.Loop) []any {
	turns := loop.State().All()
	out := make([]any, 0, len(turns)+1)
	for i, t := range turns {
		out = append(out, protocol.TurnAppended{
			Type:      protocol.TypeTurnAppended,
			SessionID: sessionID,
			Index:     i,
			Role:      string(t.Role),
			Content:   t.Content,
			Replay:    true,
		})
	}
	out = append(out, protocol.ChatState{
		Type:      protocol.TypeChatState,
		SessionID: sessionID,
		Phase:     string(loop.Phase()),
		TurnCount: len(turns),
	})
	return out
}

func (s *Server) writeJSON(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.ObserveWSWriteError("write_json")
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.ObserveWSMessage("outbound", string(t))
	}
	return nil
}

// enqueue keeps websocket writes on the writer goroutine and drops the
// message if the queue is saturated.
func (s *Server) enqueue(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.ObserveWSMessage("dropped", string(t))
		}
	}
}

func (s *Server) errorEvent(sessionID, code string, retryable bool, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: retryable,
		Detail:    err.Error(),
	}
}

func (s *Server) sessionErrorEvent(sessionID string, err error) protocol.ErrorEvent {
	if errors.Is(err, session.ErrEnded) {
		return s.errorEvent(sessionID, codeSessionEnded, false, err)
	}
	return s.errorEvent(sessionID, "session_not_found", false, err)
}

func (s *Server) submitErrorEvent(sessionID string, err error) protocol.ErrorEvent {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		return s.errorEvent(sessionID, "empty_input", false, err)
	case errors.Is(err, chat.ErrBusy):
		return s.errorEvent(sessionID, "busy", true, err)
	default:
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("chat turn failed")
		return s.errorEvent(sessionID, "turn_failed", false, err)
	}
}

func (s *Server) readTimeout() time.Duration {
	if s.cfg.SessionInactivityTimeout <= 0 {
		return 2 * time.Minute
	}
	return s.cfg.SessionInactivityTimeout
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ChatInput:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnAppended:
		return m.Type, true
	case protocol.ChatState:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
