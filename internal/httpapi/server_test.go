package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/localchat/internal/chat"
	"github.com/ent0n29/localchat/internal/config"
	"github.com/ent0n29/localchat/internal/conversation"
	"github.com/ent0n29/localchat/internal/llm"
	"github.com/ent0n29/localchat/internal/observability"
	"github.com/ent0n29/localchat/internal/prompt"
	"github.com/ent0n29/localchat/internal/protocol"
	"github.com/ent0n29/localchat/internal/session"
)

var namespaceSeq atomic.Int64

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), namespaceSeq.Add(1)))
}

type blockingClient struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingClient) Complete(ctx context.Context, _ []openai.ChatCompletionMessageParamUnion) (string, error) {
	close(c.entered)
	select {
	case <-c.release:
		return "finally", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestServer(t *testing.T, client llm.Client, seed string) (*httptest.Server, *session.Manager, *Server) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		ChatPipeline:             prompt.ModeDirect,
		ChatTitle:                "Local Chat",
		ChatInputPlaceholder:     "AIに聞きたいことを書いてね",
		LLMModel:                 "test-model",
	}
	pipeline, err := prompt.New(cfg.ChatPipeline, "")
	require.NoError(t, err)
	metrics := testMetrics()
	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(sessionID, userID string) *chat.Loop {
		return chat.NewLoop(conversation.NewState(seed), pipeline, client, chat.Options{
			SessionID: sessionID,
			UserID:    userID,
			Metrics:   metrics,
			Logger:    zerolog.Nop(),
		})
	})
	srv := New(cfg, sessions, metrics, zerolog.Nop(), Backend{ClientMode: "mock", ArchiveMode: "in-memory"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions, srv
}

func createSession(t *testing.T, baseURL string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": "user-1"})
	res, err := http.Post(baseURL+"/v1/chat/session", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var created session.CreateResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

func postTurn(t *testing.T, baseURL, sessionID, text string) (*http.Response, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"text": text})
	res, err := http.Post(baseURL+"/v1/chat/session/"+sessionID+"/turns", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestCreateAndEndSession(t *testing.T) {
	ts, sessions, _ := newTestServer(t, llm.NewMockClient(), "")
	sessionID := createSession(t, ts.URL)
	assert.Equal(t, 1, sessions.ActiveCount())

	endRes, err := http.Post(ts.URL+"/v1/chat/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer endRes.Body.Close()
	assert.Equal(t, http.StatusOK, endRes.StatusCode)
	assert.Equal(t, 0, sessions.ActiveCount())

	res, _ := postTurn(t, ts.URL, sessionID, "hello")
	assert.Equal(t, http.StatusGone, res.StatusCode)
}

func TestUIRoutes(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "")

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	defer rootRes.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, rootRes.StatusCode)
	assert.Equal(t, "/ui/", rootRes.Header.Get("Location"))

	uiRes, err := http.Get(ts.URL + "/ui/")
	require.NoError(t, err)
	defer uiRes.Body.Close()
	require.Equal(t, http.StatusOK, uiRes.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(uiRes.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `id="chat"`)
}

func TestChatSettings(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "")

	res, err := http.Get(ts.URL + "/v1/chat/settings")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var payload chatSettingsResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Equal(t, "Local Chat", payload.Title)
	assert.Equal(t, "AIに聞きたいことを書いてね", payload.InputPlaceholder)
	assert.Equal(t, "test-model", payload.Model)
	assert.Equal(t, "direct", payload.Pipeline)
	assert.Equal(t, "mock", payload.ClientMode)
}

func TestSubmitAndListTurns(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "sys")
	sessionID := createSession(t, ts.URL)

	res, payload := postTurn(t, ts.URL, sessionID, "hello")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(2), payload["index"])
	assert.Equal(t, "succeeded", payload["outcome"])
	turn, _ := payload["turn"].(map[string]any)
	assert.Equal(t, "assistant", turn["role"])
	assert.Equal(t, "I heard you: hello", turn["content"])

	listRes, err := http.Get(ts.URL + "/v1/chat/session/" + sessionID + "/turns")
	require.NoError(t, err)
	defer listRes.Body.Close()
	var list listTurnsResponse
	require.NoError(t, json.NewDecoder(listRes.Body).Decode(&list))
	require.Len(t, list.Turns, 3)
	assert.Equal(t, conversation.SystemTurn("sys"), list.Turns[0])
	assert.Equal(t, conversation.UserTurn("hello"), list.Turns[1])
	assert.Equal(t, chat.PhaseAwaitingInput, list.Phase)
}

func TestSubmitTurnErrors(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "")
	sessionID := createSession(t, ts.URL)

	res, payload := postTurn(t, ts.URL, sessionID, "   ")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "empty_input", payload["code"])

	res, _ = postTurn(t, ts.URL, "missing", "hello")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSubmitTurnWhileBusy(t *testing.T) {
	client := &blockingClient{entered: make(chan struct{}), release: make(chan struct{})}
	ts, _, _ := newTestServer(t, client, "")
	sessionID := createSession(t, ts.URL)

	done := make(chan int, 1)
	go func() {
		res, _ := postTurn(t, ts.URL, sessionID, "first")
		done <- res.StatusCode
	}()
	<-client.entered

	res, payload := postTurn(t, ts.URL, sessionID, "second")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "busy", payload["code"])

	close(client.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) []map[string]any {
	t.Helper()
	var seen []map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		seen = append(seen, msg)
		if match(msg) {
			return seen
		}
	}
}

func TestSessionWebSocketReplaysAndChats(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "sys")
	sessionID := createSession(t, ts.URL)

	res, _ := postTurn(t, ts.URL, sessionID, "before")
	require.Equal(t, http.StatusOK, res.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	replay := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeChatState) })
	require.Len(t, replay, 4)
	for i, msg := range replay[:3] {
		assert.Equal(t, string(protocol.TypeTurnAppended), msg["type"])
		assert.Equal(t, float64(i), msg["index"])
	}
	assert.Equal(t, "system", replay[0]["role"])
	assert.Equal(t, "before", replay[1]["content"])

	require.NoError(t, conn.WriteJSON(protocol.ChatInput{Type: protocol.TypeChatInput, SessionID: sessionID, Text: "こんにちは"}))
	live := readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == string(protocol.TypeTurnAppended) && m["role"] == "assistant"
	})
	var appended []map[string]any
	for _, msg := range live {
		if msg["type"] == string(protocol.TypeTurnAppended) {
			appended = append(appended, msg)
		}
	}
	require.Len(t, appended, 2)
	assert.Equal(t, float64(3), appended[0]["index"])
	assert.Equal(t, "こんにちは", appended[0]["content"])
	assert.Equal(t, float64(4), appended[1]["index"])
	assert.Contains(t, appended[1]["content"], "I heard you: こんにちは")
}

func TestSessionWebSocketRejectsBadInput(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "")
	sessionID := createSession(t, ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeChatState) })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)))
	msgs := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeErrorEvent) })
	assert.Equal(t, "invalid_client_message", msgs[len(msgs)-1]["code"])

	require.NoError(t, conn.WriteJSON(protocol.ChatInput{Type: protocol.TypeChatInput, SessionID: sessionID, Text: " "}))
	msgs = readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeErrorEvent) })
	assert.Equal(t, "empty_input", msgs[len(msgs)-1]["code"])
}

func TestSessionWebSocketUnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/session/ws?session_id=missing"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPerfLatency(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "")
	sessionID := createSession(t, ts.URL)
	res, _ := postTurn(t, ts.URL, sessionID, "hello")
	require.Equal(t, http.StatusOK, res.StatusCode)

	perfRes, err := http.Get(ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	defer perfRes.Body.Close()
	var snap observability.TurnStageSnapshot
	require.NoError(t, json.NewDecoder(perfRes.Body).Decode(&snap))
	assert.NotEmpty(t, snap.Stages)
}

type failingClient struct{ err error }

func (c failingClient) Complete(context.Context, []openai.ChatCompletionMessageParamUnion) (string, error) {
	return "", c.err
}

func dialSession(t *testing.T, baseURL, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/chat/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeChatState) })
	return conn
}

func TestListTurnsAfterEnd(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "sys")
	sessionID := createSession(t, ts.URL)
	res, _ := postTurn(t, ts.URL, sessionID, "hello")
	require.Equal(t, http.StatusOK, res.StatusCode)

	endRes, err := http.Post(ts.URL+"/v1/chat/session/"+sessionID+"/end", "application/json", nil)
	require.NoError(t, err)
	endRes.Body.Close()

	listRes, err := http.Get(ts.URL + "/v1/chat/session/" + sessionID + "/turns")
	require.NoError(t, err)
	defer listRes.Body.Close()
	require.Equal(t, http.StatusOK, listRes.StatusCode)
	var list listTurnsResponse
	require.NoError(t, json.NewDecoder(listRes.Body).Decode(&list))
	assert.Equal(t, session.StatusEnded, list.Status)
	require.Len(t, list.Turns, 3)
	assert.Equal(t, conversation.UserTurn("hello"), list.Turns[1])
	assert.Equal(t, "I heard you: hello", list.Turns[2].Content)
}

func TestSessionWebSocketClosesOnEnd(t *testing.T) {
	ts, sessions, srv := newTestServer(t, llm.NewMockClient(), "")
	sessionID := createSession(t, ts.URL)
	conn := dialSession(t, ts.URL, sessionID)
	require.Eventually(t, func() bool { return srv.hub.subscriberCount(sessionID) == 1 }, time.Second, 10*time.Millisecond)

	endRes, err := http.Post(ts.URL+"/v1/chat/session/"+sessionID+"/end", "application/json", nil)
	require.NoError(t, err)
	endRes.Body.Close()

	msgs := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeSystemEvent) })
	assert.Equal(t, "session_ended", msgs[len(msgs)-1]["code"])

	_ = conn.WriteJSON(protocol.ChatInput{Type: protocol.TypeChatInput, SessionID: sessionID, Text: "after end"})
	var msg map[string]any
	err = conn.ReadJSON(&msg)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)

	require.Eventually(t, func() bool { return srv.hub.subscriberCount(sessionID) == 0 }, time.Second, 10*time.Millisecond)
	got, err := sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TurnCount)
}

func TestSessionWebSocketRejectsInputAfterExpiry(t *testing.T) {
	ts, sessions, _ := newTestServer(t, llm.NewMockClient(), "")
	sessionID := createSession(t, ts.URL)
	conn := dialSession(t, ts.URL, sessionID)

	// Ended without a session_ended broadcast, as when the janitor expires
	// a session before the expire hook runs.
	_, err := sessions.End(sessionID)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(protocol.ChatInput{Type: protocol.TypeChatInput, SessionID: sessionID, Text: "after end"}))
	msgs := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeErrorEvent) })
	assert.Equal(t, "session_ended", msgs[len(msgs)-1]["code"])
	for _, m := range msgs {
		assert.NotEqual(t, string(protocol.TypeTurnAppended), m["type"])
	}

	got, err := sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TurnCount)
}

func TestFailedTurnReportsRetryable(t *testing.T) {
	client := failingClient{err: &llm.StatusError{StatusCode: 429, Err: fmt.Errorf("rate limited")}}
	ts, _, _ := newTestServer(t, client, "")
	sessionID := createSession(t, ts.URL)
	conn := dialSession(t, ts.URL, sessionID)

	res, payload := postTurn(t, ts.URL, sessionID, "hello")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "failed", payload["outcome"])
	assert.Equal(t, true, payload["retryable"])

	msgs := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == string(protocol.TypeErrorEvent) })
	last := msgs[len(msgs)-1]
	assert.Equal(t, "completion_failed", last["code"])
	assert.Equal(t, "llm", last["source"])
	assert.Equal(t, true, last["retryable"])
}

func TestUIRendersAssistantMarkdown(t *testing.T) {
	ts, _, _ := newTestServer(t, llm.NewMockClient(), "")

	res, err := http.Get(ts.URL + "/ui/app.js")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "el.innerHTML = renderMarkdown(msg.content)")
	assert.Contains(t, body.String(), "escapeHTML(text)")
}
