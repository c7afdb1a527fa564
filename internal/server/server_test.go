package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/charchat-go/internal/config"
	"github.com/comigor/charchat-go/internal/history"
)

type completerFunc func(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error)

func (f completerFunc) Complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	return f(ctx, msgs)
}

// echo replies with the last user message.
var echo = completerFunc(func(_ context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	return "re: " + msgs[len(msgs)-1].Content, nil
})

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		MaxFrameBytes: 65536,
		WriteTimeout:  5 * time.Second,
		PongWait:      time.Minute,
	}
}

func newStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func startServer(t *testing.T, cfg config.ServerConfig, store Store, completer completerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(cfg, store, completer).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, characterID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat/" + characterID + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func next(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var event map[string]any
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

const initFrame = `{"type":"init","sessionId":"%s","character":{"systemPrompt":"You are Sherlock.","name":"Sherlock","avatar":"s.png"}}`

func initWith(sessionID string) string {
	return fmt.Sprintf(initFrame, sessionID)
}

func TestChat_Conversation(t *testing.T) {
	store := newStore(t)
	ts := startServer(t, testConfig(), store, echo)
	ws := dial(t, ts, "7")

	send(t, ws, `{"type":"init","character":{"systemPrompt":"You are Sherlock."}}`)
	ready := next(t, ws)
	require.Equal(t, "ready", ready["type"])
	sessionID, _ := ready["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	send(t, ws, `{"type":"message","content":"Hello"}`)
	require.Equal(t, map[string]any{"type": "typing"}, next(t, ws))
	require.Equal(t, map[string]any{"type": "message", "content": "re: Hello"}, next(t, ws))

	conv, err := store.GetOrCreate(context.Background(), sessionID, "7", history.CharacterInfo{})
	require.NoError(t, err)
	require.Equal(t, "AI", conv.CharacterName)
	msgs, err := store.ListMessages(context.Background(), conv)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestChat_ReconnectReplaysHistory(t *testing.T) {
	ts := startServer(t, testConfig(), newStore(t), echo)

	first := dial(t, ts, "1")
	send(t, first, initWith("guest"))
	require.Equal(t, "ready", next(t, first)["type"])
	send(t, first, `{"type":"message","content":"hi"}`)
	next(t, first) // typing
	next(t, first) // message
	first.Close()

	second := dial(t, ts, "1")
	send(t, second, initWith("guest"))
	require.Equal(t, map[string]any{
		"type": "history",
		"messages": []any{
			map[string]any{"sender": "user", "content": "hi"},
			map[string]any{"sender": "character", "content": "re: hi"},
		},
	}, next(t, second))
	require.Equal(t, map[string]any{"type": "ready", "sessionId": "guest"}, next(t, second))
}

func TestChat_MessageBeforeInit(t *testing.T) {
	ts := startServer(t, testConfig(), newStore(t), echo)
	ws := dial(t, ts, "1")

	send(t, ws, `{"type":"message","content":"hello?"}`)
	require.Equal(t, map[string]any{"type": "error", "message": "Chat not initialized. Please refresh the page."}, next(t, ws))

	// the connection stays usable
	send(t, ws, initWith("s"))
	require.Equal(t, "ready", next(t, ws)["type"])
}

func TestChat_MalformedFrame(t *testing.T) {
	ts := startServer(t, testConfig(), newStore(t), echo)
	ws := dial(t, ts, "1")

	for _, raw := range []string{`not json`, `{"type":"dance"}`, `{"type":"message"}`} {
		send(t, ws, raw)
		event := next(t, ws)
		require.Equal(t, "error", event["type"])
		require.Contains(t, event["message"], "malformed frame")
	}
}

func TestChat_QueuedFramesRunInOrder(t *testing.T) {
	ts := startServer(t, testConfig(), newStore(t), echo)
	ws := dial(t, ts, "1")

	send(t, ws, initWith("s"))
	send(t, ws, `{"type":"message","content":"one"}`)
	send(t, ws, `{"type":"message","content":"two"}`)

	require.Equal(t, "ready", next(t, ws)["type"])
	require.Equal(t, "typing", next(t, ws)["type"])
	require.Equal(t, "re: one", next(t, ws)["content"])
	require.Equal(t, "typing", next(t, ws)["type"])
	require.Equal(t, "re: two", next(t, ws)["content"])
}

func TestChat_DisconnectAbortsCompletion(t *testing.T) {
	store := newStore(t)
	started := make(chan struct{})
	aborted := make(chan struct{})
	ts := startServer(t, testConfig(), store, func(ctx context.Context, _ []openai.ChatCompletionMessage) (string, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return "", ctx.Err()
	})
	ws := dial(t, ts, "1")

	send(t, ws, initWith("s"))
	require.Equal(t, "ready", next(t, ws)["type"])
	send(t, ws, `{"type":"message","content":"still there?"}`)
	require.Equal(t, "typing", next(t, ws)["type"])
	<-started
	require.NoError(t, ws.Close())

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("completion was not cancelled")
	}

	conv, err := store.GetOrCreate(context.Background(), "s", "1", history.CharacterInfo{})
	require.NoError(t, err)
	msgs, err := store.ListMessages(context.Background(), conv)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, history.SenderUser, msgs[0].Sender)
}

func TestChat_FrameTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameBytes = 64
	ts := startServer(t, cfg, newStore(t), echo)
	ws := dial(t, ts, "1")

	send(t, ws, `{"type":"message","content":"`+strings.Repeat("x", 128)+`"}`)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestChat_OriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://chat.example"}
	ts := startServer(t, cfg, newStore(t), echo)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat/1/"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://chat.example"}})
	require.NoError(t, err)
	ws.Close()
}

func TestHandleChat_MissingCharacterID(t *testing.T) {
	srv := New(testConfig(), newStore(t), echo)
	req := httptest.NewRequest(http.MethodGet, "/ws/chat//", nil)
	rec := httptest.NewRecorder()

	srv.handleChat(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	ts := startServer(t, testConfig(), newStore(t), echo)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	busy, err := store.GetOrCreate(ctx, "guest", "1", history.CharacterInfo{Name: "Sherlock", Avatar: "s.png"})
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, busy, history.SenderCharacter, strings.Repeat("a", 45))
	require.NoError(t, err)
	_, err = store.GetOrCreate(ctx, "guest", "2", history.CharacterInfo{Name: "Watson"})
	require.NoError(t, err)
	_, err = store.GetOrCreate(ctx, "someone-else", "3", history.CharacterInfo{Name: "Moriarty"})
	require.NoError(t, err)

	summaries, err := store.Recent(ctx, "guest", 10)
	require.NoError(t, err)
	var stamp string
	for _, s := range summaries {
		if s.CharacterID == "1" {
			stamp = s.UpdatedAt.Format("15:04")
		}
	}

	ts := startServer(t, testConfig(), store, echo)
	get := func(req *http.Request) (int, recentResponse) {
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body recentResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/chats/recent/", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "guest"})
	code, body := get(req)
	require.Equal(t, http.StatusOK, code)
	require.ElementsMatch(t, []recentChat{
		{ID: "1", Name: "Sherlock", Avatar: "s.png", LastMessage: strings.Repeat("a", 40) + "...", Time: stamp},
		{ID: "2", Name: "Watson", LastMessage: "Start a conversation..."},
	}, body.Chats)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/chats/recent/", nil)
	req.Header.Set("X-Session-ID", "someone-else")
	_, body = get(req)
	require.Len(t, body.Chats, 1)
	require.Equal(t, "Moriarty", body.Chats[0].Name)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/chats/recent/", nil)
	code, body = get(req)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, body.Chats)
	require.Empty(t, body.Chats)
}

func TestRecent_StoreFailure(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Close())
	srv := New(testConfig(), store, echo)

	req := httptest.NewRequest(http.MethodGet, "/api/chats/recent/", nil)
	req.Header.Set("X-Session-ID", "guest")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
