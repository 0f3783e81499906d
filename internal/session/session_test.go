package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/pkg/voice"
)

// wsServer is a scriptable websocket endpoint. Every accepted connection is
// handed to the configured handler on its own goroutine.
type wsServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns int
}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn, connNum int)) *wsServer {
	t.Helper()
	ws := &wsServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns++
		n := ws.conns
		ws.mu.Unlock()
		handle(conn, n)
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws://" + strings.TrimPrefix(ws.srv.URL, "http://")
}

func (ws *wsServer) connCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conns
}

// readMessage reads and unmarshals one message from the server side.
func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("server unmarshal failed: %v", err)
	}
	return msg
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func TestSessionJoinsCallOnConnect(t *testing.T) {
	joined := make(chan map[string]any, 1)
	ws := newWSServer(t, func(conn *websocket.Conn, _ int) {
		joined <- readMessage(t, conn)
		// Hold the connection open until the client leaves.
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	s := New(Config{Endpoint: ws.url(), CallID: "call-1", SessionID: "sess-9"}, Handlers{}, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect(context.Background())

	select {
	case msg := <-joined:
		if msg["type"] != typeJoinCall {
			t.Errorf("first message type = %v, want %v", msg["type"], typeJoinCall)
		}
		if msg["callId"] != "call-1" || msg["sessionId"] != "sess-9" {
			t.Errorf("join payload = %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the join message")
	}

	if !s.Connected() {
		t.Error("Connected = false after Connect")
	}
}

func TestSessionDispatchesServerEvents(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	ws := newWSServer(t, func(conn *websocket.Conn, _ int) {
		readMessage(t, conn) // join
		ready <- conn
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	var mu sync.Mutex
	var transcripts []TranscriptUpdate
	var sentiments []SentimentUpdate
	var ended []CallEnded
	var serverErrs []ServerError
	handlers := Handlers{
		OnTranscript: func(u TranscriptUpdate) { mu.Lock(); transcripts = append(transcripts, u); mu.Unlock() },
		OnSentiment:  func(u SentimentUpdate) { mu.Lock(); sentiments = append(sentiments, u); mu.Unlock() },
		OnCallEnded:  func(e CallEnded) { mu.Lock(); ended = append(ended, e); mu.Unlock() },
		OnError:      func(e ServerError) { mu.Lock(); serverErrs = append(serverErrs, e); mu.Unlock() },
	}

	s := New(Config{Endpoint: ws.url(), CallID: "call-1"}, handlers, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect(context.Background())

	conn := <-ready
	sendJSON(t, conn, map[string]any{"type": typeTranscriptUpdate, "text": "hello", "isFinal": true, "sequence": 1, "isLast": true})
	sendJSON(t, conn, map[string]any{"type": typeSentimentUpdate, "sentiment": "positive", "score": 0.7})
	sendJSON(t, conn, map[string]any{"type": "unknown_event"})
	sendJSON(t, conn, map[string]any{"type": typeError, "code": "rate_limited", "message": "slow down"})
	sendJSON(t, conn, map[string]any{"type": typeCallEnded, "reason": "completed"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(transcripts) == 1 && len(sentiments) == 1 && len(ended) == 1 && len(serverErrs) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transcripts) != 1 || transcripts[0].Text != "hello" || !transcripts[0].IsFinal || !transcripts[0].IsLast {
		t.Errorf("transcripts = %+v", transcripts)
	}
	if len(sentiments) != 1 || sentiments[0].Sentiment != "positive" {
		t.Errorf("sentiments = %+v", sentiments)
	}
	if len(ended) != 1 || ended[0].Reason != "completed" {
		t.Errorf("ended = %+v", ended)
	}
	if len(serverErrs) != 1 || serverErrs[0].Code != "rate_limited" {
		t.Errorf("serverErrs = %+v", serverErrs)
	}
}

func TestSessionSendOperations(t *testing.T) {
	msgs := make(chan map[string]any, 8)
	ws := newWSServer(t, func(conn *websocket.Conn, _ int) {
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				msgs <- msg
			}
		}
	})

	s := New(Config{Endpoint: ws.url(), CallID: "call-7"}, Handlers{}, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect(context.Background())

	ctx := context.Background()
	if err := s.SendVoiceActivity(ctx, true, 0.83); err != nil {
		t.Fatalf("SendVoiceActivity failed: %v", err)
	}
	if err := s.SendVoiceStreamChunk(ctx, "partial tex", 3, false); err != nil {
		t.Fatalf("SendVoiceStreamChunk failed: %v", err)
	}
	if err := s.SendVoiceStreamChunk(ctx, "partial text done", 4, true); err != nil {
		t.Fatalf("SendVoiceStreamChunk failed: %v", err)
	}
	if err := s.SendVoiceInput(ctx, "partial text done", voice.SourceNative); err != nil {
		t.Fatalf("SendVoiceInput failed: %v", err)
	}

	want := []string{typeJoinCall, typeVoiceActivity, typeVoiceStreamChunk, typeVoiceStreamChunk, typeVoiceInput}
	var got []map[string]any
	for range want {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages", len(got))
		}
	}
	for i, w := range want {
		if got[i]["type"] != w {
			t.Errorf("message %d type = %v, want %v", i, got[i]["type"], w)
		}
		if got[i]["callId"] != "call-7" {
			t.Errorf("message %d callId = %v", i, got[i]["callId"])
		}
	}
	if got[2]["isLast"] != false || got[3]["isLast"] != true {
		t.Errorf("stream chunk isLast flags wrong: %v then %v", got[2]["isLast"], got[3]["isLast"])
	}
	if got[3]["sequence"] != float64(4) {
		t.Errorf("final chunk sequence = %v, want 4", got[3]["sequence"])
	}
	if got[4]["source"] != string(voice.SourceNative) {
		t.Errorf("voice input source = %v", got[4]["source"])
	}
}

func TestSessionReconnectsAfterUnexpectedClose(t *testing.T) {
	rejoined := make(chan map[string]any, 1)
	ws := newWSServer(t, func(conn *websocket.Conn, connNum int) {
		msg := readMessage(t, conn) // join
		if connNum == 1 {
			// Drop the first connection without a normal closure.
			conn.Close(websocket.StatusInternalError, "dropped")
			return
		}
		rejoined <- msg
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	s := New(Config{Endpoint: ws.url(), CallID: "call-1"}, Handlers{}, nil)
	s.sleep = instantSleep
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Disconnect(context.Background())

	select {
	case msg := <-rejoined:
		if msg["type"] != typeJoinCall {
			t.Errorf("reconnect did not rejoin, first message %v", msg["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session never reconnected")
	}
	if ws.connCount() != 2 {
		t.Errorf("connection count = %d, want 2", ws.connCount())
	}
}

func TestSessionReconnectExhaustionIsTerminal(t *testing.T) {
	ws := newWSServer(t, func(conn *websocket.Conn, _ int) {
		readMessage(t, conn)
		conn.Close(websocket.StatusInternalError, "dropped")
	})

	rec := recovery.NewManager(recovery.Options{BaseDelay: time.Millisecond})
	s := New(Config{Endpoint: ws.url(), CallID: "call-1", MaxReconnects: 2}, Handlers{}, rec)
	s.sleep = instantSleep
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Stop accepting replacement connections so every redial fails.
	ws.srv.CloseClientConnections()
	ws.srv.Close()

	deadline := time.Now().Add(3 * time.Second)
	var sawTerminal bool
	for time.Now().Before(deadline) {
		for _, e := range rec.Errors() {
			if e.Code == voice.CodeChannelDisconnected {
				sawTerminal = true
			}
		}
		if sawTerminal {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawTerminal {
		t.Fatal("exhausted reconnect did not raise a connectivity error")
	}
	if s.Connected() {
		t.Error("Connected = true after terminal reconnect failure")
	}
}

func TestSessionDisconnectSendsLeaveAndSuppressesReconnect(t *testing.T) {
	left := make(chan map[string]any, 1)
	ws := newWSServer(t, func(conn *websocket.Conn, _ int) {
		readMessage(t, conn) // join
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil && msg["type"] == typeLeaveCall {
				left <- msg
			}
		}
	})

	s := New(Config{Endpoint: ws.url(), CallID: "call-1"}, Handlers{}, nil)
	s.sleep = instantSleep
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case msg := <-left:
		if msg["callId"] != "call-1" {
			t.Errorf("leave payload = %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the leave message")
	}

	// Deliberate disconnect must not trigger redials.
	time.Sleep(50 * time.Millisecond)
	if ws.connCount() != 1 {
		t.Errorf("connection count after Disconnect = %d, want 1", ws.connCount())
	}
	if s.Connected() {
		t.Error("Connected = true after Disconnect")
	}

	if err := s.Connect(context.Background()); err == nil {
		t.Error("Connect succeeded on a disconnected session")
	}
}
