package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mgleason/proctor-stream/internal/codec"
	"github.com/mgleason/proctor-stream/internal/router"
)

// mockWSServer creates a test WebSocket server. The handler runs once per
// accepted connection.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))

	return server
}

func testConfig(server *httptest.Server) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = server.URL // http scheme, rewritten by the session
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond
	return cfg
}

func TestWSURL(t *testing.T) {
	got, err := wsURL("https://classify.example.com", "conn-1", 40)
	if err != nil {
		t.Fatalf("wsURL failed: %v", err)
	}
	want := "wss://classify.example.com/api/v1/websocket?connection_id=conn-1&sequence_number=40"
	if got != want {
		t.Errorf("wsURL = %q, want %q", got, want)
	}
}

func TestWSURL_HTTPAndBasePath(t *testing.T) {
	got, err := wsURL("http://localhost:8080/service/", "c", 0)
	if err != nil {
		t.Fatalf("wsURL failed: %v", err)
	}
	if !strings.HasPrefix(got, "ws://localhost:8080/service/api/v1/websocket?") {
		t.Errorf("wsURL = %q", got)
	}
}

func TestWSURL_UnrecognizedScheme(t *testing.T) {
	if _, err := wsURL("ftp://example.com", "c", 0); err == nil {
		t.Error("expected error for ftp scheme")
	}
	if _, err := wsURL("example.com", "c", 0); err == nil {
		t.Error("expected error for missing scheme")
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := Config{
		ReconnectBaseDelay: 3000 * time.Millisecond,
		ReconnectMaxDelay:  300000 * time.Millisecond,
		ReconnectThreshold: 2,
	}

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, 3000 * time.Millisecond},
		{2, 3000 * time.Millisecond},   // at threshold: base delay
		{3, 27000 * time.Millisecond},  // 3000 * 9
		{8, 192000 * time.Millisecond}, // min(300000, 3000*64)
		{10, 300000 * time.Millisecond},
		{50, 300000 * time.Millisecond}, // capped
	}
	for _, tc := range cases {
		if got := retryDelay(cfg, tc.failures); got != tc.want {
			t.Errorf("retryDelay(failures=%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}

	// Non-decreasing up to the cap.
	prev := time.Duration(0)
	for f := 1; f <= 20; f++ {
		d := retryDelay(cfg, f)
		if d < prev {
			t.Errorf("retryDelay decreased at failures=%d: %v < %v", f, d, prev)
		}
		prev = d
	}
}

func TestSession_OpenSendsAuthChallenge(t *testing.T) {
	frames := make(chan []byte, 10)
	var query sync.Map

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		query.Store("connection_id", r.URL.Query().Get("connection_id"))
		query.Store("sequence_number", r.URL.Query().Get("sequence_number"))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- msg
		}
	})
	defer server.Close()

	cfg := testConfig(server)
	cfg.Token = "bearer-token-1"

	r := router.New(nil)
	sess := New(cfg, r, nil)
	defer sess.Close()

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sess.State() != StateOpen {
		t.Errorf("State = %v, want open", sess.State())
	}

	select {
	case raw := <-frames:
		var frame codec.ControlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame.Action != codec.ActionAuthChallenge {
			t.Errorf("Action = %q, want authentication_challenge", frame.Action)
		}
		if frame.Seq != 1 {
			t.Errorf("Seq = %d, want 1 for the first frame", frame.Seq)
		}
		if frame.Data["token"] != "bearer-token-1" {
			t.Errorf("token = %v", frame.Data["token"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for authentication challenge")
	}

	if got, _ := query.Load("connection_id"); got != sess.ConnectionID() {
		t.Errorf("connection_id = %v, want %s", got, sess.ConnectionID())
	}
	if got, _ := query.Load("sequence_number"); got != "0" {
		t.Errorf("sequence_number = %v, want 0", got)
	}
}

func TestSession_OpenUnrecognizedScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "gopher://example.com"

	sess := New(cfg, router.New(nil), nil)
	defer sess.Close()

	if err := sess.Open(context.Background()); err == nil {
		t.Fatal("expected error for unrecognized scheme")
	}
	if sess.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected after failed open", sess.State())
	}
}

func TestSession_CallCorrelation(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame codec.ControlFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if frame.Action == "get_status" {
				reply, _ := json.Marshal(map[string]any{
					"seq_reply": frame.Seq,
					"data":      map[string]any{"status": "ok"},
				})
				conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	})
	defer server.Close()

	r := router.New(nil)
	sess := New(testConfig(server), r, nil)
	defer sess.Close()

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := sess.Call(ctx, "get_status", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		t.Fatalf("unmarshal reply data: %v", err)
	}
	if data["status"] != "ok" {
		t.Errorf("status = %q, want ok", data["status"])
	}
}

func TestSession_CallReplyError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame codec.ControlFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if frame.Action == "bad_action" {
				reply, _ := json.Marshal(map[string]any{
					"seq_reply": frame.Seq,
					"error":     map[string]any{"id": "api.unknown_action", "message": "unknown action"},
				})
				conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	})
	defer server.Close()

	sess := New(testConfig(server), router.New(nil), nil)
	defer sess.Close()

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := sess.Call(ctx, "bad_action", nil)
	var frameErr *codec.FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("err = %v, want *codec.FrameError", err)
	}
	if frameErr.Code != "api.unknown_action" {
		t.Errorf("Code = %q", frameErr.Code)
	}
}

func TestSession_SendNotOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "http://127.0.0.1:1" // nothing listening

	sess := New(cfg, router.New(nil), nil)
	defer sess.Close()

	if _, err := sess.Send("noop", nil); !errors.Is(err, ErrNotDelivered) {
		t.Errorf("Send err = %v, want ErrNotDelivered", err)
	}
}

func TestSession_SeqStrictlyIncreasing(t *testing.T) {
	var mu sync.Mutex
	seqs := make(map[int64]int)

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame codec.ControlFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			mu.Lock()
			seqs[frame.Seq]++
			mu.Unlock()
		}
	})
	defer server.Close()

	sess := New(testConfig(server), router.New(nil), nil)
	defer sess.Close()

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	const senders = 8
	const perSender = 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				sess.Send("noop", nil)
			}
		}()
	}
	wg.Wait()

	// Wait for the server to drain everything.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seqs)
		mu.Unlock()
		if n >= senders*perSender || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for seq, count := range seqs {
		if count != 1 {
			t.Errorf("seq %d assigned %d times", seq, count)
		}
	}
}

func TestSession_CloseFailsPending(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Swallow frames, never reply.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	r := router.New(nil)
	sess := New(testConfig(server), r, nil)

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Call(context.Background(), "never_answered", nil)
		errCh <- err
	}()

	// Let the Call register its pending request.
	time.Sleep(50 * time.Millisecond)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Call err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call did not settle after Close")
	}

	select {
	case <-sess.Done():
	default:
		t.Error("Done channel not closed after Close")
	}

	if _, err := sess.Send("noop", nil); !errors.Is(err, ErrNotDelivered) {
		t.Errorf("Send after Close err = %v, want ErrNotDelivered", err)
	}
}

func TestSession_ReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	accepts := 0

	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		accepts++
		n := accepts
		mu.Unlock()
		if n == 1 {
			return // drop the first connection immediately
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	r := router.New(nil)
	sess := New(testConfig(server), r, nil)
	defer sess.Close()

	connected := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)
	closed := make(chan int, 4)
	var errHooks atomic.Int64
	sess.OnConnect(func() { connected <- struct{}{} })
	sess.OnReconnect(func() { reconnected <- struct{}{} })
	sess.OnClose(func(failures int) { closed <- failures })
	sess.OnError(func(error) { errHooks.Add(1) })

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connect hook never fired")
	}

	select {
	case failures := <-closed:
		if failures != 1 {
			t.Errorf("close hook failures = %d, want 1", failures)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close hook never fired after server drop")
	}

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect hook never fired")
	}

	if sess.State() != StateOpen {
		t.Errorf("State = %v, want open after reconnect", sess.State())
	}

	// The drop and the clean redial involve no dial failure, so the error
	// hook stays quiet; OnClose alone reports the teardown.
	if got := errHooks.Load(); got != 0 {
		t.Errorf("error hook fired %d times across a clean drop and redial, want 0", got)
	}
}

func TestSession_EventsReachRouter(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		event, _ := json.Marshal(map[string]any{
			"event": "prediction_completed",
			"seq":   7,
			"data":  map[string]any{"id": "p1", "status": "completed"},
		})
		conn.WriteMessage(websocket.TextMessage, event)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	r := router.New(nil)
	got := make(chan string, 1)
	r.Subscribe("prediction_completed", func(event string, data json.RawMessage, seq int64) {
		got <- event
	})

	sess := New(testConfig(server), r, nil)
	defer sess.Close()

	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	select {
	case name := <-got:
		if name != "prediction_completed" {
			t.Errorf("event = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	if got := r.ResumeSeq(); got != 8 {
		t.Errorf("ResumeSeq = %d, want 8", got)
	}
}
