package channel_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/liveinterview/pkg/channel"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgent launches a fake agent endpoint. The server is closed when the
// test finishes.
func startAgent(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type event struct {
	kind string // "open", "frame", "close"
	text string
	err  error
}

// recorder is a channel.Handler that records every call.
type recorder struct {
	mu     sync.Mutex
	events []event
	closed chan struct{}
}

func newRecorder() *recorder { return &recorder{closed: make(chan struct{})} }

func (r *recorder) OnOpen() { r.add(event{kind: "open"}) }

func (r *recorder) OnFrame(text string) { r.add(event{kind: "frame", text: text}) }

func (r *recorder) OnClose(err error) {
	r.add(event{kind: "close", err: err})
	close(r.closed)
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose was not called")
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestChannel_DeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	frames := []string{"Hello, welcome.", "__USER__::hi there", "", "Tell me about yourself."}
	srv := startAgent(t, func(ctx context.Context, conn *websocket.Conn) {
		for i, f := range frames {
			_ = conn.Write(ctx, websocket.MessageText, []byte(f))
			if i == 1 {
				_ = conn.Write(ctx, websocket.MessageBinary, []byte{0xff, 0x00})
			}
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	rec := newRecorder()
	ch, err := channel.Dial(t.Context(), wsURL(srv), rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()
	rec.waitClosed(t)
	<-ch.Done()

	got := rec.snapshot()
	if len(got) != len(frames)+2 {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(frames)+2, got)
	}
	if got[0].kind != "open" {
		t.Errorf("first event = %q, want open", got[0].kind)
	}
	for i, f := range frames {
		if e := got[i+1]; e.kind != "frame" || e.text != f {
			t.Errorf("event %d = %+v, want frame %q", i+1, e, f)
		}
	}
	last := got[len(got)-1]
	if last.kind != "close" || !errors.Is(last.err, channel.ErrRemoteClosed) {
		t.Errorf("last event = %+v, want close with ErrRemoteClosed", last)
	}
	if !ch.Closed() {
		t.Error("expected Closed() after remote close")
	}
	if err := ch.Send(t.Context(), "late"); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Send after remote close = %v, want ErrClosed", err)
	}
}

func TestChannel_ReadLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		size      int
		opts      []channel.Option
		delivered bool
	}{
		{name: "long turn within default", size: 4 << 20, delivered: true},
		{name: "above configured limit", size: 2048, opts: []channel.Option{channel.WithReadLimit(1024)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			text := strings.Repeat("a", tt.size)
			srv := startAgent(t, func(ctx context.Context, conn *websocket.Conn) {
				_ = conn.Write(ctx, websocket.MessageText, []byte(text))
				conn.Close(websocket.StatusNormalClosure, "bye")
			})

			rec := newRecorder()
			ch, err := channel.Dial(t.Context(), wsURL(srv), rec, tt.opts...)
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer ch.Close()
			rec.waitClosed(t)

			got := rec.snapshot()
			if tt.delivered {
				if len(got) != 3 || got[1].kind != "frame" || got[1].text != text {
					t.Fatalf("events = %d, want open, the %d byte frame, close", len(got), tt.size)
				}
				return
			}
			for _, e := range got {
				if e.kind == "frame" {
					t.Fatal("oversized frame was delivered")
				}
			}
			if last := got[len(got)-1]; last.err == nil || errors.Is(last.err, channel.ErrRemoteClosed) {
				t.Errorf("close error = %v, want the read limit error", last.err)
			}
		})
	}
}

func TestChannel_SendOneFramePerCall(t *testing.T) {
	t.Parallel()

	received := make(chan string, 4)
	srv := startAgent(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				received <- string(data)
			}
		}
	})

	ch, err := channel.Dial(t.Context(), wsURL(srv), newRecorder())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	for _, msg := range []string{"I led a migration.", "  raw text stays raw  "} {
		if err := ch.Send(t.Context(), msg); err != nil {
			t.Fatalf("Send(%q): %v", msg, err)
		}
		select {
		case got := <-received:
			if got != msg {
				t.Errorf("server received %q, want %q", got, msg)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("server did not receive frame")
		}
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(ctx context.Context, conn *websocket.Conn) {
		_, _, _ = conn.Read(ctx)
	})

	rec := newRecorder()
	ch, err := channel.Dial(t.Context(), wsURL(srv), rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	for range 3 {
		if err := ch.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if err := ch.Send(t.Context(), "after close"); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}

	rec.waitClosed(t)
	closes := 0
	for _, e := range rec.snapshot() {
		if e.kind == "close" {
			closes++
			if e.err != nil {
				t.Errorf("OnClose err = %v, want nil for local close", e.err)
			}
		}
	}
	if closes != 1 {
		t.Errorf("OnClose called %d times, want 1", closes)
	}
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed")
	}
}

func TestChannel_CloseDuringSend(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	ch, err := channel.Dial(t.Context(), wsURL(srv), rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 200 {
			if err := ch.Send(t.Context(), "mid-flight utterance"); err != nil {
				return
			}
		}
	}()
	_ = ch.Close()
	wg.Wait()
	rec.waitClosed(t)
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	rec := newRecorder()
	if _, err := channel.Dial(t.Context(), wsURL(srv), rec); err == nil {
		t.Fatal("expected dial error")
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("handler received %d events on failed dial, want 0", n)
	}
}

func TestDial_NilHandler(t *testing.T) {
	t.Parallel()

	if _, err := channel.Dial(t.Context(), "ws://127.0.0.1:1", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestHandlerFuncs_NilFieldsIgnored(t *testing.T) {
	t.Parallel()

	var h channel.HandlerFuncs
	h.OnOpen()
	h.OnFrame("x")
	h.OnClose(nil)

	var got string
	h.Frame = func(text string) { got = text }
	h.OnFrame("y")
	if got != "y" {
		t.Errorf("Frame func got %q, want y", got)
	}
}
