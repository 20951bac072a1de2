package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedDial returns a dial func that fails the first failTimes calls and
// then hands out fresh fakeConns.
type scriptedDial struct {
	failTimes int
	err       error

	mu    sync.Mutex
	calls int
	conns []*fakeConn
}

func (d *scriptedDial) dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failTimes {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection failed")
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *scriptedDial) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestReconnector_Connect(t *testing.T) {
	t.Parallel()

	t.Run("successful initial connection", func(t *testing.T) {
		t.Parallel()
		d := &scriptedDial{}
		r := NewReconnector(ReconnectorConfig{Dial: d.dial})

		got, err := r.Connect(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != d.conns[0] {
			t.Error("expected returned connection to match the dialled one")
		}
		if r.Connection() != got {
			t.Error("expected stored connection to match")
		}
		if d.Calls() != 1 {
			t.Errorf("expected 1 dial, got %d", d.Calls())
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		t.Parallel()
		d := &scriptedDial{failTimes: 1, err: errors.New("handshake refused")}
		r := NewReconnector(ReconnectorConfig{Dial: d.dial})

		if _, err := r.Connect(context.Background()); err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.Connection() != nil {
			t.Error("expected nil connection after failure")
		}
	})

	t.Run("connect after stop", func(t *testing.T) {
		t.Parallel()
		d := &scriptedDial{}
		r := NewReconnector(ReconnectorConfig{Dial: d.dial})
		_ = r.Stop()

		if _, err := r.Connect(context.Background()); err == nil {
			t.Fatal("expected error after Stop")
		}
		if got := d.conns[0].Closes(); got != 1 {
			t.Errorf("late connection closed %d times, want 1", got)
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Dial: (&scriptedDial{}).dial})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	t.Parallel()

	d := &scriptedDial{}
	reconnected := make(chan Conn, 1)
	r := NewReconnector(ReconnectorConfig{
		Dial:        d.dial,
		MaxRetries:  3,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		OnReconnect: func(c Conn) { reconnected <- c },
	})
	defer r.Stop()

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case got := <-reconnected:
		if got != d.conns[1] {
			t.Error("expected OnReconnect to receive the second connection")
		}
		if r.Connection() != got {
			t.Error("reconnected connection not stored")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnReconnect to be called")
	}
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	t.Parallel()

	d := &scriptedDial{failTimes: 3}
	reconnected := make(chan struct{})
	r := NewReconnector(ReconnectorConfig{
		Dial:        d.dial,
		MaxRetries:  5,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		OnReconnect: func(Conn) { close(reconnected) },
	})
	defer r.Stop()

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected successful reconnection after failures")
	}
	// 3 failures + 1 success.
	if got := d.Calls(); got != 4 {
		t.Errorf("expected 4 dial attempts, got %d", got)
	}
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	t.Parallel()

	down := errors.New("permanently down")
	d := &scriptedDial{failTimes: 100, err: down}
	var reconnected atomic.Bool
	gaveUp := make(chan error, 1)
	r := NewReconnector(ReconnectorConfig{
		Dial:        d.dial,
		MaxRetries:  2,
		Backoff:     1 * time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		OnReconnect: func(Conn) { reconnected.Store(true) },
		OnGiveUp:    func(err error) { gaveUp <- err },
	})
	defer r.Stop()

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case err := <-gaveUp:
		if !errors.Is(err, ErrReconnectExhausted) || !errors.Is(err, down) {
			t.Errorf("OnGiveUp error = %v, want ErrReconnectExhausted wrapping the last dial error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnGiveUp was not called")
	}
	if reconnected.Load() {
		t.Error("expected OnReconnect NOT to be called when all retries fail")
	}
	if got := d.Calls(); got != 2 {
		t.Errorf("expected 2 dial attempts, got %d", got)
	}
}

func TestReconnector_StopDuringBackoff(t *testing.T) {
	t.Parallel()

	d := &scriptedDial{}
	r := NewReconnector(ReconnectorConfig{
		Dial:    d.dial,
		Backoff: time.Hour,
	})
	r.Monitor(t.Context())
	r.NotifyDisconnect()
	_ = r.Stop()

	time.Sleep(20 * time.Millisecond)
	if got := d.Calls(); got != 0 {
		t.Errorf("dialled %d times after Stop, want 0", got)
	}
}

func TestReconnector_Stop(t *testing.T) {
	t.Parallel()

	d := &scriptedDial{}
	r := NewReconnector(ReconnectorConfig{Dial: d.dial})
	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Connection() != nil {
		t.Error("expected nil connection after Stop")
	}
	if got := d.conns[0].Closes(); got != 1 {
		t.Errorf("expected 1 Close call, got %d", got)
	}

	// Double stop closes nothing further.
	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error on double Stop: %v", err)
	}
	if got := d.conns[0].Closes(); got != 1 {
		t.Errorf("expected 1 Close call after double Stop, got %d", got)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Dial: (&scriptedDial{}).dial})

	// Multiple calls should not block.
	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}

func TestQueue(t *testing.T) {
	t.Parallel()

	q := newQueue[int]()
	for i := range 3 {
		if !q.push(i) {
			t.Fatalf("push(%d) rejected on an open queue", i)
		}
	}
	<-q.ready
	if got := q.take(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("take() = %v, want [0 1 2]", got)
	}

	q.push(7)
	if left := q.close(); len(left) != 1 || left[0] != 7 {
		t.Errorf("close() = %v, want [7]", left)
	}
	if q.push(8) {
		t.Error("push accepted after close")
	}
	if !q.isClosed() {
		t.Error("isClosed() = false after close")
	}
	if left := q.close(); left != nil {
		t.Errorf("second close() = %v, want nil", left)
	}
}
