package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-callbridge/internal/callstate"
	"github.com/loqalabs/loqa-callbridge/internal/functions"
	"github.com/loqalabs/loqa-callbridge/internal/protocol"
	"github.com/loqalabs/loqa-callbridge/internal/session"
)

// fakeConn is an in-memory socket. Frames pushed with deliver are returned
// by ReadMessage; closing the reads channel simulates a peer close frame.
type fakeConn struct {
	reads     chan []byte
	closedCh  chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   [][]byte
	controls int
	failNext bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:    make(chan []byte, 32),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-f.closedCh:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return io.ErrClosedPipe
	}
	select {
	case <-f.closedCh:
		return net.ErrClosed
	default:
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls++
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeConn) deliver(frame string) {
	f.reads <- []byte(frame)
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closedCh:
		return true
	default:
		return false
	}
}

func (f *fakeConn) closeFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controls
}

// frames decodes every text frame written so far.
func (f *fakeConn) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.writes))
	for _, w := range f.writes {
		var m map[string]any
		if err := json.Unmarshal(w, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]protocol.CallEvent
}

func (p *recordingPublisher) PublishCallEvent(subject string, evt protocol.CallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]protocol.CallEvent)
	}
	p.events[subject] = append(p.events[subject], evt)
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[subject])
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type harness struct {
	bridge    *Bridge
	call      *call
	state     *callstate.State
	telephony *fakeConn
	realtime  *fakeConn
	clock     *manualClock
	publisher *recordingPublisher
}

func testBridge(t *testing.T, registry *functions.Registry, dialer Dialer, mutate func(*Options)) (*Bridge, *manualClock, *recordingPublisher) {
	t.Helper()
	builder, err := session.New(session.Options{
		Instructions:      "You answer calls for a bakery.",
		Voice:             "echo",
		Temperature:       0.8,
		TurnDetection:     "server_vad",
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	clock := &manualClock{now: time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	opts := Options{
		Store:             callstate.NewStore(0, time.Hour, nil),
		Registry:          registry,
		Session:           builder,
		Dialer:            dialer,
		Publisher:         pub,
		Logger:            discardLogger(),
		InactivityTimeout: time.Minute,
		EndCallGrace:      10 * time.Second,
		HandlerTimeout:    time.Second,
		Clock:             clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	b, err := New(opts)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b, clock, pub
}

// newHarness builds a call controller without goroutines so handlers can be
// driven one frame at a time.
func newHarness(t *testing.T, registry *functions.Registry) *harness {
	t.Helper()
	tel, rt := newFakeConn(), newFakeConn()
	b, clock, pub := testBridge(t, registry, &fakeDialer{conn: rt}, nil)
	st := callstate.New("call-1", clock.Now())
	st.CallSID = "CA1"
	b.store.Put("call-1", st)
	c := newCall(b, "call-1", tel, discardLogger())
	c.realtime = rt
	return &harness{bridge: b, call: c, state: st, telephony: tel, realtime: rt, clock: clock, publisher: pub}
}

func (h *harness) telephonyFrame(t *testing.T, frame string) {
	t.Helper()
	if reason := h.call.handleTelephony([]byte(frame)); reason != "" {
		t.Fatalf("unexpected end of call %q after %s", reason, frame)
	}
}

func (h *harness) realtimeFrame(t *testing.T, frame string) {
	t.Helper()
	if reason := h.call.handleRealtime([]byte(frame)); reason != "" {
		t.Fatalf("unexpected end of call %q after %s", reason, frame)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
