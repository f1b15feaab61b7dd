package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/deeptree/echo-kernel/internal/metrics"
)

var errDialRefused = errors.New("dial refused")

// fakeClient is a scripted Client.
type fakeClient struct {
	connectErr error
	msgs       chan TimestampedMessage
	errs       chan error
	closed     atomic.Bool

	mu   sync.Mutex
	sent [][]byte
}

func newFakeClient(connectErr error) *fakeClient {
	return &fakeClient{
		connectErr: connectErr,
		msgs:       make(chan TimestampedMessage, 16),
		errs:       make(chan error, 1),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.sent = append(c.sent, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.msgs }
func (c *fakeClient) Errors() <-chan error                { return c.errs }
func (c *fakeClient) IsConnected() bool                   { return !c.closed.Load() }

func (c *fakeClient) deliver(data string) {
	c.msgs <- TimestampedMessage{Data: []byte(data), ReceivedAt: time.Now()}
}

// script hands out clients in order; once it runs out every dial fails.
type script struct {
	mu      sync.Mutex
	clients []*fakeClient
	made    []*fakeClient
	leaked  bool // a new client was requested while the previous one was open
}

func newScript(clients ...*fakeClient) *script {
	return &script{clients: clients}
}

func (s *script) factory(cfg ClientConfig, logger *slog.Logger) Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.made); n > 0 && !s.made[n-1].closed.Load() {
		s.leaked = true
	}

	var c *fakeClient
	if len(s.clients) > 0 {
		c = s.clients[0]
		s.clients = s.clients[1:]
	} else {
		c = newFakeClient(errDialRefused)
	}
	s.made = append(s.made, c)
	return c
}

func (s *script) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.made)
}

// eventLog collects observer events.
type eventLog struct {
	ch chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 64)}
}

func (l *eventLog) observe(ev Event) {
	l.ch <- ev
}

// until returns every event up to and including the first of kind.
func (l *eventLog) until(t *testing.T, kind EventKind) []Event {
	t.Helper()

	var seen []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			seen = append(seen, ev)
			if ev.Kind == kind {
				return seen
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event, saw %v", kind, seen)
			return nil
		}
	}
}

func scheduledAttempts(events []Event) []int {
	var attempts []int
	for _, ev := range events {
		if ev.Kind == EventReconnectScheduled {
			attempts = append(attempts, ev.Attempt)
		}
	}
	return attempts
}

// recordingDispatcher records frames and fails on request.
type recordingDispatcher struct {
	frames chan string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, raw []byte, receivedAt time.Time) error {
	switch string(raw) {
	case "bad":
		return errors.New("unparseable frame")
	case "panic":
		panic("handler exploded")
	}
	d.frames <- string(raw)
	return nil
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.WSURL = "ws://echo.test/ws"
	cfg.ReconnectBaseDelay = time.Millisecond
	return cfg
}

func stopManager(t *testing.T, m Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestManager_ConnectOpens(t *testing.T) {
	s := newScript(newFakeClient(nil))
	events := newEventLog()

	m := NewManager(testManagerConfig(), nil, nil,
		WithClientFactory(s.factory),
		WithObserver(events.observe),
	)
	defer stopManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if m.State() != StateConnected {
		t.Errorf("State = %v, want %v", m.State(), StateConnected)
	}

	opened := events.until(t, EventOpened)
	if opened[len(opened)-1].Session == "" {
		t.Error("expected opened event to carry a session id")
	}

	stats := m.Stats()
	if stats.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", stats.Attempts)
	}
	if stats.Opens != 1 {
		t.Errorf("Opens = %d, want 1", stats.Opens)
	}

	// Connect while connected is a no-op
	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("second Connect = %v, want nil", err)
	}
	if s.count() != 1 {
		t.Errorf("clients created = %d, want 1", s.count())
	}
}

func TestManager_ReconnectSequenceResetsOnOpen(t *testing.T) {
	first := newFakeClient(nil)
	third := newFakeClient(nil)
	s := newScript(first, newFakeClient(errDialRefused), third)
	events := newEventLog()

	m := NewManager(testManagerConfig(), nil, nil,
		WithClientFactory(s.factory),
		WithObserver(events.observe),
	)
	defer stopManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	events.until(t, EventOpened)

	// Server-side close of the first connection
	first.errs <- &websocket.CloseError{Code: websocket.CloseGoingAway}

	seen := events.until(t, EventOpened)

	got := scheduledAttempts(seen)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("scheduled attempts = %v, want [1 2]", got)
	}

	var disconnect *Event
	for i := range seen {
		if seen[i].Kind == EventDisconnected {
			disconnect = &seen[i]
			break
		}
	}
	if disconnect == nil {
		t.Fatal("expected disconnected event")
	}
	var te *TransportError
	if !errors.As(disconnect.Err, &te) {
		t.Errorf("disconnect error = %T, want *TransportError", disconnect.Err)
	}

	for _, ev := range seen {
		if ev.Kind == EventReconnectScheduled {
			want := time.Duration(ev.Attempt) * time.Millisecond
			if ev.Delay != want {
				t.Errorf("attempt %d delay = %v, want %v", ev.Attempt, ev.Delay, want)
			}
		}
	}

	if !first.closed.Load() {
		t.Error("expected first client to be closed")
	}
	s.mu.Lock()
	leaked := s.leaked
	s.mu.Unlock()
	if leaked {
		t.Error("new client requested while previous handle was still open")
	}

	stats := m.Stats()
	if stats.Attempts != 0 {
		t.Errorf("Attempts after reopen = %d, want 0", stats.Attempts)
	}
	if stats.Opens != 2 {
		t.Errorf("Opens = %d, want 2", stats.Opens)
	}
	if stats.Disconnects != 1 {
		t.Errorf("Disconnects = %d, want 1", stats.Disconnects)
	}
	if m.State() != StateConnected {
		t.Errorf("State = %v, want %v", m.State(), StateConnected)
	}

	// The counter starts over after a successful open
	third.errs <- errors.New("connection reset")
	seen = events.until(t, EventReconnectScheduled)
	if got := scheduledAttempts(seen); len(got) != 1 || got[0] != 1 {
		t.Errorf("scheduled attempts after reset = %v, want [1]", got)
	}
}

func TestManager_ExhaustsAfterMaxReconnects(t *testing.T) {
	s := newScript()
	events := newEventLog()
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)

	m := NewManager(testManagerConfig(), nil, nil,
		WithClientFactory(s.factory),
		WithObserver(events.observe),
		WithMetrics(mt),
	)
	defer stopManager(t, m)

	err := m.Connect(context.Background())
	if err == nil {
		t.Fatal("expected Connect to fail")
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, errDialRefused) {
		t.Errorf("error = %v, want to wrap last dial error", err)
	}

	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %T, want *ConnectionError", err)
	}
	if ce.Attempt != 5 {
		t.Errorf("ConnectionError.Attempt = %d, want 5", ce.Attempt)
	}

	seen := events.until(t, EventExhausted)
	got := scheduledAttempts(seen)
	want := []int{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("scheduled attempts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scheduled attempts = %v, want %v", got, want)
			break
		}
	}

	if m.State() != StateExhausted {
		t.Errorf("State = %v, want %v", m.State(), StateExhausted)
	}

	select {
	case <-m.Exhausted():
	default:
		t.Error("expected Exhausted channel to be closed")
	}

	// No sixth attempt is ever made
	time.Sleep(20 * time.Millisecond)
	if s.count() != 6 {
		t.Errorf("clients created = %d, want 6 (initial + 5 reconnects)", s.count())
	}

	if v := testutil.ToFloat64(mt.ReconnectAttempts); v != 5 {
		t.Errorf("ReconnectAttempts = %v, want 5", v)
	}
	if v := testutil.ToFloat64(mt.ReconnectsExhausted); v != 1 {
		t.Errorf("ReconnectsExhausted = %v, want 1", v)
	}
	if v := testutil.ToFloat64(mt.SessionState); v != float64(StateExhausted) {
		t.Errorf("SessionState = %v, want %v", v, float64(StateExhausted))
	}
}

func TestManager_ConnectAfterExhaustionStartsOver(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxReconnects = 1

	s := newScript(
		newFakeClient(errDialRefused),
		newFakeClient(errDialRefused),
		newFakeClient(nil),
	)
	m := NewManager(cfg, nil, nil, WithClientFactory(s.factory))
	defer stopManager(t, m)

	if err := m.Connect(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("first Connect = %v, want ErrExhausted", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	select {
	case <-m.Exhausted():
		t.Error("expected a fresh Exhausted channel for the new run")
	default:
	}
}

func TestManager_ExhaustedChannelBeforeConnect(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxReconnects = 1

	m := NewManager(cfg, nil, nil, WithClientFactory(newScript().factory))
	defer stopManager(t, m)

	exhausted := m.Exhausted()
	if err := m.Connect(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Connect = %v, want ErrExhausted", err)
	}

	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("channel fetched before Connect was never closed")
	}
}

func TestManager_ObserverCallsSerialized(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxReconnects = 1

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	observe := func(ev Event) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	}

	m := NewManager(cfg, nil, nil, WithClientFactory(newScript().factory), WithObserver(observe))

	// A restart right after exhaustion runs alongside the previous run's last events
	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background()); !errors.Is(err, ErrExhausted) {
			t.Fatalf("Connect #%d = %v, want ErrExhausted", i, err)
		}
	}
	stopManager(t, m)

	if overlapped.Load() {
		t.Error("observer was called concurrently")
	}
}

func TestManager_CountsDroppedFrames(t *testing.T) {
	s := newScript(newFakeClient(nil))
	mt := metrics.New(prometheus.NewRegistry())

	// The client reports buffer overflow through the config it was built with
	factory := func(cfg ClientConfig, logger *slog.Logger) Client {
		c := s.factory(cfg, logger)
		if cfg.OnDrop != nil {
			cfg.OnDrop()
			cfg.OnDrop()
		}
		return c
	}

	m := NewManager(testManagerConfig(), nil, nil, WithClientFactory(factory), WithMetrics(mt))
	defer stopManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if got := m.Stats().DroppedFrames; got != 2 {
		t.Errorf("DroppedFrames = %d, want 2", got)
	}
	if v := testutil.ToFloat64(mt.FramesDropped); v != 2 {
		t.Errorf("FramesDropped = %v, want 2", v)
	}
}

func TestManager_DispatchFailuresKeepConnection(t *testing.T) {
	c := newFakeClient(nil)
	s := newScript(c)
	d := &recordingDispatcher{frames: make(chan string, 8)}

	m := NewManager(testManagerConfig(), d, nil, WithClientFactory(s.factory))
	defer stopManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	c.deliver("bad")
	c.deliver("panic")
	c.deliver(`{"type":"agent_update"}`)

	select {
	case got := <-d.frames:
		if got != `{"type":"agent_update"}` {
			t.Errorf("frame = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatched frame")
	}

	stats := m.Stats()
	if stats.Frames != 3 {
		t.Errorf("Frames = %d, want 3", stats.Frames)
	}
	if stats.DispatchFailures != 2 {
		t.Errorf("DispatchFailures = %d, want 2", stats.DispatchFailures)
	}
	if m.State() != StateConnected {
		t.Errorf("State = %v, want %v", m.State(), StateConnected)
	}
	if c.closed.Load() {
		t.Error("expected connection to stay open after dispatch failures")
	}
}

func TestManager_FramesBeforeCloseAreDelivered(t *testing.T) {
	c := newFakeClient(nil)
	s := newScript(c, newFakeClient(nil))
	d := &recordingDispatcher{frames: make(chan string, 8)}
	events := newEventLog()

	m := NewManager(testManagerConfig(), d, nil,
		WithClientFactory(s.factory),
		WithObserver(events.observe),
	)
	defer stopManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	events.until(t, EventOpened)

	c.deliver("one")
	c.deliver("two")
	c.errs <- errors.New("connection reset")

	events.until(t, EventOpened)

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-d.frames:
			if got != want {
				t.Errorf("frame = %q, want %q", got, want)
			}
		default:
			t.Errorf("frame %q was not delivered", want)
		}
	}
}

func TestManager_StopCancelsPendingReconnect(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ReconnectBaseDelay = time.Hour

	c := newFakeClient(nil)
	s := newScript(c)
	events := newEventLog()

	m := NewManager(cfg, nil, nil,
		WithClientFactory(s.factory),
		WithObserver(events.observe),
	)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	c.errs <- errors.New("connection reset")
	seen := events.until(t, EventReconnectScheduled)
	if ev := seen[len(seen)-1]; ev.Delay != time.Hour {
		t.Errorf("Delay = %v, want 1h", ev.Delay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	events.until(t, EventStopped)

	if m.State() != StateStopped {
		t.Errorf("State = %v, want %v", m.State(), StateStopped)
	}
	if s.count() != 1 {
		t.Errorf("clients created = %d, want 1", s.count())
	}

	// Stop is idempotent
	if err := m.Stop(ctx); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect after Stop = %v, want ErrStopped", err)
	}
}

func TestManager_StopClosesLiveHandle(t *testing.T) {
	c := newFakeClient(nil)
	m := NewManager(testManagerConfig(), nil, nil, WithClientFactory(newScript(c).factory))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	stopManager(t, m)

	if !c.closed.Load() {
		t.Error("expected live client to be closed")
	}
}

func TestManager_ConnectRespectsContext(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ReconnectBaseDelay = time.Hour

	m := NewManager(cfg, nil, nil, WithClientFactory(newScript().factory))
	defer stopManager(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect = %v, want context.DeadlineExceeded", err)
	}
	if m.State() != StateReconnecting {
		t.Errorf("State = %v, want %v", m.State(), StateReconnecting)
	}
}

func TestManager_Send(t *testing.T) {
	c := newFakeClient(nil)
	m := NewManager(testManagerConfig(), nil, nil, WithClientFactory(newScript(c).factory))
	defer stopManager(t, m)

	if err := m.Send([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before Connect = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := m.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) != 1 || string(c.sent[0]) != "hello" {
		t.Errorf("sent = %q, want [hello]", c.sent)
	}
}

func TestManager_ReconnectsOverWebSocket(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"arena_sync","data":{}}`))
		if n == 1 {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"),
				time.Now().Add(time.Second),
			)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testManagerConfig()
	cfg.WSURL = wsURL(server)
	d := &recordingDispatcher{frames: make(chan string, 8)}
	events := newEventLog()

	m := NewManager(cfg, d, nil, WithObserver(events.observe))
	defer stopManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	events.until(t, EventOpened)
	seen := events.until(t, EventOpened)

	if got := scheduledAttempts(seen); len(got) != 1 || got[0] != 1 {
		t.Errorf("scheduled attempts = %v, want [1]", got)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-d.frames:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i+1)
		}
	}

	if m.Stats().Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", m.Stats().Attempts)
	}
}
