package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deeptree/echo-kernel/internal/metrics"
)

// Dispatcher receives every inbound frame of the session.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte, receivedAt time.Time) error
}

// Manager owns one reconnecting streaming session.
type Manager interface {
	// Connect starts the session if it is not running and blocks until the
	// stream is open, the reconnect budget is exhausted, or ctx is done.
	Connect(ctx context.Context) error

	// Stop cancels any pending reconnect, closes the live connection and
	// waits for the session loop to exit.
	Stop(ctx context.Context) error

	// Send writes a frame on the live connection.
	Send(data []byte) error

	// State returns the current lifecycle state.
	State() State

	// Exhausted is closed when the current run gives up reconnecting.
	Exhausted() <-chan struct{}

	// Stats returns current session statistics.
	Stats() ManagerStats
}

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *manager) {
		m.newClient = f
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *manager) {
		m.metrics = mt
	}
}

// WithObserver registers a callback for lifecycle events. Calls are serialized,
// including across a restarted run and Stop, and must not block.
func WithObserver(fn func(Event)) ManagerOption {
	return func(m *manager) {
		m.observer = fn
	}
}

// manager implements the Manager interface.
type manager struct {
	cfg        ManagerConfig
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newClient  ClientFactory
	observer   func(Event)
	emitMu     sync.Mutex
	backoff    LinearBackoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Guarded by mu; the session goroutine is the only writer of attempts and client
	mu        sync.Mutex
	state     State
	attempts  int
	client    Client
	session   string
	lastErr   error
	changed   chan struct{} // Closed and replaced on every state change
	exhausted chan struct{}

	opens               atomic.Int64
	disconnects         atomic.Int64
	reconnectsScheduled atomic.Int64
	frames              atomic.Int64
	droppedFrames       atomic.Int64
	dispatchFailures    atomic.Int64
}

// NewManager creates a new Connection Lifecycle Manager.
func NewManager(cfg ManagerConfig, dispatcher Dispatcher, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		newClient:  NewClient,
		backoff: LinearBackoff{
			Base:        cfg.ReconnectBaseDelay,
			MaxAttempts: cfg.MaxReconnects,
		},
		changed:   make(chan struct{}),
		exhausted: make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Connect starts the session loop when idle or exhausted and waits for the stream to open.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateStopped:
		m.mu.Unlock()
		return ErrStopped
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateIdle, StateExhausted:
		m.attempts = 0
		m.lastErr = nil
		// The channel from NewManager is still open; only a spent one is replaced
		if m.state == StateExhausted {
			m.exhausted = make(chan struct{})
		}
		m.setStateLocked(StateConnecting)

		m.wg.Add(1)
		go m.run(m.exhausted)
	}
	m.mu.Unlock()

	return m.waitOpen(ctx)
}

// waitOpen blocks until the state settles on Connected, Exhausted or Stopped.
func (m *manager) waitOpen(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed, lastErr := m.state, m.changed, m.lastErr
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateExhausted:
			return lastErr
		case StateStopped:
			return ErrStopped
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateStopped)
	m.mu.Unlock()

	m.logger.Info("stopping echo session")

	// Cancels the pending reconnect timer and any in-flight dial
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		err = ctx.Err()
	}

	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()
	if client != nil {
		client.Close()
	}

	m.emit(Event{Kind: EventStopped})
	m.logger.Info("echo session stopped")
	return err
}

// Send writes data on the live connection.
func (m *manager) Send(data []byte) error {
	m.mu.Lock()
	client := m.client
	connected := m.state == StateConnected
	m.mu.Unlock()

	if client == nil || !connected {
		return ErrNotConnected
	}
	return client.Send(data)
}

// State returns the current lifecycle state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Exhausted returns the channel closed when the current run gives up.
// A channel fetched before the first Connect belongs to the first run;
// Connect after exhaustion starts a new run with a new channel.
func (m *manager) Exhausted() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	state, attempts, session := m.state, m.attempts, m.session
	m.mu.Unlock()

	return ManagerStats{
		State:               state,
		Attempts:            attempts,
		Session:             session,
		Opens:               m.opens.Load(),
		Disconnects:         m.disconnects.Load(),
		ReconnectsScheduled: m.reconnectsScheduled.Load(),
		Frames:              m.frames.Load(),
		DroppedFrames:       m.droppedFrames.Load(),
		DispatchFailures:    m.dispatchFailures.Load(),
	}
}

// setStateLocked records a transition and wakes waiters. Stopped is terminal.
func (m *manager) setStateLocked(s State) {
	if m.state == StateStopped {
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})

	if m.metrics != nil {
		m.metrics.SessionState.Set(float64(s))
	}
}

func (m *manager) emit(ev Event) {
	if m.observer == nil {
		return
	}
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.observer(ev)
}

func (m *manager) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              m.cfg.WSURL,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		PingTimeout:      m.cfg.PingTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
		OnDrop:           m.frameDropped,
	}
}

func (m *manager) frameDropped() {
	m.droppedFrames.Add(1)
	if m.metrics != nil {
		m.metrics.FramesDropped.Inc()
	}
}

// run is the session loop: connect, serve until failure, back off, repeat.
func (m *manager) run(exhausted chan struct{}) {
	defer m.wg.Done()

	for {
		session := uuid.NewString()
		logger := m.logger.With("session", session)

		m.mu.Lock()
		attempt := m.attempts
		m.mu.Unlock()

		logger.Info("establishing echo connection", "url", m.cfg.WSURL, "attempt", attempt)

		client := m.newClient(m.clientConfig(), logger)
		var cause error

		if err := client.Connect(m.ctx); err != nil {
			client.Close()
			if m.ctx.Err() != nil {
				return
			}

			cause = &ConnectionError{URL: m.cfg.WSURL, Attempt: attempt, Err: err}
			logger.Warn("echo connection failed", "attempt", attempt, "error", err)
			m.emit(Event{Kind: EventConnectFailed, Attempt: attempt, Err: cause})
		} else {
			if !m.opened(client, session) {
				client.Close()
				return
			}
			logger.Info("echo connection established")
			m.emit(Event{Kind: EventOpened, Session: session})

			cause = m.serve(client, session, logger)

			// The old handle is gone before any new attempt is made
			m.dropHandle(client)
			if m.ctx.Err() != nil {
				return
			}

			logger.Warn("echo connection interrupted", "error", cause)
			m.emit(Event{Kind: EventDisconnected, Session: session, Err: cause})
		}

		delay, ok := m.scheduleReconnect(cause)
		if !ok {
			m.exhaust(cause, exhausted)
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// opened installs the live handle and resets the attempt counter.
func (m *manager) opened(client Client, session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return false
	}

	m.client = client
	m.session = session
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.opens.Add(1)

	if m.metrics != nil {
		m.metrics.ConnectionsOpened.Inc()
	}
	return true
}

// dropHandle closes client and clears it if it is still the live handle.
func (m *manager) dropHandle(client Client) {
	client.Close()

	m.mu.Lock()
	if m.client == client {
		m.client = nil
	}
	m.mu.Unlock()
}

// scheduleReconnect advances the attempt counter. ok is false when the budget is spent.
func (m *manager) scheduleReconnect(cause error) (time.Duration, bool) {
	m.mu.Lock()
	next, delay, ok := m.backoff.Next(m.attempts)
	if ok {
		m.attempts = next
		m.lastErr = cause
		m.setStateLocked(StateReconnecting)
	}
	m.mu.Unlock()

	if !ok {
		return 0, false
	}

	m.reconnectsScheduled.Add(1)
	if m.metrics != nil {
		m.metrics.ReconnectAttempts.Inc()
	}

	m.logger.Info("reconnect scheduled",
		"attempt", next,
		"max", m.cfg.MaxReconnects,
		"delay", delay,
	)
	m.emit(Event{Kind: EventReconnectScheduled, Attempt: next, Delay: delay, Err: cause})

	return delay, true
}

// exhaust moves the session to Exhausted and surfaces the terminal error.
func (m *manager) exhaust(cause error, exhausted chan struct{}) {
	m.mu.Lock()
	attempts := m.attempts
	err := &ConnectionError{
		URL:     m.cfg.WSURL,
		Attempt: attempts,
		Err:     fmt.Errorf("%w: %w", ErrExhausted, cause),
	}
	m.lastErr = err
	m.setStateLocked(StateExhausted)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ReconnectsExhausted.Inc()
	}

	m.logger.Error("echo reconnect budget exhausted",
		"attempts", attempts,
		"max", m.cfg.MaxReconnects,
		"error", cause,
	)
	m.emit(Event{Kind: EventExhausted, Attempt: attempts, Err: err})

	close(exhausted)
}

// serve forwards inbound frames to the dispatcher until the transport fails or the session stops.
func (m *manager) serve(client Client, session string, logger *slog.Logger) error {
	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()

		case err := <-client.Errors():
			// Frames read before the failure are still delivered in order
			m.drain(client, logger)

			m.disconnects.Add(1)
			if m.metrics != nil {
				m.metrics.Disconnects.Inc()
			}
			return &TransportError{Session: session, Err: err}

		case msg := <-client.Messages():
			m.handleMessage(msg, logger)
		}
	}
}

// drain delivers frames still buffered in the client.
func (m *manager) drain(client Client, logger *slog.Logger) {
	for {
		select {
		case msg := <-client.Messages():
			m.handleMessage(msg, logger)
		default:
			return
		}
	}
}

// handleMessage dispatches one frame. Failures are logged and counted; the
// session keeps running.
func (m *manager) handleMessage(msg TimestampedMessage, logger *slog.Logger) {
	m.frames.Add(1)

	if m.dispatcher == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.dispatchFailures.Add(1)
			logger.Error("dispatch panicked", "panic", r)
		}
	}()

	if err := m.dispatcher.Dispatch(m.ctx, msg.Data, msg.ReceivedAt); err != nil {
		m.dispatchFailures.Add(1)
		logger.Warn("dispatch failed", "error", err)
	}
}
