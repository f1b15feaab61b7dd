package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/deeptree/echo-kernel/internal/metrics"
)

// Handlers is the set of per-variant handlers. Nil entries fall back to a
// handler that only logs the frame.
type Handlers struct {
	AgentUpdate   func(ctx context.Context, f AgentUpdate) error
	ArenaSync     func(ctx context.Context, f ArenaSync) error
	RelationGraph func(ctx context.Context, f RelationGraph) error
	Unknown       func(ctx context.Context, f Unknown) error
}

type handlerFunc func(ctx context.Context, f Frame) error

// Dispatcher routes parsed frames to handlers.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	table   map[Kind]handlerFunc

	received      atomic.Int64
	routed        atomic.Int64
	parseErrors   atomic.Int64
	unknown       atomic.Int64
	handlerErrors atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher builds a dispatcher with a fixed handler table.
func NewDispatcher(h Handlers, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{logger: logger}
	for _, opt := range opts {
		opt(d)
	}

	d.table = map[Kind]handlerFunc{
		KindAgentUpdate:   adapt(h.AgentUpdate, d.logFrame("processing agent update")),
		KindArenaSync:     adapt(h.ArenaSync, d.logFrame("synchronizing arena state")),
		KindRelationGraph: adapt(h.RelationGraph, d.logFrame("updating relation graph")),
		KindUnknown:       adapt(h.Unknown, d.logUnknown),
	}

	return d
}

// adapt converts a typed handler into a table entry, using fallback when h is nil.
func adapt[F Frame](h func(context.Context, F) error, fallback func(context.Context, Frame) error) handlerFunc {
	if h == nil {
		return fallback
	}
	return func(ctx context.Context, f Frame) error {
		return h(ctx, f.(F))
	}
}

// Dispatch parses raw and invokes exactly one handler for it.
// Returns *ParseError for malformed frames and *HandlerError for handler failures.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, receivedAt time.Time) error {
	d.received.Add(1)

	frame, err := Parse(raw, receivedAt)
	if err != nil {
		d.parseErrors.Add(1)
		if d.metrics != nil {
			d.metrics.DispatchErrors.WithLabelValues("parse").Inc()
		}
		return err
	}

	kind := frame.Kind()
	if d.metrics != nil {
		d.metrics.FramesReceived.WithLabelValues(string(kind)).Inc()
	}

	if err := d.invoke(ctx, d.table[kind], frame); err != nil {
		d.handlerErrors.Add(1)
		if d.metrics != nil {
			d.metrics.DispatchErrors.WithLabelValues("handler").Inc()
		}
		return err
	}

	if kind == KindUnknown {
		d.unknown.Add(1)
	} else {
		d.routed.Add(1)
	}

	return nil
}

// invoke runs a handler, converting returned errors and panics into *HandlerError.
func (d *Dispatcher) invoke(ctx context.Context, h handlerFunc, frame Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Kind:  frame.Kind(),
				Type:  typeOf(frame),
				Panic: true,
				Err:   fmt.Errorf("%v", r),
			}
		}
	}()

	if herr := h(ctx, frame); herr != nil {
		var he *HandlerError
		if errors.As(herr, &he) {
			return he
		}
		return &HandlerError{Kind: frame.Kind(), Type: typeOf(frame), Err: herr}
	}
	return nil
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:      d.received.Load(),
		Routed:        d.routed.Load(),
		ParseErrors:   d.parseErrors.Load(),
		Unknown:       d.unknown.Load(),
		HandlerErrors: d.handlerErrors.Load(),
	}
}

func (d *Dispatcher) logFrame(msg string) func(context.Context, Frame) error {
	return func(_ context.Context, f Frame) error {
		d.logger.Debug(msg, "type", f.Kind(), "bytes", len(f.Info().Data))
		return nil
	}
}

func (d *Dispatcher) logUnknown(_ context.Context, f Frame) error {
	d.logger.Info("unknown echo type", "type", typeOf(f))
	return nil
}
