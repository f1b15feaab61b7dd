package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/deeptree/echo-kernel/internal/metrics"
)

const insertFrame = `
	INSERT INTO echo_frames (id, kind, payload, received_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO NOTHING
`

// Store sends queued statements in one round trip. *pgxpool.Pool satisfies it.
type Store interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config controls batching.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a frame waits in the queue
	BufferSize    int           // Max queued frames before dropping
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Record is one journaled frame.
type Record struct {
	ID         uuid.UUID
	Kind       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Stats holds writer counters.
type Stats struct {
	Queued  int
	Inserts int64
	Flushes int64
	Errors  int64
	Dropped int64
}

// Writer batches records into the echo_frames table.
type Writer struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue *Queue[Record]
	kick  chan struct{}

	// Lifecycle. ctx ends the flush loop; writeCtx carries its values
	// without its cancellation so a batch in flight completes on Stop.
	ctx      context.Context
	cancel   context.CancelFunc
	writeCtx context.Context
	wg       sync.WaitGroup

	// flushMu serializes flushes and guards stats
	flushMu sync.Mutex
	stats   Stats
}

// NewWriter creates a new Writer. m may be nil.
func NewWriter(cfg Config, store Store, logger *slog.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}

	return &Writer{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		metrics: m,
		queue:   NewQueue[Record](cfg.BatchSize, cfg.BufferSize),
		kick:    make(chan struct{}, 1),
	}
}

// Start begins the flush loop.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.writeCtx = context.WithoutCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still queued.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	for w.queue.Len() > 0 {
		if err := w.flush(ctx); err != nil {
			return err
		}
	}

	w.logger.Info("journal writer stopped")
	return nil
}

// Append queues a record. It reports false when the record was dropped.
func (w *Writer) Append(rec Record) bool {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	if !w.queue.Push(rec) {
		w.flushMu.Lock()
		w.stats.Dropped++
		w.flushMu.Unlock()
		if w.metrics != nil {
			w.metrics.JournalDropped.Inc()
		}
		return false
	}

	if w.queue.Len() >= w.cfg.BatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	s := w.stats
	s.Queued = w.queue.Len()
	return s
}

// flushLoop flushes on the interval and whenever a batch fills.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}

		for w.queue.Len() > 0 {
			if err := w.flush(w.writeCtx); err != nil {
				break
			}
		}
	}
}

// flush writes up to one batch.
func (w *Writer) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	batch := w.queue.DrainTo(w.cfg.BatchSize)
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("journal batch insert failed", "error", err, "count", len(batch))
		w.stats.Errors++
		if w.metrics != nil {
			w.metrics.JournalErrors.Inc()
		}
		return err
	}

	inserted := int64(len(batch) - conflicts)
	w.stats.Inserts += inserted
	w.stats.Flushes++
	if w.metrics != nil {
		w.metrics.JournalInserts.Add(float64(inserted))
	}

	w.logger.Debug("flushed frames",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []Record) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertFrame, r.ID, r.Kind, payloadArg(r.Payload), r.ReceivedAt)
	}

	results := w.store.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// payloadArg maps an absent payload to SQL NULL.
func payloadArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
