package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mgleason/proctor-stream/internal/model"
	"github.com/mgleason/proctor-stream/internal/router"
)

// Config configures a Writer.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    5000,
	}
}

// Metrics counts writer activity.
type Metrics struct {
	Inserts    int64
	Duplicates int64
	Errors     int64
	Flushes    int64
}

// Writer drains the spool and batch-inserts event rows.
type Writer struct {
	cfg       Config
	sessionID string
	logger    *slog.Logger

	spool *Spool
	db    *pgxpool.Pool

	batch       []model.EventRecord
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewWriter creates a journal writer scoped to one session.
func NewWriter(cfg Config, sessionID string, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger,
		spool:     NewSpool(cfg.BufferSize),
		db:        db,
		batch:     make([]model.EventRecord, 0, cfg.BatchSize),
	}
}

// Handler returns a router handler that spools every broadcast event.
// Register it as a catch-all subscription.
func (w *Writer) Handler() router.Handler {
	return func(event string, data json.RawMessage, seq int64) {
		rec := model.EventRecord{
			SessionID:  w.sessionID,
			Event:      event,
			Seq:        seq,
			Payload:    append([]byte(nil), data...),
			ReceivedAt: time.Now().UTC(),
		}
		if !w.spool.Offer(rec) {
			w.logger.Warn("journal spool closed, dropping event", "event", event, "seq", seq)
		}
	}
}

// Start begins draining the spool into the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer, flushing what remains.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	w.spool.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("journal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Drain anything the consume loop had not picked up yet, then flush.
	if rest := w.spool.Drain(0); len(rest) > 0 {
		w.batchMu.Lock()
		w.batch = append(w.batch, rest...)
		w.batchMu.Unlock()
	}
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// SpoolStats returns the underlying spool statistics.
func (w *Writer) SpoolStats() SpoolStats {
	return w.spool.Stats()
}

// consumeLoop moves records from the spool into the batch. It exits when the
// spool is closed and empty; Stop closes the spool before canceling.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		rec, ok := w.spool.Next()
		if !ok {
			return
		}
		w.handleRecord(rec)
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

func (w *Writer) handleRecord(rec model.EventRecord) {
	w.batchMu.Lock()
	w.batch = append(w.batch, rec)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of the current batch
	batch := w.batch
	w.batch = make([]model.EventRecord, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	duplicates, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - duplicates)
	w.metrics.Duplicates += int64(duplicates)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(batch),
		"duplicates", duplicates,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch, skipping rows already journaled
// for this (session_id, seq).
func (w *Writer) batchInsert(rows []model.EventRecord) (duplicates int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO classification_events (session_id, event, seq, payload, received_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, seq) DO NOTHING
		`, r.SessionID, r.Event, r.Seq, r.Payload, r.ReceivedAt)
	}

	results := w.db.SendBatch(context.Background(), batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			duplicates++
		}
	}

	return duplicates, nil
}
