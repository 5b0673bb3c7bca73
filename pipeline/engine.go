// Package pipeline batches records into atomic upserts.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBatchSize is the number of records per upsert batch.
const DefaultBatchSize = 500

// BatchWriter persists one batch atomically: either every record commits or
// none does.
type BatchWriter[T any] interface {
	WriteBatch(ctx context.Context, seq int, batch []T) error
}

// Observer receives one call per committed or rolled back batch.
type Observer interface {
	ObserveBatch(entity string, written int, err error)
}

// Options configures an Engine.
type Options struct {
	BatchSize int
	// Entity labels logs, metrics and reject log lines.
	Entity   string
	Observer Observer
	Rejects  *RejectLog
}

// Report summarises one Upsert call or one streaming Batch.
type Report struct {
	Batches       int
	Written       int
	Failed        int
	FailedBatches int
	Duplicates    int
	// Unsubmitted counts records left pending when the context was cancelled.
	Unsubmitted int
	Errors      []error
	Err         error
}

// Engine splits records into fixed-size batches keyed by key and hands each
// batch to the writer. A failed batch is counted and the engine moves on.
// An Engine is safe for concurrent use; each Upsert or Batch owns its
// pending slice.
type Engine[T any] struct {
	writer BatchWriter[T]
	key    func(T) string
	opts   Options
	seq    atomic.Int64

	metrics metrics
}

// NewEngine builds an engine. A zero BatchSize uses DefaultBatchSize.
func NewEngine[T any](writer BatchWriter[T], key func(T) string, opts Options) *Engine[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Entity == "" {
		opts.Entity = "record"
	}
	return &Engine[T]{
		writer:  writer,
		key:     key,
		opts:    opts,
		metrics: newMetrics(),
	}
}

// Upsert writes records in order and returns the aggregate report.
func (e *Engine[T]) Upsert(ctx context.Context, records []T) Report {
	b := e.NewBatch(ctx)
	for _, rec := range records {
		b.Add(rec)
	}
	return b.Close()
}

// Totals returns a snapshot of counters across every call on this engine.
func (e *Engine[T]) Totals() map[string]int64 {
	return e.metrics.snapshot()
}

// Batch accumulates records for one streaming producer. It is not safe for
// concurrent use.
type Batch[T any] struct {
	engine  *Engine[T]
	ctx     context.Context
	pending []T
	index   map[string]int
	report  Report
	stopped bool
}

// NewBatch starts a streaming batch bound to ctx.
func (e *Engine[T]) NewBatch(ctx context.Context) *Batch[T] {
	return &Batch[T]{
		engine:  e,
		ctx:     ctx,
		pending: make([]T, 0, e.opts.BatchSize),
		index:   make(map[string]int, e.opts.BatchSize),
	}
}

// Add queues rec. A key already pending in the current batch is replaced in
// place so the last observation wins.
func (b *Batch[T]) Add(rec T) {
	if b.stopped {
		b.report.Unsubmitted++
		return
	}

	k := b.engine.key(rec)
	if i, ok := b.index[k]; ok {
		b.pending[i] = rec
		b.report.Duplicates++
		b.engine.metrics.add("duplicates", 1)
		return
	}
	b.index[k] = len(b.pending)
	b.pending = append(b.pending, rec)

	if len(b.pending) >= b.engine.opts.BatchSize {
		b.flush()
	}
}

// Close flushes what is pending and returns the report.
func (b *Batch[T]) Close() Report {
	if !b.stopped {
		b.flush()
	} else {
		b.report.Unsubmitted += len(b.pending)
		b.pending = b.pending[:0]
	}
	return b.report
}

// Report returns the counters so far.
func (b *Batch[T]) Report() Report {
	return b.report
}

func (b *Batch[T]) flush() {
	if len(b.pending) == 0 {
		return
	}
	e := b.engine
	if err := b.ctx.Err(); err != nil {
		b.stopped = true
		b.report.Unsubmitted += len(b.pending)
		b.report.Err = err
		b.reset()
		return
	}

	seq := int(e.seq.Add(1))
	size := len(b.pending)
	err := e.writer.WriteBatch(b.ctx, seq, b.pending)
	e.opts.observe(e.opts.Entity, size, err)
	b.report.Batches++
	e.metrics.add("batches", 1)

	if err != nil {
		b.report.Failed += size
		b.report.FailedBatches++
		b.report.Errors = append(b.report.Errors, err)
		e.metrics.add("failed", int64(size))
		e.metrics.add("failed_batches", 1)
		slog.Error("batch rolled back",
			slog.String("entity", e.opts.Entity),
			slog.Int("batch", seq),
			slog.Int("size", size),
			slog.String("error", err.Error()),
		)
		if e.opts.Rejects != nil {
			if rerr := WriteAll(e.opts.Rejects, e.opts.Entity, "batch_failed", b.pending); rerr != nil {
				slog.Warn("reject log write failed", slog.String("error", rerr.Error()))
			}
		}
	} else {
		b.report.Written += size
		e.metrics.add("written", int64(size))
		slog.Debug("batch committed",
			slog.String("entity", e.opts.Entity),
			slog.Int("batch", seq),
			slog.Int("size", size),
		)
	}
	b.reset()
}

func (b *Batch[T]) reset() {
	b.pending = b.pending[:0]
	clear(b.index)
}

func (o Options) observe(entity string, written int, err error) {
	if o.Observer != nil {
		o.Observer.ObserveBatch(entity, written, err)
	}
}

type metrics struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMetrics() metrics {
	return metrics{counts: make(map[string]int64)}
}

func (m *metrics) add(kind string, n int64) {
	m.mu.Lock()
	m.counts[kind] += n
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}
