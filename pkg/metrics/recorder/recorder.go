// Package recorder records the data sets a subscriber receives into a
// SQLite store, off the caller's goroutine.
package recorder

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
	"github.com/leptonai/gpuprof/pkg/metrics/store"
	pkgsqlite "github.com/leptonai/gpuprof/pkg/sqlite"
)

const (
	DefaultFlushInterval = time.Second
	DefaultMaxBuffered   = 100_000
)

var _ metrics.Subscriber = (*Recorder)(nil)

type Op struct {
	flushInterval time.Duration
	retention     time.Duration
	maxBuffered   int
	dbRO          *sql.DB
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.flushInterval <= 0 {
		op.flushInterval = DefaultFlushInterval
	}
	if op.maxBuffered <= 0 {
		op.maxBuffered = DefaultMaxBuffered
	}
}

func WithFlushInterval(d time.Duration) OpOption {
	return func(op *Op) {
		op.flushInterval = d
	}
}

// WithRetention purges rows older than d on every flush. Zero keeps
// everything.
func WithRetention(d time.Duration) OpOption {
	return func(op *Op) {
		op.retention = d
	}
}

// WithMaxBuffered bounds the points held between flushes. Points beyond
// it are dropped and counted.
func WithMaxBuffered(n int) OpOption {
	return func(op *Op) {
		op.maxBuffered = n
	}
}

// WithDBSizeFrom reports the database size after each flush.
func WithDBSizeFrom(dbRO *sql.DB) OpOption {
	return func(op *Op) {
		op.dbRO = dbRO
	}
}

// Recorder is a metrics.Subscriber. OnMetric only appends to a buffer;
// a background goroutine writes the buffer to the store.
type Recorder struct {
	op    Op
	store *store.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	descs  []metrics.Description
	points metrics.DataSet
}

func New(ctx context.Context, st *store.Store, opts ...OpOption) *Recorder {
	op := Op{}
	op.applyOpts(opts)

	cctx, cancel := context.WithCancel(ctx)
	return &Recorder{
		op:     op,
		store:  st,
		ctx:    cctx,
		cancel: cancel,
	}
}

func (r *Recorder) Start() {
	log.Logger.Infow("starting recorder", "interval", r.op.flushInterval, "retention", r.op.retention)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.op.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
			}
			if err := r.flush(r.ctx); err != nil {
				log.Logger.Errorw("failed to record data points", "error", err)
			}
		}
	}()
}

func (r *Recorder) OnDescriptions(descs []metrics.Description) {
	r.mu.Lock()
	r.descs = append(r.descs, descs...)
	r.mu.Unlock()
}

func (r *Recorder) OnMetric(ds metrics.DataSet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.op.maxBuffered - len(r.points)
	if room < len(ds) {
		if room < 0 {
			room = 0
		}
		droppedPoints.Add(float64(len(ds) - room))
		ds = ds[:room]
	}
	r.points = append(r.points, ds...)
}

// Clear keeps the recorded history of the metric.
func (r *Recorder) Clear(id int32) {
	log.Logger.Debugw("metric disabled while recording", "id", id)
}

func (r *Recorder) flush(ctx context.Context) error {
	r.mu.Lock()
	descs, points := r.descs, r.points
	r.descs, r.points = nil, nil
	r.mu.Unlock()

	if err := r.store.RecordDescriptions(ctx, descs); err != nil {
		return err
	}
	if err := r.store.Record(ctx, points); err != nil {
		return err
	}
	recordedPoints.Add(float64(len(points)))

	if r.op.retention > 0 {
		purged, err := r.store.Purge(ctx, time.Now().Add(-r.op.retention))
		if err != nil {
			return err
		}
		if purged > 0 {
			log.Logger.Debugw("purged data points", "purged", purged)
		}
	}

	if r.op.dbRO != nil {
		size, err := pkgsqlite.ReadDBSize(ctx, r.op.dbRO)
		if err != nil {
			return err
		}
		dbSizeBytes.Set(float64(size))
	}
	return nil
}

// Close stops the flush loop and writes what is still buffered.
func (r *Recorder) Close() error {
	r.cancel()
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.flush(ctx)
}
