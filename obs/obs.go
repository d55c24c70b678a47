// Package obs provides SQLite-native counters for the sync core: cache
// hits and misses, queue depth, replay outcomes. Persistence is async and
// non-blocking — buffer overflow drops datapoints rather than applying
// backpressure to the request path.
package obs

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Schema defines the metrics table.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics (
    name       TEXT NOT NULL,
    timestamp  INTEGER NOT NULL,
    value      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time ON metrics(name, timestamp DESC);
`

// Init creates the metrics table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

type point struct {
	name  string
	ts    int64
	value float64
}

// Recorder buffers datapoints and flushes them to SQLite in batches.
// It satisfies the MetricSink interfaces of cachelayer and reconcile.
type Recorder struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []point

	stop chan struct{}
	done chan struct{}
}

// NewRecorder creates a Recorder flushing every interval or whenever the
// buffer fills. Recommended: bufferSize=100, interval=5s.
func NewRecorder(db *sql.DB, bufferSize int, interval time.Duration) *Recorder {
	r := &Recorder{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: interval,
		buffer:        make([]point, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Record queues a datapoint for async persistence. Non-blocking; when the
// buffer is full beyond one extra batch the point is dropped.
func (r *Recorder) Record(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffer) >= 2*r.bufferSize {
		return
	}
	r.buffer = append(r.buffer, point{name: name, ts: time.Now().UnixMilli(), value: value})
}

// Total returns the summed value recorded under name since the given time.
func (r *Recorder) Total(ctx context.Context, name string, since time.Time) (float64, error) {
	r.flush()
	var total sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(value) FROM metrics WHERE name = ? AND timestamp >= ?`,
		name, since.UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("obs: total %s: %w", name, err)
	}
	return total.Float64, nil
}

// Cleanup deletes datapoints older than the retention window.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := r.db.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("obs: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining datapoints and stops the background goroutine.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	r.flush()
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = make([]point, 0, r.bufferSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	tx, err := r.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO metrics (name, timestamp, value) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return
	}
	for _, p := range batch {
		stmt.Exec(p.name, p.ts, p.value)
	}
	stmt.Close()
	tx.Commit()
}
