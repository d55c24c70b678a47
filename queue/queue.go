// Package queue is the offline write queue: story submissions made while
// disconnected are persisted here until the reconciler replays them
// against the remote service. An entry leaves the queue only on a
// successful replay — failure means it stays, never that it is dropped.
//
// The queue lives in the same SQLite database as the durable store; it is
// a specialization of it, holding not-yet-synchronized writes keyed by a
// client-generated submission ID.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/storysync/dbopen"
	"github.com/hazyhaar/storysync/idgen"
	"github.com/hazyhaar/storysync/story"
)

// Schema defines the story_queue table. FIFO order is created_at ASC;
// next_attempt_at implements the retry backoff without a scheduler —
// entries simply stay invisible to Pending until their time comes.
const Schema = `
CREATE TABLE IF NOT EXISTS story_queue (
    id              TEXT PRIMARY KEY,
    payload         BLOB NOT NULL,
    created_at      INTEGER NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_next ON story_queue(next_attempt_at, created_at);
`

// Init creates the story_queue table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Submission is a queued story awaiting transmission.
type Submission struct {
	ID            string
	Record        story.Record
	CreatedAt     time.Time
	Attempts      int
	NextAttemptAt time.Time
}

// Q is the queue handle.
type Q struct {
	db     *sql.DB
	gen    idgen.Generator
	logger *slog.Logger
}

// Option configures a Q.
type Option func(*Q)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Q) { q.logger = l }
}

// WithGenerator sets the client ID generator. Default: "sub_"-prefixed
// UUIDv7, so IDs sort in submission order.
func WithGenerator(g idgen.Generator) Option {
	return func(q *Q) { q.gen = g }
}

// New creates a queue handle on db. Call Init on the database first.
func New(db *sql.DB, opts ...Option) *Q {
	q := &Q{
		db:     db,
		gen:    idgen.Prefixed("sub_", idgen.UUIDv7()),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue persists a submission and returns its client-generated ID.
// When the record already carries an ID it is kept, so an entry re-queued
// after a crash keeps its idempotency key.
func (q *Q) Enqueue(ctx context.Context, rec story.Record) (string, error) {
	if rec.ID == "" {
		rec.ID = q.gen()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("queue: encode submission: %w", err)
	}

	_, err = dbopen.Exec(ctx, q.db, `
		INSERT INTO story_queue (id, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		rec.ID, payload, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", rec.ID, err)
	}

	q.logger.Info("queue: submission queued", "id", rec.ID)
	return rec.ID, nil
}

// Pending returns the submissions due for an attempt at time now, oldest
// first. Entries deferred into the future are excluded until their
// next_attempt_at passes.
func (q *Q) Pending(ctx context.Context, now time.Time) ([]Submission, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, payload, created_at, attempts, next_attempt_at
		FROM story_queue
		WHERE next_attempt_at <= ?
		ORDER BY created_at ASC`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("queue: pending: %w", err)
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var s Submission
		var payload []byte
		var createdAt, nextAt int64
		if err := rows.Scan(&s.ID, &payload, &createdAt, &s.Attempts, &nextAt); err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		if err := json.Unmarshal(payload, &s.Record); err != nil {
			// An undecodable row must not wedge the queue: the entries
			// behind it still get replayed.
			q.logger.Error("queue: undecodable submission skipped", "id", s.ID, "error", err)
			continue
		}
		s.CreatedAt = time.UnixMilli(createdAt)
		s.NextAttemptAt = time.UnixMilli(nextAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Ack deletes a successfully replayed submission.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM story_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return nil
}

// Defer records a failed attempt: the attempt counter is bumped and the
// entry stays queued, invisible to Pending until the given time.
func (q *Q) Defer(ctx context.Context, id string, until time.Time) error {
	res, err := dbopen.Exec(ctx, q.db, `
		UPDATE story_queue SET attempts = attempts + 1, next_attempt_at = ?
		WHERE id = ?`, until.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("queue: defer %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: defer %s: %w", id, ErrNotQueued)
	}
	return nil
}

// ErrNotQueued is returned by Defer when the submission is gone.
var ErrNotQueued = errors.New("queue: submission not queued")

// Len returns the total number of queued submissions, due or deferred.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM story_queue`).Scan(&n)
	return n, err
}

// Purge deletes every queued submission.
func (q *Q) Purge(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM story_queue`)
	if err != nil {
		return fmt.Errorf("queue: purge: %w", err)
	}
	return nil
}
