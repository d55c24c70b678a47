package cachelayer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/storysync/dbopen"
)

// Schema defines the cache_entries table. An entry is an immutable snapshot
// of one GET response, owned by exactly one named generation. Entries are
// never mutated in place — a put replaces the whole row.
const Schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    generation TEXT NOT NULL,
    key        TEXT NOT NULL,
    status     INTEGER NOT NULL,
    headers    TEXT NOT NULL DEFAULT '{}',
    body       BLOB,
    stored_at  INTEGER NOT NULL,
    PRIMARY KEY (generation, key)
);

CREATE INDEX IF NOT EXISTS idx_cache_generation ON cache_entries(generation);
`

// Init creates the cache_entries table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Entry is a stored response snapshot: status, headers and the full body.
type Entry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response materializes the entry as an *http.Response for req. Each call
// returns an independent copy; handing one out does not consume the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Store persists cache entries grouped into named generations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets a custom logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a Store on db. Call Init on the database first.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the entry for key in generation, or nil when absent.
func (s *Store) Get(ctx context.Context, generation, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, status, headers, body, stored_at
		FROM cache_entries WHERE generation = ? AND key = ?`, generation, key)

	var e Entry
	var headersJSON string
	var storedAt int64
	err := row.Scan(&e.Key, &e.Status, &headersJSON, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachelayer: get %s: %w", key, err)
	}
	e.Header = http.Header{}
	if err := json.Unmarshal([]byte(headersJSON), &e.Header); err != nil {
		s.logger.Warn("cachelayer: corrupt stored headers, serving without them",
			"generation", generation, "key", key, "error", err)
		e.Header = http.Header{}
	}
	e.StoredAt = time.UnixMilli(storedAt)
	return &e, nil
}

// Put stores an entry in generation, replacing any previous entry wholesale.
func (s *Store) Put(ctx context.Context, generation string, e *Entry) error {
	headersJSON, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("cachelayer: encode headers: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO cache_entries (generation, key, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation, key) DO UPDATE SET
		    status    = excluded.status,
		    headers   = excluded.headers,
		    body      = excluded.body,
		    stored_at = excluded.stored_at`,
		generation, e.Key, e.Status, string(headersJSON), e.Body, storedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cachelayer: put %s: %w", e.Key, err)
	}
	return nil
}

// DeleteGeneration removes every entry owned by the named generation.
func (s *Store) DeleteGeneration(ctx context.Context, generation string) error {
	_, err := dbopen.Exec(ctx, s.db, `DELETE FROM cache_entries WHERE generation = ?`, generation)
	if err != nil {
		return fmt.Errorf("cachelayer: delete generation %s: %w", generation, err)
	}
	return nil
}

// Generations lists the generation names that currently hold entries.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT generation FROM cache_entries ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("cachelayer: list generations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("cachelayer: scan generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Count returns the number of entries in a generation.
func (s *Store) Count(ctx context.Context, generation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE generation = ?`, generation).Scan(&n)
	return n, err
}

// ActivateOnly deletes every generation not named in keep, in one
// transaction. This is the activation sweep: superseded generations are
// garbage the moment a new set of generation names is current.
func (s *Store) ActivateOnly(ctx context.Context, keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}

	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT DISTINCT generation FROM cache_entries`)
		if err != nil {
			return fmt.Errorf("cachelayer: list generations: %w", err)
		}
		var stale []string
		for rows.Next() {
			var g string
			if err := rows.Scan(&g); err != nil {
				rows.Close()
				return fmt.Errorf("cachelayer: scan generation: %w", err)
			}
			if !keepSet[g] {
				stale = append(stale, g)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, g := range stale {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE generation = ?`, g); err != nil {
				return fmt.Errorf("cachelayer: delete generation %s: %w", g, err)
			}
			s.logger.Info("cachelayer: deleted superseded generation", "generation", g)
		}
		return nil
	})
}
