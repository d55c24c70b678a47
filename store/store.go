// Package store is the durable local store for story records. It survives
// process restarts and serves the read path when the remote service is
// unreachable.
//
// Every operation is a single SQLite statement, so each call is atomic on
// its own; there is no cross-call transaction. Concurrent writes to the
// same ID race last-writer-wins, never corrupt.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/storysync/dbopen"
	"github.com/hazyhaar/storysync/story"
)

// ErrNotFound is returned by GetByID when no record exists for the ID.
var ErrNotFound = errors.New("store: story not found")

// maxPhotoBytes caps the size of an opportunistically fetched photo (10 MiB).
const maxPhotoBytes int64 = 10 << 20

// Store persists story records in SQLite.
type Store struct {
	db     *sql.DB
	client *http.Client
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClient sets the HTTP client used for opportunistic photo fetches.
// Pass a client whose transport bypasses the cache layer if double caching
// of photo bytes is not wanted.
func WithClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// New creates a Store on db. Call Init on the database first.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put upserts a record by ID. When the record references a remote photo URL
// and carries no embedded bytes, the photo is fetched and embedded so the
// record stays displayable offline. The fetch is best-effort: on failure
// the record is stored without a blob rather than failing the put.
func (s *Store) Put(ctx context.Context, rec story.Record) error {
	if rec.ID == "" {
		return errors.New("store: record has no id")
	}

	if rec.PhotoURL != "" && len(rec.PhotoBlob) == 0 {
		blob, err := s.fetchPhoto(ctx, rec.PhotoURL)
		if err != nil {
			s.logger.Warn("store: photo fetch for offline copy failed",
				"id", rec.ID, "url", rec.PhotoURL, "error", err)
		} else {
			rec.PhotoBlob = blob
		}
	}

	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO stories (id, name, description, lat, lon, photo_url, photo_blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name        = excluded.name,
		    description = excluded.description,
		    lat         = excluded.lat,
		    lon         = excluded.lon,
		    photo_url   = excluded.photo_url,
		    photo_blob  = excluded.photo_blob,
		    created_at  = excluded.created_at`,
		rec.ID, rec.Name, rec.Description, rec.Lat, rec.Lon,
		rec.PhotoURL, rec.PhotoBlob, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", rec.ID, err)
	}
	return nil
}

// GetAll returns every stored record, newest first.
func (s *Store) GetAll(ctx context.Context) ([]story.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, lat, lon, photo_url, photo_blob, created_at
		FROM stories ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: get all: %w", err)
	}
	defer rows.Close()

	var out []story.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByID returns one record, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (story.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, lat, lon, photo_url, photo_blob, created_at
		FROM stories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return story.Record{}, ErrNotFound
	}
	if err != nil {
		return story.Record{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes a record by ID. Deleting an absent ID is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, s.db, `DELETE FROM stories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// Clear empties the store entirely.
func (s *Store) Clear(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, s.db, `DELETE FROM stories`)
	if err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories`).Scan(&n)
	return n, err
}

func (s *Store) fetchPhoto(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (story.Record, error) {
	var rec story.Record
	var lat, lon sql.NullFloat64
	var createdAt int64
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.Description, &lat, &lon,
		&rec.PhotoURL, &rec.PhotoBlob, &createdAt); err != nil {
		return story.Record{}, err
	}
	if lat.Valid {
		rec.Lat = &lat.Float64
	}
	if lon.Valid {
		rec.Lon = &lon.Float64
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	return rec, nil
}
