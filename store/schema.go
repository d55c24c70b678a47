package store

import "database/sql"

// Schema defines the stories table. One row per story, keyed by the opaque
// story ID (server-issued for synced records, client-generated for records
// created offline). The photo travels either as a URL or as embedded bytes;
// both columns may be populated once a record has been cached for offline
// display.
const Schema = `
CREATE TABLE IF NOT EXISTS stories (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    lat         REAL,
    lon         REAL,
    photo_url   TEXT NOT NULL DEFAULT '',
    photo_blob  BLOB,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stories_created ON stories(created_at DESC);
`

// Init creates the stories table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
