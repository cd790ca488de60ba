// Package store manages the SQLite database that caches the user's library
// metadata: playlists, saved albums, per-collection validation records, and
// the derived track-page cache.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/avosseberg/cratesync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS playlists (
    id          TEXT    PRIMARY KEY,
    name        TEXT    NOT NULL,
    owner       TEXT    NOT NULL DEFAULT '',
    track_count INTEGER NOT NULL DEFAULT 0,
    image_url   TEXT    NOT NULL DEFAULT '',
    snapshot_id TEXT    NOT NULL DEFAULT '',
    added_at    TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS albums (
    id          TEXT    PRIMARY KEY,
    name        TEXT    NOT NULL,
    artist      TEXT    NOT NULL DEFAULT '',
    track_count INTEGER NOT NULL DEFAULT 0,
    image_url   TEXT    NOT NULL DEFAULT '',
    added_at    TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS collection_meta (
    collection        TEXT    PRIMARY KEY,
    last_validated_at TEXT    NOT NULL DEFAULT '',
    total_count       INTEGER NOT NULL DEFAULT 0,
    version_tokens    TEXT    NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS track_pages (
    cache_key TEXT PRIMARY KEY,
    payload   TEXT NOT NULL,
    stored_at TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed library cache.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the cache database:
// ~/.local/share/cratesync/library.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "cratesync", "library.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// IsEmpty reports whether neither playlists nor albums have been cached yet.
// Used by the startup controller to choose between warm and cold start.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM playlists) + (SELECT COUNT(*) FROM albums)`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking if cache is empty: %w", err)
	}
	return count == 0, nil
}

// --- playlists ---------------------------------------------------------------

// Playlists returns all cached playlists.
func (s *Store) Playlists(ctx context.Context) ([]model.Playlist, error) {
	const q = `
		SELECT id, name, owner, track_count, image_url, snapshot_id, added_at
		FROM playlists ORDER BY added_at DESC, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying playlists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var playlists []model.Playlist
	for rows.Next() {
		var p model.Playlist
		var addedAt string
		err := rows.Scan(&p.ID, &p.Name, &p.Owner, &p.TrackCount, &p.ImageURL, &p.SnapshotID, &addedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning playlist row: %w", err)
		}
		p.AddedAt, _ = parseTime(addedAt)
		playlists = append(playlists, p)
	}
	return playlists, rows.Err()
}

// UpsertPlaylist inserts or replaces a single playlist record.
func (s *Store) UpsertPlaylist(ctx context.Context, p model.Playlist) error {
	const q = `
		INSERT INTO playlists (id, name, owner, track_count, image_url, snapshot_id, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name        = excluded.name,
		    owner       = excluded.owner,
		    track_count = excluded.track_count,
		    image_url   = excluded.image_url,
		    snapshot_id = excluded.snapshot_id,
		    added_at    = excluded.added_at`
	_, err := s.db.ExecContext(ctx, q,
		p.ID, p.Name, p.Owner, p.TrackCount, p.ImageURL, p.SnapshotID, formatTime(p.AddedAt))
	if err != nil {
		return fmt.Errorf("upserting playlist %q: %w", p.ID, err)
	}
	return nil
}

// ReplacePlaylists atomically replaces the whole playlists table with the
// given set. Used by the cold-start persist once a complete set has streamed.
func (s *Store) ReplacePlaylists(ctx context.Context, playlists []model.Playlist) error {
	return s.replaceAll(ctx, "playlists", func(tx *sql.Tx) error {
		const q = `
			INSERT INTO playlists (id, name, owner, track_count, image_url, snapshot_id, added_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
		for _, p := range playlists {
			if _, err := tx.ExecContext(ctx, q,
				p.ID, p.Name, p.Owner, p.TrackCount, p.ImageURL, p.SnapshotID, formatTime(p.AddedAt)); err != nil {
				return fmt.Errorf("inserting playlist %q: %w", p.ID, err)
			}
		}
		return nil
	})
}

// RemovePlaylist deletes the playlist with the given ID.
func (s *Store) RemovePlaylist(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM playlists WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing playlist %q: %w", id, err)
	}
	return nil
}

// --- albums ------------------------------------------------------------------

// Albums returns all cached saved albums.
func (s *Store) Albums(ctx context.Context) ([]model.Album, error) {
	const q = `
		SELECT id, name, artist, track_count, image_url, added_at
		FROM albums ORDER BY added_at DESC, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying albums: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var albums []model.Album
	for rows.Next() {
		var a model.Album
		var addedAt string
		err := rows.Scan(&a.ID, &a.Name, &a.Artist, &a.TrackCount, &a.ImageURL, &addedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning album row: %w", err)
		}
		a.AddedAt, _ = parseTime(addedAt)
		albums = append(albums, a)
	}
	return albums, rows.Err()
}

// UpsertAlbum inserts or replaces a single album record.
func (s *Store) UpsertAlbum(ctx context.Context, a model.Album) error {
	const q = `
		INSERT INTO albums (id, name, artist, track_count, image_url, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name        = excluded.name,
		    artist      = excluded.artist,
		    track_count = excluded.track_count,
		    image_url   = excluded.image_url,
		    added_at    = excluded.added_at`
	_, err := s.db.ExecContext(ctx, q,
		a.ID, a.Name, a.Artist, a.TrackCount, a.ImageURL, formatTime(a.AddedAt))
	if err != nil {
		return fmt.Errorf("upserting album %q: %w", a.ID, err)
	}
	return nil
}

// ReplaceAlbums atomically replaces the whole albums table with the given set.
func (s *Store) ReplaceAlbums(ctx context.Context, albums []model.Album) error {
	return s.replaceAll(ctx, "albums", func(tx *sql.Tx) error {
		const q = `
			INSERT INTO albums (id, name, artist, track_count, image_url, added_at)
			VALUES (?, ?, ?, ?, ?, ?)`
		for _, a := range albums {
			if _, err := tx.ExecContext(ctx, q,
				a.ID, a.Name, a.Artist, a.TrackCount, a.ImageURL, formatTime(a.AddedAt)); err != nil {
				return fmt.Errorf("inserting album %q: %w", a.ID, err)
			}
		}
		return nil
	})
}

// RemoveAlbum deletes the album with the given ID.
func (s *Store) RemoveAlbum(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM albums WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing album %q: %w", id, err)
	}
	return nil
}

// --- collection meta ---------------------------------------------------------

// Meta returns the validation record for the given collection, or (nil, nil)
// if the collection has never been validated.
func (s *Store) Meta(ctx context.Context, c model.Collection) (*model.CollectionMeta, error) {
	const q = `
		SELECT collection, last_validated_at, total_count, version_tokens
		FROM collection_meta WHERE collection = ?`
	var meta model.CollectionMeta
	var collection, validatedAt, tokens string
	err := s.db.QueryRowContext(ctx, q, string(c)).Scan(&collection, &validatedAt, &meta.TotalCount, &tokens)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying meta for %q: %w", c, err)
	}

	meta.Collection = model.Collection(collection)
	meta.LastValidatedAt, _ = parseTime(validatedAt)
	if err := json.Unmarshal([]byte(tokens), &meta.VersionTokens); err != nil {
		return nil, fmt.Errorf("parsing version tokens for %q: %w", c, err)
	}
	return &meta, nil
}

// PutMeta writes the validation record for a collection. Callers must write
// the collection's data before its meta so a reader never observes a meta
// record newer than the data it describes.
func (s *Store) PutMeta(ctx context.Context, meta model.CollectionMeta) error {
	tokens := meta.VersionTokens
	if tokens == nil {
		tokens = map[string]string{}
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encoding version tokens for %q: %w", meta.Collection, err)
	}

	const q = `
		INSERT INTO collection_meta (collection, last_validated_at, total_count, version_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
		    last_validated_at = excluded.last_validated_at,
		    total_count       = excluded.total_count,
		    version_tokens    = excluded.version_tokens`
	_, err = s.db.ExecContext(ctx, q,
		string(meta.Collection), formatTime(meta.LastValidatedAt), meta.TotalCount, string(raw))
	if err != nil {
		return fmt.Errorf("writing meta for %q: %w", meta.Collection, err)
	}
	return nil
}

// --- derived track-page cache ------------------------------------------------

// TrackPage returns the cached payload for the given key, or (nil, nil) if
// the key is not cached.
func (s *Store) TrackPage(ctx context.Context, key string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM track_pages WHERE cache_key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying track page %q: %w", key, err)
	}
	return []byte(payload), nil
}

// PutTrackPage stores a derived track listing payload under the given key.
func (s *Store) PutTrackPage(ctx context.Context, key string, payload []byte) error {
	const q = `
		INSERT INTO track_pages (cache_key, payload, stored_at)
		VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
		    payload   = excluded.payload,
		    stored_at = excluded.stored_at`
	if _, err := s.db.ExecContext(ctx, q, key, string(payload), formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("storing track page %q: %w", key, err)
	}
	return nil
}

// InvalidateTrackPages deletes every derived cache entry stored under the key
// or any of its page sub-keys ("<key>:…").
func (s *Store) InvalidateTrackPages(ctx context.Context, key string) error {
	const q = `DELETE FROM track_pages WHERE cache_key = ? OR cache_key LIKE ? ESCAPE '\'`
	if _, err := s.db.ExecContext(ctx, q, key, likePrefix(key)+":%"); err != nil {
		return fmt.Errorf("invalidating track pages for %q: %w", key, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// replaceAll runs delete-then-insert for a table inside a single transaction.
func (s *Store) replaceAll(ctx context.Context, table string, insert func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning %s replace: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	if err := insert(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s replace: %w", table, err)
	}
	return nil
}

// likePrefix escapes LIKE metacharacters in a literal prefix.
func likePrefix(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
