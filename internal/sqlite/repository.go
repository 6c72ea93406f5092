package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS replays (
	user_did   TEXT    NOT NULL,
	feed_name  TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	blob       BLOB    NOT NULL,
	size       INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_did, feed_name)
);

CREATE TABLE IF NOT EXISTS cursors (
	service      TEXT    PRIMARY KEY,
	cursor_value INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);`

// Repository implements domain.ReplayRepository and domain.CursorRepository
// using SQLite.
type Repository struct {
	db *sql.DB
}

var (
	_ domain.ReplayRepository = (*Repository)(nil)
	_ domain.CursorRepository = (*Repository)(nil)
)

// NewRepository opens the SQLite database at path, creating the schema if
// needed. The caller should call Close when the repository is no longer
// needed.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA busy_timeout = 5000`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveReplay upserts the replay blob for key. A stored row with a higher or
// equal seq wins.
func (r *Repository) SaveReplay(ctx context.Context, key domain.FeedKey, seq uint64, blob []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO replays (user_did, feed_name, seq, blob, size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_did, feed_name) DO UPDATE SET
			seq = excluded.seq,
			blob = excluded.blob,
			size = excluded.size,
			updated_at = excluded.updated_at
		WHERE excluded.seq > replays.seq`,
		key.UserDID, key.FeedName, int64(seq), blob, len(blob), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert replay %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// LoadReplay returns the stored replay for key, or nil if there is none.
func (r *Repository) LoadReplay(ctx context.Context, key domain.FeedKey) (*domain.StoredReplay, error) {
	var (
		seq       int64
		blob      []byte
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT seq, blob, updated_at FROM replays WHERE user_did = ? AND feed_name = ?`,
		key.UserDID, key.FeedName,
	).Scan(&seq, &blob, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query replay %s: %w", key, err)
	}

	return &domain.StoredReplay{
		Seq:       uint64(seq),
		Blob:      blob,
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

// DeleteReplay removes the replay for key.
func (r *Repository) DeleteReplay(ctx context.Context, key domain.FeedKey) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM replays WHERE user_did = ? AND feed_name = ?`,
		key.UserDID, key.FeedName,
	)
	if err != nil {
		return fmt.Errorf("delete replay %s: %w", key, err)
	}
	return nil
}

// ReplayInfo summarizes a stored replay without its blob.
type ReplayInfo struct {
	Key       domain.FeedKey
	Seq       uint64
	Size      int64
	UpdatedAt time.Time
}

// ListReplays returns all stored replays ordered by user and feed.
func (r *Repository) ListReplays(ctx context.Context) ([]ReplayInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_did, feed_name, seq, size, updated_at
		FROM replays
		ORDER BY user_did, feed_name`)
	if err != nil {
		return nil, fmt.Errorf("query replays: %w", err)
	}
	defer rows.Close()

	var out []ReplayInfo
	for rows.Next() {
		var (
			info      ReplayInfo
			seq       int64
			updatedAt int64
		)
		if err := rows.Scan(&info.Key.UserDID, &info.Key.FeedName, &seq, &info.Size, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan replay: %w", err)
		}
		info.Seq = uint64(seq)
		info.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replays: %w", err)
	}
	return out, nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			updated_at = excluded.updated_at`,
		service, cursor, time.Now().UTC().UnixMilli(),
	)
	return err
}
