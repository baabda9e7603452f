package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/maptile"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotCached is returned when a raw payload is absent from the store.
var ErrNotCached = errors.New("raw payload not cached")

const timeKeyLayout = "20060102_1504"

// TimeKey truncates t to the source's temporal resolution.
func TimeKey(t time.Time, resolution time.Duration) string {
	return t.UTC().Truncate(resolution).Format(timeKeyLayout)
}

// ParseTimeKey is the inverse of TimeKey.
func ParseTimeKey(key string) (time.Time, error) {
	return time.ParseInLocation(timeKeyLayout, key, time.UTC)
}

// RawKey addresses one raw payload.
type RawKey struct {
	TimeKey string
	Tile    maptile.Tile
}

func (k RawKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.TimeKey, k.Tile.Z, k.Tile.X, k.Tile.Y)
}

// RawEntry is the index record of a committed payload.
type RawEntry struct {
	Key      RawKey
	Path     string
	Size     int64
	StoredAt time.Time
}

// RawStore keeps raw payload files under root and indexes them in sqlite.
// Files are written once via temp-then-rename and never modified in place.
type RawStore struct {
	root   string
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	index map[RawKey]RawEntry
}

// OpenRawStore opens or creates the store rooted at root.
func OpenRawStore(ctx context.Context, root string, logger *slog.Logger) (*RawStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "raw"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(root, "index.db")+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}

	s := &RawStore{root: root, db: db, logger: logger, index: make(map[RawKey]RawEntry)}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	if err := s.loadIndex(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("raw tile store opened", "root", root, "entries", len(s.index))
	return s, nil
}

// runMigrations applies the embedded migrations through a goose provider, so
// nothing touches goose's package-level state or the standard logger.
func (s *RawStore) runMigrations(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		s.logger.Info("index migration applied", "migration", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

func (s *RawStore) loadIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT time_key, z, x, y, path, size, stored_at FROM raw_tiles`)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       RawEntry
			z, x, y uint32
			stored  int64
		)
		if err := rows.Scan(&e.Key.TimeKey, &z, &x, &y, &e.Path, &e.Size, &stored); err != nil {
			return fmt.Errorf("scan index row: %w", err)
		}
		e.Key.Tile = maptile.New(x, y, maptile.Zoom(z))
		e.StoredAt = time.UnixMilli(stored).UTC()
		s.index[e.Key] = e
	}
	return rows.Err()
}

// Root returns the store directory.
func (s *RawStore) Root() string {
	return s.root
}

// Has reports whether key has a committed payload.
func (s *RawStore) Has(key RawKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key]
	return ok
}

// Lookup returns the index entry for key.
func (s *RawStore) Lookup(key RawKey) (RawEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[key]
	return e, ok
}

// Entries returns every index entry ordered by key.
func (s *RawStore) Entries() []RawEntry {
	s.mu.RLock()
	out := make([]RawEntry, 0, len(s.index))
	for _, e := range s.index {
		out = append(out, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b RawEntry) int {
		if a.Key.TimeKey != b.Key.TimeKey {
			if a.Key.TimeKey < b.Key.TimeKey {
				return -1
			}
			return 1
		}
		if a.Key.Tile.Y != b.Key.Tile.Y {
			return int(a.Key.Tile.Y) - int(b.Key.Tile.Y)
		}
		return int(a.Key.Tile.X) - int(b.Key.Tile.X)
	})
	return out
}

// Open returns a reader over the committed payload for key.
func (s *RawStore) Open(key RawKey) (io.ReadCloser, error) {
	e, ok := s.Lookup(key)
	if !ok {
		return nil, ErrNotCached
	}
	f, err := os.Open(filepath.Join(s.root, e.Path))
	if err != nil {
		return nil, fmt.Errorf("open payload %s: %w", key, err)
	}
	return f, nil
}

// Commit writes a payload for key through write and publishes it atomically.
// It reports whether an earlier payload was replaced.
func (s *RawStore) Commit(ctx context.Context, key RawKey, write func(w io.Writer) error) (bool, error) {
	rel := filepath.Join("raw", key.TimeKey, fmt.Sprintf("%d_%d_%d.wtile", key.Tile.Z, key.Tile.X, key.Tile.Y))
	final := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return false, fmt.Errorf("create payload dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create temp payload: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if err := write(tmp); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("sync payload: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return false, fmt.Errorf("stat payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return false, fmt.Errorf("publish payload: %w", err)
	}

	e := RawEntry{Key: key, Path: rel, Size: info.Size(), StoredAt: domain.Now()}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO raw_tiles (time_key, z, x, y, path, size, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(time_key, z, x, y) DO UPDATE SET path = excluded.path, size = excluded.size, stored_at = excluded.stored_at`,
		key.TimeKey, key.Tile.Z, key.Tile.X, key.Tile.Y, e.Path, e.Size, e.StoredAt.UnixMilli()); err != nil {
		s.logger.Error("index upsert failed", "key", key.String(), "error", err)
		return false, fmt.Errorf("index payload: %w", err)
	}

	s.mu.Lock()
	_, replaced := s.index[key]
	s.index[key] = e
	s.mu.Unlock()

	return replaced, nil
}

// Remove drops key from the index and deletes its file.
func (s *RawStore) Remove(ctx context.Context, key RawKey) error {
	s.mu.Lock()
	e, ok := s.index[key]
	delete(s.index, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM raw_tiles WHERE time_key = ? AND z = ? AND x = ? AND y = ?`,
		key.TimeKey, key.Tile.Z, key.Tile.X, key.Tile.Y); err != nil {
		return fmt.Errorf("unindex payload: %w", err)
	}
	if err := os.Remove(filepath.Join(s.root, e.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove payload: %w", err)
	}
	return nil
}

// Close closes the index database.
func (s *RawStore) Close() error {
	return s.db.Close()
}
