package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// DBName is the database file created inside the cache directory.
const DBName = "cache.db"

// Store is a SQLite-backed package cache rooted at a directory.
//
// Reads may run concurrently; writes are serialized.
type Store struct {
	dir string
	db  *sql.DB
	log logrus.FieldLogger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for cache maintenance messages.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open opens or creates the cache in dir. A cache that cannot be opened or
// whose schema cannot be created is reported here, before any other use.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(abs, DBName))
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	// One connection keeps writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{dir: abs, db: db, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache database: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS cached_packages (
		name         TEXT NOT NULL,
		version      TEXT NOT NULL,
		hash         TEXT NOT NULL DEFAULT '',
		download_url TEXT NOT NULL DEFAULT '',
		cached_at    TEXT NOT NULL,
		file_path    TEXT NOT NULL DEFAULT '',
		metadata     TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (name, version)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Dir returns the absolute cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArtifactPath returns the conventional artifact location for a key.
func (s *Store) ArtifactPath(name, version string) string {
	return filepath.Join(s.dir, name+"-"+version+ArtifactExt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(r rowScanner) (*Package, error) {
	var (
		p        Package
		cachedAt string
		metadata string
	)
	if err := r.Scan(&p.Name, &p.Version, &p.Hash, &p.DownloadURL, &cachedAt, &p.FilePath, &metadata); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		t = time.Now().UTC()
	}
	p.CachedAt = t
	if metadata != "" {
		// A damaged metadata blob degrades to empty metadata rather than
		// hiding an otherwise valid artifact.
		_ = json.Unmarshal([]byte(metadata), &p.Metadata)
	}
	return &p, nil
}

// Lookup returns the record for (name, version), or nil when there is none.
// A record whose artifact file no longer exists is removed and reported as
// absent.
func (s *Store) Lookup(ctx context.Context, name, version string) (*Package, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, hash, download_url, cached_at, file_path, metadata
		 FROM cached_packages WHERE name = ? AND version = ?`,
		name, version,
	)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s==%s: %w", name, version, err)
	}

	if _, err := os.Stat(p.FilePath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("lookup %s==%s: %w", name, version, err)
		}
		s.log.WithFields(logrus.Fields{
			"action":  "purge_stale",
			"package": name,
			"version": version,
			"path":    p.FilePath,
		}).Debug("cache entry artifact missing, purging")
		if err := s.purgeStale(ctx, p); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return p, nil
}

// purgeStale deletes a record whose artifact is missing. Under the write
// lock the record is only deleted while it still points at the missing
// file, so a concurrent Put of the same key survives. The conventional
// artifact path is left alone since a concurrent download may be writing it.
func (s *Store) purgeStale(ctx context.Context, stale *Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(stale.FilePath); err == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_packages WHERE name = ? AND version = ? AND file_path = ?`,
		stale.Name, stale.Version, stale.FilePath,
	); err != nil {
		return fmt.Errorf("purge %s==%s: %w", stale.Name, stale.Version, err)
	}
	return nil
}

// Put stores a record, replacing any record with the same name and version.
func (s *Store) Put(ctx context.Context, p *Package) error {
	if err := p.Validate(); err != nil {
		return err
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s==%s: %w", p.Name, p.Version, err)
	}
	cachedAt := p.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cached_packages (name, version, hash, download_url, cached_at, file_path, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   hash = excluded.hash,
		   download_url = excluded.download_url,
		   cached_at = excluded.cached_at,
		   file_path = excluded.file_path,
		   metadata = excluded.metadata`,
		p.Name, p.Version, p.Hash, p.DownloadURL,
		cachedAt.UTC().Format(time.RFC3339Nano), p.FilePath, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("store %s==%s: %w", p.Name, p.Version, err)
	}
	return nil
}

// Remove deletes the record and the conventional artifact file for a key.
// Neither a missing record nor a missing file is an error.
func (s *Store) Remove(ctx context.Context, name, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, name, version)
}

func (s *Store) removeLocked(ctx context.Context, name, version string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_packages WHERE name = ? AND version = ?`, name, version,
	); err != nil {
		return fmt.Errorf("remove %s==%s: %w", name, version, err)
	}
	if checkComponent("name", name) != nil || checkComponent("version", version) != nil {
		return nil
	}
	if err := os.Remove(s.ArtifactPath(name, version)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s==%s: %w", name, version, err)
	}
	return nil
}

// ClearAll deletes every record and every artifact file in the cache
// directory. Other files in the directory are left alone.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_packages`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ArtifactExt {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	return nil
}

// Stats returns the package count and the total size of the cache
// directory. An unpinned alias sharing its artifact with a pinned record of
// the same package is not counted separately.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cached_packages c
		 WHERE c.version != ? OR NOT EXISTS (
		   SELECT 1 FROM cached_packages r
		   WHERE r.name = c.name AND r.version != ? AND r.file_path = c.file_path)`,
		Latest, Latest,
	).Scan(&st.Count); err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		st.TotalBytes += info.Size()
	}
	return st, nil
}

// List returns every record ordered by name and version. Records are returned
// as stored; artifact presence is not checked.
func (s *Store) List(ctx context.Context) ([]Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, hash, download_url, cached_at, file_path, metadata
		 FROM cached_packages ORDER BY name, version`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache: %w", err)
	}
	defer rows.Close()

	var pkgs []Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("list cache: %w", err)
		}
		pkgs = append(pkgs, *p)
	}
	return pkgs, rows.Err()
}

// Verify checks every record against its artifact file and purges records
// whose file is missing or whose content no longer matches the stored hash.
func (s *Store) Verify(ctx context.Context) (VerifyReport, error) {
	pkgs, err := s.List(ctx)
	if err != nil {
		return VerifyReport{}, err
	}

	var report VerifyReport
	for _, p := range pkgs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		key := Key{Name: p.Name, Version: p.Version}

		sum, err := fileSHA256(p.FilePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.Missing = append(report.Missing, key)
		case err != nil:
			return report, fmt.Errorf("verify %s: %w", key, err)
		case p.Hash != "" && !strings.EqualFold(sum, p.Hash):
			report.Corrupt = append(report.Corrupt, key)
		default:
			continue
		}
		if err := s.Remove(ctx, p.Name, p.Version); err != nil {
			return report, err
		}
		s.log.WithFields(logrus.Fields{
			"action":  "verify",
			"package": p.Name,
			"version": p.Version,
		}).Info("purged invalid cache entry")
	}
	return report, nil
}

// Optimize removes artifact files that no record refers to, along with
// leftovers from interrupted downloads.
func (s *Store) Optimize(ctx context.Context) (OptimizeReport, error) {
	pkgs, err := s.List(ctx)
	if err != nil {
		return OptimizeReport{}, err
	}
	referenced := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		referenced[filepath.Clean(p.FilePath)] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return OptimizeReport{}, fmt.Errorf("optimize cache: %w", err)
	}

	var report OptimizeReport
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		orphan := filepath.Ext(e.Name()) == ArtifactExt && !referenced[path]
		if !orphan && !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return report, fmt.Errorf("optimize cache: %w", err)
		}
		report.Removed = append(report.Removed, e.Name())
		report.ReclaimedBytes += info.Size()
	}
	sort.Strings(report.Removed)
	return report, nil
}
