package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	pq "github.com/lib/pq"
)

// SQLConfig describes the relational database backing a SQLStore.
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MaxBytes        int64
	AutoMigrate     bool
}

// SQLStore is a Cache kept in a relational database, one row per entry.
// Recency is tracked in a last_access column so eviction can follow the
// same LRU-with-hysteresis policy as the disk cache. Useful when several
// processes share one cache.
type SQLStore struct {
	mu sync.Mutex

	db          *sql.DB
	maxBytes    int64
	autoMigrate bool
	log         *slog.Logger
}

// NewSQLStore opens the database described by cfg. Initialize applies the
// schema when AutoMigrate is set.
func NewSQLStore(cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql cache config missing driver or dsn")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDiskBytes
	}
	return &SQLStore{
		db:          db,
		maxBytes:    maxBytes,
		autoMigrate: cfg.AutoMigrate,
		log:         logger,
	}, nil
}

// Initialize applies the schema when auto-migration is enabled.
func (s *SQLStore) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.autoMigrate {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
		    key TEXT PRIMARY KEY,
		    data BYTEA NOT NULL,
		    etag TEXT NOT NULL DEFAULT '',
		    server_date BIGINT NOT NULL DEFAULT 0,
		    last_modified BIGINT NOT NULL DEFAULT 0,
		    ttl BIGINT NOT NULL DEFAULT 0,
		    soft_ttl BIGINT NOT NULL DEFAULT 0,
		    headers JSONB NOT NULL DEFAULT '{}',
		    size BIGINT NOT NULL,
		    last_access TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_last_access
		    ON cache_entries (last_access)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.Error("apply cache schema", "error", err)
			return
		}
	}
}

// Get returns the entry for key, updating its recency, or nil.
func (s *SQLStore) Get(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		UPDATE cache_entries SET last_access = now() WHERE key = $1
		RETURNING data, etag, server_date, last_modified, ttl, soft_ttl, headers`,
		key)

	var (
		entry      Entry
		rawHeaders []byte
	)
	err := row.Scan(&entry.Data, &entry.ETag, &entry.ServerDate,
		&entry.LastModified, &entry.TTL, &entry.SoftTTL, &rawHeaders)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		s.log.Debug("cache row read failed", "key", key, "error", err)
		s.removeLocked(key)
		return nil
	}
	if err := json.Unmarshal(rawHeaders, &entry.ResponseHeaders); err != nil {
		s.log.Debug("cache row headers corrupt", "key", key, "error", err)
		s.removeLocked(key)
		return nil
	}
	if entry.ResponseHeaders == nil {
		entry.ResponseHeaders = map[string]string{}
	}
	return &entry
}

// Put stores entry under key, pruning old rows to keep the table under its
// byte cap.
func (s *SQLStore) Put(key string, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(int64(len(entry.Data)))

	rawHeaders, err := json.Marshal(entry.ResponseHeaders)
	if err != nil {
		s.log.Debug("cache row headers unencodable", "key", key, "error", err)
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
		    (key, data, etag, server_date, last_modified, ttl, soft_ttl, headers, size, last_access)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (key) DO UPDATE SET
		    data = EXCLUDED.data, etag = EXCLUDED.etag,
		    server_date = EXCLUDED.server_date, last_modified = EXCLUDED.last_modified,
		    ttl = EXCLUDED.ttl, soft_ttl = EXCLUDED.soft_ttl,
		    headers = EXCLUDED.headers, size = EXCLUDED.size, last_access = now()`,
		key, entry.Data, entry.ETag, entry.ServerDate, entry.LastModified,
		entry.TTL, entry.SoftTTL, rawHeaders, len(entry.Data))
	if err != nil {
		s.log.Debug("cache row write failed", "key", key, "error", err)
	}
}

// Invalidate expires the row for key in place.
func (s *SQLStore) Invalidate(key string, fullExpire bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := opCtx()
	defer cancel()

	query := `UPDATE cache_entries SET soft_ttl = 0 WHERE key = $1`
	if fullExpire {
		query = `UPDATE cache_entries SET soft_ttl = 0, ttl = 0 WHERE key = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		s.log.Debug("cache row invalidate failed", "key", key, "error", err)
	}
}

// Remove deletes the row for key.
func (s *SQLStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// Clear deletes every row.
func (s *SQLStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := opCtx()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		s.log.Debug("cache clear failed", "error", err)
	}
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) removeLocked(key string) {
	ctx, cancel := opCtx()
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		s.log.Debug("cache row delete failed", "key", key, "error", err)
	}
}

// pruneLocked deletes least-recently-accessed rows until the stored bytes
// plus the incoming entry fit under the cap with the usual hysteresis.
func (s *SQLStore) pruneLocked(needed int64) {
	ctx, cancel := opCtx()
	defer cancel()

	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&total); err != nil {
		if !isUndefinedTableErr(err) {
			s.log.Debug("cache size query failed", "error", err)
		}
		return
	}
	current := total.Int64
	if float64(current+needed) < float64(s.maxBytes) {
		return
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, size FROM cache_entries ORDER BY last_access ASC`)
	if err != nil {
		s.log.Debug("cache prune scan failed", "error", err)
		return
	}
	defer rows.Close()

	var victims []string
	for rows.Next() {
		var (
			key  string
			size int64
		)
		if err := rows.Scan(&key, &size); err != nil {
			break
		}
		victims = append(victims, key)
		current -= size
		if float64(current+needed) < float64(s.maxBytes)*hysteresisFactor {
			break
		}
	}
	if len(victims) == 0 {
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key = ANY($1)`, pq.Array(victims)); err != nil {
		s.log.Debug("cache prune delete failed", "error", err)
	}
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
