package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "newsrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetFingerprint(ctx context.Context, key string) (FingerprintRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, item_id, shingles, created_at, expires_at FROM fingerprints WHERE key = ?`, key)
	rec, err := scanFingerprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FingerprintRecord{}, false, nil
	}
	if err != nil {
		return FingerprintRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) PutFingerprintIfAbsent(ctx context.Context, rec FingerprintRecord, at time.Time) (bool, error) {
	if strings.TrimSpace(rec.Key) == "" {
		return false, errors.New("fingerprint key is empty")
	}
	sh, err := encodeShingles(rec.Shingles)
	if err != nil {
		return false, err
	}
	now := at.UnixMilli()
	// An existing row is only replaced once it has expired.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints(key, item_id, shingles, created_at, expires_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   item_id=excluded.item_id, shingles=excluded.shingles,
		   created_at=excluded.created_at, expires_at=excluded.expires_at
		 WHERE fingerprints.expires_at > 0 AND fingerprints.expires_at <= ?`,
		rec.Key, nullStr(rec.ItemID), sh, rec.CreatedAt.UnixMilli(), unixMilliOrZero(rec.ExpiresAt), now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, err := s.db.ExecContext(pctx, `DELETE FROM fingerprints WHERE expires_at > 0 AND expires_at <= ?`, now); err != nil {
			s.log.Debug("fingerprint prune failed", logx.Err(err))
		}
		cancel()
	}
	return n > 0, nil
}

func (s *sqliteStore) DeleteFingerprint(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) ExpiredFingerprints(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM fingerprints WHERE expires_at > 0 AND expires_at <= ? LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentFingerprints(ctx context.Context, since, now time.Time, limit int) ([]FingerprintRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, item_id, shingles, created_at, expires_at FROM fingerprints
		 WHERE created_at >= ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY created_at DESC LIMIT ?`,
		since.UnixMilli(), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FingerprintRecord
	for rows.Next() {
		rec, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendJob(ctx context.Context, e JobEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(at, job_id, item_id, platform, state, attempts, post_id, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.JobID, e.ItemID, e.Platform, e.State, e.Attempts,
		nullStr(e.PostID), nullStr(e.Error),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(r rowScanner) (FingerprintRecord, error) {
	var (
		rec       FingerprintRecord
		itemID    sql.NullString
		shingles  sql.NullString
		createdMs int64
		expiresMs int64
	)
	if err := r.Scan(&rec.Key, &itemID, &shingles, &createdMs, &expiresMs); err != nil {
		return FingerprintRecord{}, err
	}
	rec.ItemID = itemID.String
	rec.CreatedAt = time.UnixMilli(createdMs)
	if expiresMs > 0 {
		rec.ExpiresAt = time.UnixMilli(expiresMs)
	}
	if shingles.Valid && shingles.String != "" {
		if err := json.Unmarshal([]byte(shingles.String), &rec.Shingles); err != nil {
			return FingerprintRecord{}, fmt.Errorf("fingerprint %s: shingles: %w", rec.Key, err)
		}
	}
	return rec, nil
}

func encodeShingles(v []uint64) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
