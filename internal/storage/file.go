package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "newsrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.jsonl          (append-only JSON Lines)
//   - <prefix>.fp.snapshot.json    (periodic snapshot)
//   - <prefix>.fp.journal.jsonl    (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobsFile *os.File

	snapshotPath string
	journalFile  *os.File
	fps          map[string]FingerprintRecord

	writes       int
	compactEvery int
}

type journalOp struct {
	Op  string            `json:"op"` // put | del
	Rec FingerprintRecord `json:"rec"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jobs, err := os.OpenFile(prefix+".jobs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".fp.snapshot.json"
	journalPath := prefix + ".fp.journal.jsonl"
	fps := map[string]FingerprintRecord{}
	if err := loadSnapshot(snapPath, fps); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("fingerprint snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, fps); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("fingerprint journal replay failed", logx.Err(err))
	}
	pruneExpired(fps, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = jobs.Close()
		return nil, err
	}

	log.Debug("file storage opened", logx.String("prefix", prefix), logx.Int("fingerprints", len(fps)))
	return &fileStore{
		log:          log,
		jobsFile:     jobs,
		snapshotPath: snapPath,
		journalFile:  jf,
		fps:          fps,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		errs = append(errs, s.compactLocked())
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.jobsFile != nil {
		errs = append(errs, s.jobsFile.Close())
		s.jobsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) GetFingerprint(ctx context.Context, key string) (FingerprintRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return FingerprintRecord{}, false, ErrClosed
	}
	r, ok := s.fps[key]
	return r, ok, nil
}

func (s *fileStore) PutFingerprintIfAbsent(ctx context.Context, rec FingerprintRecord, now time.Time) (bool, error) {
	if strings.TrimSpace(rec.Key) == "" {
		return false, errors.New("fingerprint key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	if cur, ok := s.fps[rec.Key]; ok && !cur.Expired(now) {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "put", Rec: rec}); err != nil {
		return false, err
	}
	s.fps[rec.Key] = rec
	return true, nil
}

func (s *fileStore) DeleteFingerprint(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.fps[key]; !ok {
		return nil
	}
	delete(s.fps, key)
	return s.appendLocked(journalOp{Op: "del", Rec: FingerprintRecord{Key: key}})
}

func (s *fileStore) ExpiredFingerprints(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, r := range s.fps {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r.Expired(now) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fileStore) RecentFingerprints(ctx context.Context, since, now time.Time, limit int) ([]FingerprintRecord, error) {
	s.mu.Lock()
	out := make([]FingerprintRecord, 0, len(s.fps))
	for _, r := range s.fps {
		if !r.CreatedAt.Before(since) && !r.Expired(now) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	return newestFirst(out, limit), nil
}

func (s *fileStore) AppendJob(ctx context.Context, e JobEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.jobsFile).Encode(e)
}

func (s *fileStore) appendLocked(op journalOp) error {
	if err := json.NewEncoder(s.journalFile).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("fingerprint compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.fps, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.fps); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]FingerprintRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]FingerprintRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]FingerprintRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Rec.Key == "" {
			continue
		}
		switch op.Op {
		case "put":
			out[op.Rec.Key] = op.Rec
		case "del":
			delete(out, op.Rec.Key)
		}
	}
	return sc.Err()
}

func pruneExpired(m map[string]FingerprintRecord, now time.Time) {
	for k, r := range m {
		if r.Expired(now) {
			delete(m, k)
		}
	}
}
