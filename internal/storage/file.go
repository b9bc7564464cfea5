package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "timerd/pkg/logx"
)

// fileStore writes <prefix>.runs.jsonl, one RunRecord per line.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := filepath.Join(dir, base) + ".runs.jsonl"
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("run history opened", logx.String("driver", "file"), logx.String("path", runsPath))
	return &fileStore{log: log, path: runsPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.RunID == "" {
		r.RunID = NewRunID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run history file closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) Runs(ctx context.Context, jobID string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, errors.New("run history file closed")
	}
	var out []RunRecord
	err := s.scanLocked(ctx, func(r RunRecord) {
		if jobID == "" || r.JobID == jobID {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune rewrites the file without the expired records and swaps it in.
func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("run history file closed")
	}

	var keep []RunRecord
	removed := 0
	err := s.scanLocked(ctx, func(r RunRecord) {
		if r.at().Before(before) {
			removed++
			return
		}
		keep = append(keep, r)
	})
	if err != nil || removed == 0 {
		return 0, err
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tf)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = tf.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
	}
	if err := tf.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	_ = s.f.Close()
	s.f = nil
	renameErr := os.Rename(tmp, s.path)
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.f = f
	if renameErr != nil {
		_ = os.Remove(tmp)
		return 0, renameErr
	}
	return removed, nil
}

// scanLocked decodes every line of the file. Corrupt lines are skipped.
func (s *fileStore) scanLocked(ctx context.Context, fn func(RunRecord)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	skipped := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.JobID == "" {
			skipped++
			continue
		}
		fn(r)
	}
	if skipped > 0 {
		s.log.Debug("run history lines skipped", logx.Int("count", skipped))
	}
	return sc.Err()
}
