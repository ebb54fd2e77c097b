package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "wagate/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.dispatch.jsonl (append-only JSON Lines, one line per job)
//   - <prefix>.sessions.jsonl (append-only JSON Lines, one line per event)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	dispatchFile *os.File
	sessionFile  *os.File
}

type dispatchRecord struct {
	At        string `json:"at"`
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
	Total     int    `json:"total"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Media     bool   `json:"media,omitempty"`
	TookMS    int64  `json:"took_ms"`
	Failures  string `json:"failures,omitempty"`
}

type sessionRecord struct {
	At        string `json:"at"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	df, err := os.OpenFile(prefix+".dispatch.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	sf, err := os.OpenFile(prefix+".sessions.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{log: log, dispatchFile: df, sessionFile: sf}, nil
}

func (s *fileStore) AppendDispatch(_ context.Context, e DispatchEntry) error {
	if s == nil || s.dispatchFile == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	rec := dispatchRecord{
		At:        e.At.Format(time.RFC3339Nano),
		SessionID: e.SessionID,
		JobID:     e.JobID,
		Total:     e.Total,
		Sent:      e.Sent,
		Failed:    e.Failed,
		Media:     e.Media,
		TookMS:    e.TookMS,
		Failures:  e.FailuresJSON,
	}
	return s.appendLine(s.dispatchFile, rec)
}

func (s *fileStore) AppendSessionEvent(_ context.Context, e SessionEvent) error {
	if s == nil || s.sessionFile == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	rec := sessionRecord{
		At:        e.At.Format(time.RFC3339Nano),
		SessionID: e.SessionID,
		Kind:      e.Kind,
		Reason:    e.Reason,
	}
	return s.appendLine(s.sessionFile, rec)
}

func (s *fileStore) appendLine(f *os.File, rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = f.Write(b)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, f := range []*os.File{s.dispatchFile, s.sessionFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.dispatchFile = nil
	s.sessionFile = nil
	return first
}
