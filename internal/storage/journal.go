package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	logx "shopwatch/pkg/logx"
)

// Journal is an append-only JSON Lines file. It is compacted on open so it stays
// bounded across restarts.
type Journal struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenJournal opens path for appending, keeping at most keep trailing records
// (keep <= 0 keeps everything).
func OpenJournal(path string, keep int, log logx.Logger) (*Journal, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if keep > 0 {
		if err := compactJournal(path, keep); err != nil {
			log.Warn("journal compact failed", logx.String("path", path), logx.Err(err))
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Journal{log: log, path: path, f: f}, nil
}

func (j *Journal) Append(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("journal closed")
	}
	_, err = j.f.Write(b)
	return err
}

// Tail returns the last n raw records, oldest first.
func (j *Journal) Tail(n int) ([]json.RawMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return readTail(j.path, n)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func readTail(path string, n int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if !json.Valid(line) {
			continue
		}
		out = append(out, append(json.RawMessage(nil), line...))
		if n > 0 && len(out) > 2*n {
			out = append(out[:0:0], out[len(out)-n:]...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func compactJournal(path string, keep int) error {
	recs, err := readTail(path, keep)
	if err != nil || recs == nil {
		return err
	}
	var buf []byte
	for _, r := range recs {
		buf = append(buf, r...)
		buf = append(buf, '\n')
	}
	return writeFileAtomic(path, buf, 0o600, true)
}
