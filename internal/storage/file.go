package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "shopwatch/pkg/logx"
)

// JSONFile is a single JSON snapshot on disk, replaced atomically on every Save.
type JSONFile[T any] struct {
	path   string
	noSync bool
	log    logx.Logger
	now    func() time.Time

	mu sync.Mutex
}

func NewJSONFile[T any](path string, noSync bool, log logx.Logger) *JSONFile[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &JSONFile[T]{path: path, noSync: noSync, log: log, now: time.Now}
}

func (f *JSONFile[T]) Path() string { return f.path }

// Save writes v to <path>.tmp, syncs it and renames it over path.
func (f *JSONFile[T]) Save(ctx context.Context, v *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(f.path), err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.path, b, 0o644, !f.noSync)
}

// Load decodes the snapshot. A missing file yields (nil, LoadMissing). A file that
// cannot be decoded is quarantined and yields (nil, LoadQuarantined).
func (f *JSONFile[T]) Load(ctx context.Context) (*T, LoadResult) {
	if err := ctx.Err(); err != nil {
		return nil, LoadResult{Status: LoadUnreadable, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, LoadResult{Status: LoadMissing}
	case err != nil:
		return nil, f.quarantineLocked(fmt.Errorf("read %s: %w", f.path, err))
	}

	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, f.quarantineLocked(fmt.Errorf("decode %s: %w", f.path, err))
	}
	return &v, LoadResult{Status: LoadOK}
}

func (f *JSONFile[T]) quarantineLocked(cause error) LoadResult {
	dst, err := quarantine(f.path, f.now())
	if err != nil {
		f.log.Error("snapshot unreadable and could not be moved aside", logx.String("path", f.path), logx.Err(cause), logx.Any("rename_err", err))
		return LoadResult{Status: LoadUnreadable, Err: cause}
	}
	f.log.Warn("snapshot corrupt; quarantined", logx.String("path", f.path), logx.String("moved_to", dst), logx.Err(cause))
	return LoadResult{Status: LoadQuarantined, QuarantinedTo: dst, Err: cause}
}

// writeFileAtomic replaces path with data so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode, sync bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return err
	}
	if sync {
		if err := fh.Sync(); err != nil {
			_ = fh.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if sync {
		syncDir(dir)
	}
	return nil
}

// syncDir makes the rename durable. Not all platforms support syncing a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// quarantine renames path to <path>.corrupt-<yyyymmddThhmmss>.
func quarantine(path string, now time.Time) (string, error) {
	dst := path + ".corrupt-" + now.UTC().Format("20060102T150405")
	if _, err := os.Stat(dst); err == nil {
		// Two quarantines within the same second.
		dst += fmt.Sprintf("-%09d", now.Nanosecond())
	}
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}
