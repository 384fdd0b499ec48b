package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore provides atomic file-based record storage with secure permissions.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string

	mu sync.Mutex
	// rename is os.Rename, replaceable in tests to simulate an interrupted write.
	rename func(oldpath, newpath string) error
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath: filePath,
		rename:   os.Rename,
	}, nil
}

// Path returns the canonical location of the record file.
func (f *FileStore) Path() string {
	return f.filePath
}

// Load returns the stored record. A missing file, insecure permissions or
// malformed content are reported as absent.
func (f *FileStore) Load(ctx context.Context) (Record, bool) {
	if err := ctx.Err(); err != nil {
		return Record{}, false
	}

	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.WarnContext(ctx, "token file not accessible", "path", f.filePath, "error", err)
		}
		return Record{}, false
	}
	if info.Mode().Perm() != 0600 {
		slog.WarnContext(ctx, "ignoring token file with insecure permissions",
			"path", f.filePath, "mode", fmt.Sprintf("%04o", info.Mode().Perm()),
			"hint", "chmod 600 "+f.filePath)
		return Record{}, false
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		slog.WarnContext(ctx, "failed to read token file", "path", f.filePath, "error", err)
		return Record{}, false
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		slog.WarnContext(ctx, "ignoring malformed token file", "path", f.filePath, "error", err)
		return Record{}, false
	}
	return record, true
}

// Save atomically replaces the record using temp file + rename. The temp file
// lives in the same directory so the rename never crosses filesystems.
func (f *FileStore) Save(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// CreateTemp opens with 0600, so the record is never world-readable
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(f.filePath)+"-*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// No-op after a successful rename
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := f.rename(tempName, f.filePath); err != nil {
		return fmt.Errorf("replacing %s: %w", f.filePath, err)
	}

	return nil
}
