// Package snapshot reads the messaging client's key-value snapshot and turns
// the push-notification records inside it into messages.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrSourceUnavailable marks a snapshot that could not be read at all.
// It is retryable: the poller logs it and tries again next cycle.
var ErrSourceUnavailable = errors.New("snapshot source unavailable")

// Snapshot is one best-effort read of the store.
// The owning app rewrites the file in place, so Data may be torn.
type Snapshot struct {
	Data    []byte
	Size    int64
	ModTime time.Time // zero when the backend cannot report it
}

// Reader reads the current snapshot.
type Reader interface {
	Read(ctx context.Context) (*Snapshot, error)
	// Describe names the source for logs and status.
	Describe() string
}

// unavailable wraps err so errors.Is(err, ErrSourceUnavailable) holds.
func unavailable(src string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, src, err)
}

// FileReader reads the snapshot from a local path.
type FileReader struct {
	Path string
}

func NewFileReader(path string) *FileReader { return &FileReader{Path: path} }

func (r *FileReader) Describe() string { return "file:" + r.Path }

func (r *FileReader) Read(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(r.Path)
	if err != nil {
		return nil, unavailable(r.Path, err)
	}
	if info.IsDir() {
		return nil, unavailable(r.Path, errors.New("is a directory"))
	}
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, unavailable(r.Path, err)
	}
	return &Snapshot{Data: data, Size: int64(len(data)), ModTime: info.ModTime()}, nil
}

// StaticReader serves an in-memory snapshot. Used for fixtures and tests.
// Set replaces the content; SetErr makes subsequent reads fail.
type StaticReader struct {
	mu      sync.Mutex
	data    []byte
	modTime time.Time
	err     error
	reads   int
}

func NewStaticReader(data []byte) *StaticReader {
	return &StaticReader{data: data, modTime: time.Unix(1, 0)}
}

func (r *StaticReader) Describe() string { return "static" }

// Set replaces the snapshot content and bumps its modification time.
func (r *StaticReader) Set(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = data
	r.modTime = r.modTime.Add(time.Second)
	r.err = nil
}

// SetErr makes every subsequent Read fail with ErrSourceUnavailable wrapping err.
func (r *StaticReader) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Reads returns how many times Read was called.
func (r *StaticReader) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func (r *StaticReader) Read(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.err != nil {
		return nil, unavailable("static", r.err)
	}
	data := append([]byte(nil), r.data...)
	return &Snapshot{Data: data, Size: int64(len(data)), ModTime: r.modTime}, nil
}

// Check verifies the snapshot file exists and is readable.
func (r *FileReader) Check(_ context.Context) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return unavailable(r.Path, err)
	}
	return f.Close()
}
