package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ADBReader pulls the snapshot from a device or emulator with
// `adb -s <serial> shell cat <path>`. The store usually needs root to read.
type ADBReader struct {
	Binary  string
	Serial  string
	Path    string
	Timeout time.Duration
}

func NewADBReader(binary, serial, path string, timeout time.Duration) *ADBReader {
	if binary == "" {
		binary = "adb"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ADBReader{Binary: binary, Serial: serial, Path: path, Timeout: timeout}
}

func (r *ADBReader) Describe() string { return "adb:" + r.Serial + ":" + r.Path }

func (r *ADBReader) Read(ctx context.Context) (*Snapshot, error) {
	size, modTime, _ := r.stat(ctx)

	out, err := r.shell(ctx, "cat", r.Path)
	if err != nil {
		return nil, unavailable(r.Describe(), err)
	}
	if size == 0 {
		size = int64(len(out))
	}
	return &Snapshot{Data: out, Size: size, ModTime: modTime}, nil
}

// Check verifies the device answers a trivial shell command.
func (r *ADBReader) Check(ctx context.Context) error {
	out, err := r.shell(ctx, "echo", "connected")
	if err != nil {
		return unavailable(r.Describe(), err)
	}
	if !bytes.Contains(out, []byte("connected")) {
		return unavailable(r.Describe(), fmt.Errorf("unexpected output %q", strings.TrimSpace(string(out))))
	}
	return nil
}

// stat returns size and mtime via toybox stat. Failures are not fatal:
// the cursor digest still detects change.
func (r *ADBReader) stat(ctx context.Context) (int64, time.Time, error) {
	out, err := r.shell(ctx, "stat", "-c", "%s:%Y", r.Path)
	if err != nil {
		return 0, time.Time{}, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), ":", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected stat output %q", out)
	}
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, time.Time{}, err
	}
	sec, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, err
	}
	return size, time.Unix(sec, 0), nil
}

func (r *ADBReader) shell(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	full := append([]string{"-s", r.Serial, "shell"}, args...)
	cmd := exec.CommandContext(ctx, r.Binary, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("adb timed out after %s", r.Timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}
