package snapshot

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeADB writes an executable standing in for adb. It receives
// "-s <serial> shell <cmd...>" and runs body with the shell command in $@.
func fakeADB(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "adb")
	script := "#!/bin/sh\n" +
		`[ "$1" = "-s" ] && [ "$3" = "shell" ] || { echo "bad args: $*" >&2; exit 2; }` + "\n" +
		"shift 3\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestADBReaderRead(t *testing.T) {
	data := record("Mwu！ : 大家好", "group_with_AI")
	src := filepath.Join(t.TempDir(), "mmkv")
	if err := os.WriteFile(src, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	bin := fakeADB(t, `case "$1" in
  stat) echo "4096:1700000000" ;;
  cat) cat "$2" ;;
esac`)

	r := NewADBReader(bin, "127.0.0.1:5555", src, 5*time.Second)
	snap, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(snap.Data) != data {
		t.Errorf("data = %q", snap.Data)
	}
	if snap.Size != 4096 || !snap.ModTime.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("stat = %d/%v, want 4096/1700000000", snap.Size, snap.ModTime)
	}
	if d := r.Describe(); d != "adb:127.0.0.1:5555:"+src {
		t.Errorf("Describe = %q", d)
	}
}

func TestADBReaderStatFallback(t *testing.T) {
	bin := fakeADB(t, `case "$1" in
  stat) echo "stat: not found" >&2; exit 127 ;;
  cat) printf 'hello' ;;
esac`)

	snap, err := NewADBReader(bin, "emu", "/data/mmkv", 5*time.Second).Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.Size != 5 || !snap.ModTime.IsZero() {
		t.Errorf("fallback stat = %d/%v, want 5/zero", snap.Size, snap.ModTime)
	}
}

func TestADBReaderUnavailable(t *testing.T) {
	bin := fakeADB(t, `echo "error: device offline" >&2; exit 1`)
	r := NewADBReader(bin, "emu", "/data/mmkv", 5*time.Second)

	_, err := r.Read(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("Read err = %v, want ErrSourceUnavailable", err)
	}
	if !strings.Contains(err.Error(), "device offline") {
		t.Errorf("err %q should carry adb stderr", err)
	}
	if err := r.Check(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("Check err = %v", err)
	}
}

func TestADBReaderCheck(t *testing.T) {
	bin := fakeADB(t, `[ "$1" = "echo" ] && shift && echo "$@"`)
	if err := NewADBReader(bin, "emu", "/x", 5*time.Second).Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}

	silent := fakeADB(t, `exit 0`)
	if err := NewADBReader(silent, "emu", "/x", 5*time.Second).Check(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("Check without echo output = %v", err)
	}
}

func TestADBReaderTimeout(t *testing.T) {
	bin := fakeADB(t, `exec sleep 10`)
	start := time.Now()
	_, err := NewADBReader(bin, "emu", "/x", 100*time.Millisecond).Read(context.Background())
	if !errors.Is(err, ErrSourceUnavailable) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("adb was not killed at the deadline")
	}
}
