package reply

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
)

const spoolPrefix = "reply-"

// spool stages reply requests as files for external senders.
type spool struct {
	dir string
}

// write creates a uniquely named request file. UUIDv7 names are time-ordered
// and random within the same millisecond; O_EXCL turns any collision into an error.
func (s spool) write(req bus.ReplyRequest) (string, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("request id: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, spoolPrefix+id.String()+".json")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("create request file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
