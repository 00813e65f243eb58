package reply

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// EnvRequestPath names the env var carrying the staged request path.
const EnvRequestPath = "WXBRIDGE_REPLY_REQUEST"

// Argument placeholders expanded by ExecSender.
const (
	PlaceholderRequest = "{request}"
	PlaceholderTarget  = "{target}"
	PlaceholderContent = "{content}"
	PlaceholderIsGroup = "{is_group}"
)

const execWaitDelay = 2 * time.Second

// ExecSender runs an external command per request. Args may use placeholders;
// when none of them references {request} the request path is appended as the
// last argument. The request path is also exported in WXBRIDGE_REPLY_REQUEST.
type ExecSender struct {
	Command string
	Args    []string
}

func (s *ExecSender) Send(ctx context.Context, h Handoff) (string, error) {
	if s.Command == "" {
		return "", fmt.Errorf("reply.command is not configured")
	}

	args := make([]string, 0, len(s.Args)+1)
	hasRequest := false
	r := strings.NewReplacer(
		PlaceholderRequest, h.Path,
		PlaceholderTarget, h.Request.Target,
		PlaceholderContent, h.Request.Content,
		PlaceholderIsGroup, strconv.FormatBool(h.Request.IsGroup),
	)
	for _, a := range s.Args {
		if strings.Contains(a, PlaceholderRequest) {
			hasRequest = true
		}
		args = append(args, r.Replace(a))
	}
	if !hasRequest {
		args = append(args, h.Path)
	}

	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Env = append(os.Environ(), EnvRequestPath+"="+h.Path)
	cmd.WaitDelay = execWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}
