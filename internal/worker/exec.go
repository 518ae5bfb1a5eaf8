package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/chanq/internal/queue"
)

// ExitDefer is the exit status (EX_TEMPFAIL) that makes ExecHandler defer
// the message by DeferDelay instead of counting a failed attempt.
const ExitDefer = 75

// ExecHandler runs a command per message. The content is written to stdin
// and message metadata is exported as CHANQ_* environment variables.
// A zero exit completes the message; ExitDefer defers it with the command's
// stdout as the new checkpoint; any other status is a failure.
type ExecHandler struct {
	Command    []string
	Dir        string
	DeferDelay time.Duration
}

func (h *ExecHandler) Handle(ctx context.Context, msg queue.Message) error {
	if len(h.Command) == 0 {
		return errors.New("exec handler: empty command")
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Dir = h.Dir
	cmd.Stdin = bytes.NewReader(msg.Content)
	cmd.Env = append(os.Environ(),
		"CHANQ_CHANNEL="+msg.Channel,
		"CHANQ_MESSAGE_ID="+strconv.FormatInt(msg.ID, 10),
		"CHANQ_MESSAGE_NAME="+msg.Name,
		"CHANQ_ATTEMPT="+strconv.Itoa(msg.NumAttempts),
		"CHANQ_STATE="+string(msg.State),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitDefer {
		var state []byte
		if stdout.Len() > 0 {
			state = bytes.TrimRight(stdout.Bytes(), "\r\n")
		}
		return Defer(h.DeferDelay, state)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("exec %s: %w: %s", h.Command[0], err, truncate(msg, 512))
	}
	return fmt.Errorf("exec %s: %w", h.Command[0], err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
