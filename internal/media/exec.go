// Package media wraps the ffmpeg and ffprobe command line tools.
package media

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"scene-render-service/internal/pkg/errors"
)

// maxStderr bounds how much tool output is carried in an error message.
const maxStderr = 2000

// Runner executes an external tool and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs tools with os/exec; the process is killed when ctx ends.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// RunFFmpeg runs ffmpeg once and classifies failures: a context deadline is
// TIMEOUT, anything else is RENDER_FAILED carrying the tail of stderr.
func RunFFmpeg(ctx context.Context, r Runner, bin string, args []string) error {
	const op = "media.ffmpeg"
	_, stderr, err := r.Run(ctx, bin, args...)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Timeout("ffmpeg")
	}
	return errors.WrapWithCode(err, errors.CodeRenderFailed, op, "ffmpeg failed").
		WithField("stderr", Tail(string(stderr)))
}

// Tail returns the last part of tool output, trimmed.
func Tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderr {
		return s
	}
	return s[len(s)-maxStderr:]
}

// DryRun renders a command line for logs.
func DryRun(bin string, args []string) string {
	return bin + " " + strings.Join(args, " ")
}
