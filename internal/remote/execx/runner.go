// Package execx runs the external tunnel tooling: bounded one-shot
// commands, PATH discovery, platform install-command resolution, and
// supervision of the single long-lived tunnel child process.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxCapturedOutput bounds how much of a child's output is retained.
const maxCapturedOutput = 64 * 1024

// Result carries the captured output of a completed command.
type Result struct {
	Stdout string
	Stderr string
}

// Run executes a one-shot command bounded by timeout. Non-zero exit and
// timeout both surface as errors carrying the underlying message.
func Run(ctx context.Context, command string, args []string, timeout time.Duration) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)

	var stdout, stderr cappedBuffer
	stdout.limit = maxCapturedOutput
	stderr.limit = maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%s timed out after %s", command, timeout)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return result, fmt.Errorf("%s %s: %w: %s", command, strings.Join(args, " "), err, detail)
		}
		return result, fmt.Errorf("%s %s: %w", command, strings.Join(args, " "), err)
	}

	return result, nil
}

// RunFirstSuccessful tries the argument variants in order and returns the
// first success. Tunnel CLIs change their flags across versions, so callers
// provide the variants newest-first.
func RunFirstSuccessful(ctx context.Context, command string, attempts [][]string, timeout time.Duration) (Result, error) {
	if len(attempts) == 0 {
		return Result{}, errors.New("execx: no argument variants supplied")
	}

	var lastErr error
	for _, args := range attempts {
		result, err := Run(ctx, command, args, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return Result{}, lastErr
}

// cappedBuffer retains at most limit bytes, discarding the excess. The cap
// keeps a noisy child from growing captured output without bound.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
