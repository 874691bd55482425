package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Tools locates and runs external binaries. The default implementation
// uses os/exec; tests substitute a fake.
type Tools interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecTools runs binaries from PATH with a per-call timeout.
type ExecTools struct {
	Timeout time.Duration
}

func (t ExecTools) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run executes name and returns its stdout. Stderr is folded into the
// error on failure.
func (t ExecTools) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return nil, fmt.Errorf("%s failed: %w; stderr=%s", name, err, msg)
	}
	return stdout.Bytes(), nil
}

// hasTool reports whether name is on PATH.
func hasTool(t Tools, name string) bool {
	if t == nil || name == "" {
		return false
	}
	_, err := t.LookPath(name)
	return err == nil
}
