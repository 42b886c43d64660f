package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"AgentGuard/internal/tool"
)

// shell 负责启动子进程，转发输出，并处理超时与取消。
type shell struct {
	path    string
	timeout time.Duration
}

type command struct {
	name    string
	args    []string
	dir     string
	timeout time.Duration
}

func (s shell) script(script, dir string, timeout time.Duration) command {
	return command{name: s.path, args: []string{"-c", script}, dir: dir, timeout: timeout}
}

func (s shell) binary(dir string, name string, args ...string) command {
	return command{name: name, args: args, dir: dir, timeout: s.timeout}
}

func (s shell) exec(ctx context.Context, inv tool.Invocation, c command) (tool.Result, error) {
	if c.timeout <= 0 {
		c.timeout = s.timeout
	}
	runCtx, stop := inv.Cancel.Context(ctx)
	defer stop()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, c.timeout)
	defer cancelTimeout()

	cmd := exec.CommandContext(runCtx, c.name, c.args...)
	cmd.Dir = c.dir
	cmd.WaitDelay = 2 * time.Second

	out := &capture{inv: inv}
	cmd.Stdout = out.stream("stdout")
	cmd.Stderr = out.stream("stderr")

	err := cmd.Run()
	switch {
	case inv.Cancel.Cancelled():
		reason := inv.Cancel.Reason()
		inv.Publish(tool.Event{Type: tool.EventCancel, Reason: reason})
		return tool.Result{Success: false, Output: out.String(), Error: "command cancelled: " + reason}, nil
	case ctx.Err() != nil:
		return tool.Result{Success: false, Output: out.String(), Error: "command cancelled"}, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		inv.Publish(tool.Event{Type: tool.EventTimeout})
		return tool.Result{
			Success: false,
			Output:  out.String(),
			Error:   fmt.Sprintf("command timed out after %dms", c.timeout.Milliseconds()),
		}, nil
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := fmt.Sprintf("exit status %d", exitErr.ExitCode())
			if tail := lastLine(out.stderr.String()); tail != "" {
				msg += ": " + tail
			}
			return tool.Result{Success: false, Output: out.String(), Error: msg}, nil
		}
		return tool.Result{Success: false, Output: out.String()}, err
	}
	return tool.Result{Success: true, Output: out.String()}, nil
}

// capture 汇总 stdout/stderr，并把每个片段作为 chunk 事件发出。
type capture struct {
	inv    tool.Invocation
	mu     sync.Mutex
	all    bytes.Buffer
	stderr bytes.Buffer
}

func (c *capture) stream(name string) *streamWriter {
	return &streamWriter{c: c, name: name}
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all.String()
}

type streamWriter struct {
	c    *capture
	name string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	w.c.all.Write(p)
	if w.name == "stderr" {
		w.c.stderr.Write(p)
	}
	w.c.mu.Unlock()
	w.c.inv.Publish(tool.Event{Type: tool.EventChunk, Stream: w.name, Data: string(p)})
	return len(p), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
