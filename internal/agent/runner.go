package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Request is the input handed to the containerized agent process.
type Request struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId,omitempty"`
	ChatJID   string `json:"chatJid,omitempty"`
	GroupName string `json:"groupName,omitempty"`
}

// Runner executes the agent process in a group's workspace and returns
// its structured result.
type Runner interface {
	Run(ctx context.Context, workspace string, req Request) (Result, error)
}

// ContainerRunner implements Runner by executing the configured container
// command. The request is written as JSON on stdin; the process prints
// JSON lines on stdout, the last of which is the Result.
type ContainerRunner struct {
	Command string        // runner binary, e.g. "claw-agent"
	Args    []string      // extra args placed before the workspace path
	Timeout time.Duration // wall clock limit per invocation
}

// Run executes one agent invocation.
func (r *ContainerRunner) Run(ctx context.Context, workspace string, req Request) (Result, error) {
	if r.Command == "" {
		return Result{}, fmt.Errorf("agent: runner command is required")
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("agent: marshal request: %w", err)
	}

	args := append(append([]string{}, r.Args...), workspace)
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = workspace
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Use a process group so cancellation kills the entire tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Run(); err != nil {
		// The runner may still have produced a structured error result.
		if res, ok := ParseResult(stdout.String()); ok {
			return res, nil
		}
		return Result{}, fmt.Errorf("agent: run %s: %w (stderr: %s)",
			r.Command, err, truncate(stderr.String(), 500))
	}

	res, ok := ParseResult(stdout.String())
	if !ok {
		return Result{}, fmt.Errorf("agent: no result in runner output (%d bytes)", stdout.Len())
	}
	return res, nil
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
