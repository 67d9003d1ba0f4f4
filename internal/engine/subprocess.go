package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zulandar/quoroom/internal/config"
)

// DefaultWaitDelay bounds how long a reasoner process may linger after
// SIGTERM before it is killed.
const DefaultWaitDelay = 10 * time.Second

// maxCapture caps the bytes of stderr kept for error messages.
const maxCapture = 4096

// CommandReasoner runs one CLI subprocess per turn. The StepRequest is
// written to stdin as JSON; stdout is read as stream-json.
type CommandReasoner struct {
	Binary  string
	Args    []string
	WorkDir string
}

// NewCommandReasoner builds a CommandReasoner from configuration.
func NewCommandReasoner(cfg config.ReasonerConfig) *CommandReasoner {
	return &CommandReasoner{Binary: cfg.Command, Args: cfg.Args, WorkDir: cfg.WorkDir}
}

// Step runs the subprocess for one turn.
func (c *CommandReasoner) Step(ctx context.Context, req StepRequest) (*StepResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("engine: encode step request: %w", err)
	}

	cmd := c.buildCommand(ctx, req)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: maxCapture}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	resp, parseErr := ParseStream(stdout.String())
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if isRateLimited(detail) || isRateLimited(resp.ErrorText) {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, firstNonEmpty(detail, resp.ErrorText))
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("engine: reasoner: %w", ctx.Err())
		}
		return nil, fmt.Errorf("engine: reasoner exited: %w: %s", runErr, firstNonEmpty(detail, resp.ErrorText))
	}
	if resp.ErrorText != "" {
		if isRateLimited(resp.ErrorText) {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, resp.ErrorText)
		}
		return nil, fmt.Errorf("engine: reasoner error: %s", resp.ErrorText)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return &resp.StepResponse, nil
}

// buildCommand constructs the exec.Cmd for one turn.
func (c *CommandReasoner) buildCommand(ctx context.Context, req StepRequest) *exec.Cmd {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}
	args := append([]string(nil), c.Args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = DefaultWaitDelay
	return cmd
}

var rateLimitMarkers = []string{"rate limit", "rate_limit", "ratelimit", "overloaded", "too many requests"}

// rateLimitStatus matches a 429 reported as a status, not any 429 digit run.
var rateLimitStatus = regexp.MustCompile(`\b(?:status|code|http|error)\W{0,3}429\b`)

func isRateLimited(s string) bool {
	s = strings.ToLower(s)
	for _, m := range rateLimitMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return rateLimitStatus.MatchString(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var errNoOutput = errors.New("engine: reasoner produced no output")
