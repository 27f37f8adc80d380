package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrCommandDenied is returned when a command fails the denied pattern
// or allowed prefix screen.
var ErrCommandDenied = errors.New("command denied")

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 5 * time.Minute
	defaultShellOutput  = 100 << 10
	truncatedMarker     = "\n[output truncated]"
)

// ShellExecConfig mirrors the shell_exec config section with the
// timeout already converted to a duration.
type ShellExecConfig struct {
	Enabled         bool
	WorkingDir      string
	AllowedPrefixes []string
	DeniedPatterns  []string
	DefaultTimeout  time.Duration
	MaxOutputBytes  int
}

// DefaultShellExecConfig returns a disabled executor config that
// blocks a handful of destructive command lines once enabled.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		DeniedPatterns: []string{
			"rm -rf /",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		DefaultTimeout: defaultShellTimeout,
		MaxOutputBytes: defaultShellOutput,
	}
}

// ShellExec is the sandbox backend: each command runs under sh -c in
// the configured working directory.
type ShellExec struct {
	cfg ShellExecConfig
}

// NewShellExec returns an executor for cfg. Zero limits take the
// defaults.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultShellOutput
	}
	return &ShellExec{cfg: cfg}
}

// Enabled reports whether the sandbox accepts commands.
func (s *ShellExec) Enabled() bool {
	return s.cfg.Enabled
}

// ShellResult is the JSON payload returned to the model.
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

// screen rejects command lines containing a denied pattern (case
// folded) or, when prefixes are configured, starting with none of them.
func (s *ShellExec) screen(command string) error {
	folded := strings.ToLower(command)
	for _, pattern := range s.cfg.DeniedPatterns {
		if strings.Contains(folded, strings.ToLower(pattern)) {
			return fmt.Errorf("%w: contains %q", ErrCommandDenied, pattern)
		}
	}
	if len(s.cfg.AllowedPrefixes) == 0 {
		return nil
	}
	for _, prefix := range s.cfg.AllowedPrefixes {
		if strings.HasPrefix(command, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: no allowed prefix matches", ErrCommandDenied)
}

// timeout picks the per-call limit. Non-positive requests use the
// configured default and everything is clamped to maxShellTimeout.
func (s *ShellExec) timeout(requestedSec int) time.Duration {
	d := s.cfg.DefaultTimeout
	if requestedSec > 0 {
		d = time.Duration(requestedSec) * time.Second
	}
	return min(d, maxShellTimeout)
}

// Exec screens and runs command. A non-zero exit or a timeout is
// reported in the result, not as an error.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ShellResult, error) {
	if !s.cfg.Enabled {
		return nil, fmt.Errorf("shell_exec: %w", ErrToolUnavailable)
	}
	if err := s.screen(command); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout(timeoutSec))
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	res := &ShellResult{
		Stdout: capOutput(stdout.Bytes(), s.cfg.MaxOutputBytes),
		Stderr: capOutput(stderr.Bytes(), s.cfg.MaxOutputBytes),
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = "timed out"
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case runErr != nil:
		res.ExitCode = -1
		res.Error = runErr.Error()
	}
	return res, nil
}

// capOutput keeps at most limit bytes of b, cut back to a rune
// boundary, and marks the cut.
func capOutput(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + truncatedMarker
}

// Tool returns the shell_exec tool backed by s. Commands can mutate
// shared state, so the tool is not concurrent-safe.
func (s *ShellExec) Tool() *Tool {
	return &Tool{
		Name:        "shell_exec",
		Description: "Run a shell command in the sandbox and return stdout, stderr and the exit code.",
		Backend:     "sandbox",
		Available:   s.Enabled,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Command line passed to sh -c.",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds. Capped at 300.",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return "", &Error{Code: CodeInvalidArguments, Tool: "shell_exec", Err: fmt.Errorf("command is required")}
			}
			timeoutSec := 0
			if v, ok := args["timeout_sec"].(float64); ok {
				timeoutSec = int(v)
			}
			res, err := s.Exec(ctx, command, timeoutSec)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(res)
			if err != nil {
				return "", fmt.Errorf("encode result: %w", err)
			}
			if res.TimedOut {
				return "", &Error{Code: CodeTimeout, Tool: "shell_exec", Err: fmt.Errorf("command timed out: %s", out)}
			}
			return string(out), nil
		},
	}
}
