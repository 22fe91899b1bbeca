package shaper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// CommandBackend drives external tools in the tcset/tcshow style:
// "<apply> <adapter> <args...>" and "<show> <adapter>".
type CommandBackend struct {
	applyCommand string
	showCommand  string
	logger       *zap.Logger
}

// NewCommandBackend creates a backend invoking the given executables.
func NewCommandBackend(applyCommand, showCommand string, logger *zap.Logger) *CommandBackend {
	return &CommandBackend{
		applyCommand: applyCommand,
		showCommand:  showCommand,
		logger:       logger,
	}
}

// Apply runs the apply command. A non-zero exit alone does not mark the result failed.
func (b *CommandBackend) Apply(ctx context.Context, adapter, params string) ApplyResult {
	args := append([]string{adapter}, strings.Fields(params)...)
	result := ApplyResult{Adapter: adapter, Args: args}

	stdout, stderr, combined, err := run(ctx, b.applyCommand, args)
	result.Stdout = stdout
	result.Stderr = stderr
	result.Output = combined
	if err != nil {
		result.Err = fmt.Errorf("failed to run %s: %w", b.applyCommand, err)
	}

	b.logger.Debug("apply command finished",
		zap.String("command", b.applyCommand),
		zap.Strings("args", args),
		zap.String("output", combined),
	)
	return result
}

// Show runs the show command and returns its combined output.
func (b *CommandBackend) Show(ctx context.Context, adapter string) (string, error) {
	_, _, combined, err := run(ctx, b.showCommand, []string{adapter})
	if err != nil {
		return combined, fmt.Errorf("failed to run %s: %w", b.showCommand, err)
	}
	return combined, nil
}

// run executes name with args. Exit errors are swallowed: only start failures are returned.
func run(ctx context.Context, name string, args []string) (string, string, string, error) {
	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	return stdout.String(), stderr.String(), combined.String(), err
}

// lockedBuffer is shared by the stdout and stderr copy goroutines of exec.Cmd.
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
