package shaper

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Call records one Apply invocation on a FakeBackend.
type Call struct {
	Adapter string
	Params  string
}

// FakeBackend records invocations in memory without touching any adapter.
// It backs the --dry-run mode and tests.
type FakeBackend struct {
	calls   []Call
	shown   []string
	stderr  map[string]string
	applied map[string]string
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewFakeBackend creates an empty recording backend.
func NewFakeBackend(logger *zap.Logger) *FakeBackend {
	return &FakeBackend{
		stderr:  make(map[string]string),
		applied: make(map[string]string),
		logger:  logger,
	}
}

// FailAdapter makes subsequent Apply calls for adapter report diagnostic output.
func (f *FakeBackend) FailAdapter(adapter, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stderr[adapter] = stderr
}

func (f *FakeBackend) Apply(_ context.Context, adapter, params string) ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Adapter: adapter, Params: params})
	result := ApplyResult{
		Adapter: adapter,
		Args:    append([]string{adapter}, strings.Fields(params)...),
		Stderr:  f.stderr[adapter],
	}
	result.Output = result.Stderr
	if !result.Failed() {
		f.applied[adapter] = params
	}
	f.logger.Info("dry-run: apply", zap.String("adapter", adapter), zap.String("params", params))
	return result
}

func (f *FakeBackend) Show(_ context.Context, adapter string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.shown = append(f.shown, adapter)
	return f.applied[adapter], nil
}

// Calls returns a copy of the recorded Apply invocations.
func (f *FakeBackend) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Shown returns the adapters Show was called for.
func (f *FakeBackend) Shown() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shown...)
}

// Applied returns the last successfully applied params for adapter.
func (f *FakeBackend) Applied(adapter string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	params, ok := f.applied[adapter]
	return params, ok
}

// Reset forgets recorded calls but keeps applied state.
func (f *FakeBackend) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.shown = nil
}
