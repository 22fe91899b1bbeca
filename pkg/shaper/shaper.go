package shaper

import "context"

// ApplyResult is the outcome of one shaping tool invocation.
type ApplyResult struct {
	Adapter string
	Args    []string
	Stdout  string
	Stderr  string
	// Output is stdout and stderr interleaved as the tool wrote them.
	Output string
	// Err is set when the tool could not be started at all.
	Err error
}

// Failed reports whether the tool produced diagnostic output or could not run.
// The exit status is deliberately not part of the contract.
func (r ApplyResult) Failed() bool {
	return r.Stderr != "" || r.Err != nil
}

// Backend applies traffic-shaping parameters to host adapters.
type Backend interface {
	// Apply invokes the shaping tool with adapter followed by the whitespace-split params.
	Apply(ctx context.Context, adapter, params string) ApplyResult
	// Show returns the tool's current view of the adapter, for diagnostics only.
	Show(ctx context.Context, adapter string) (string, error)
}
