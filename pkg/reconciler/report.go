package reconciler

import "fmt"

// Outcome is what happened to a single rule during a pass.
type Outcome int

const (
	// Applied means the shaping tool ran without diagnostic output.
	Applied Outcome = iota + 1
	// ToolFailed means the tool ran but reported diagnostics; the batch continued.
	ToolFailed
	// Aborted marks the rule that stopped the batch.
	Aborted
	// Skipped marks rules left unprocessed after an abort.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case ToolFailed:
		return "tool_failed"
	case Aborted:
		return "aborted"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText lets reports be rendered as JSON by the HTTP API.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for _, candidate := range []Outcome{Applied, ToolFailed, Aborted, Skipped} {
		if candidate.String() == string(text) {
			*o = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Result describes one selected rule.
type Result struct {
	Name    string  `json:"name"`
	Adapter string  `json:"adapter,omitempty"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
	Output  string  `json:"output,omitempty"`
}

// Report is the structured result of ApplyRules.
type Report struct {
	Target  string   `json:"target"`
	Results []Result `json:"results"`
	// Err is set when the pass was cut short by an unexpected failure.
	Err error `json:"-"`
}

// Aborted reports whether the batch stopped before processing every selected rule.
func (r Report) Aborted() bool {
	if r.Err != nil {
		return true
	}
	for _, result := range r.Results {
		if result.Outcome == Aborted {
			return true
		}
	}
	return false
}

// Attempted returns the names of rules for which the shaping tool was invoked.
func (r Report) Attempted() []string {
	var names []string
	for _, result := range r.Results {
		if result.Outcome == Applied || result.Outcome == ToolFailed {
			names = append(names, result.Name)
		}
	}
	return names
}

// Count returns how many results have the given outcome.
func (r Report) Count(outcome Outcome) int {
	n := 0
	for _, result := range r.Results {
		if result.Outcome == outcome {
			n++
		}
	}
	return n
}
