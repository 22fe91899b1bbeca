package rules

import (
	"errors"
	"fmt"
)

// ErrUnknownTargetType is returned for a target type outside {module, if}.
var ErrUnknownTargetType = errors.New("unknown target type")

// TargetType identifies how a rule's name maps to a host adapter.
type TargetType int

const (
	// TargetUnknown is the zero value and is never stored.
	TargetUnknown TargetType = iota
	// TargetModule names a container whose veth peer carries the traffic.
	TargetModule
	// TargetInterface names a host adapter directly.
	TargetInterface
)

// Wire names used in desired-state documents.
const (
	wireModule    = "module"
	wireInterface = "if"
)

// ParseTargetType converts the document form of a target type.
func ParseTargetType(s string) (TargetType, error) {
	switch s {
	case wireModule:
		return TargetModule, nil
	case wireInterface:
		return TargetInterface, nil
	default:
		return TargetUnknown, fmt.Errorf("%w: %q", ErrUnknownTargetType, s)
	}
}

// Valid reports whether t is one of the recognised variants.
func (t TargetType) Valid() bool {
	return t == TargetModule || t == TargetInterface
}

func (t TargetType) String() string {
	switch t {
	case TargetModule:
		return wireModule
	case TargetInterface:
		return wireInterface
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// MarshalText renders the document form so rules serialize the way they were declared.
func (t TargetType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTargetType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses the document form.
func (t *TargetType) UnmarshalText(text []byte) error {
	parsed, err := ParseTargetType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Rule is one shaping declaration. Params is forwarded to the shaping tool verbatim.
type Rule struct {
	Name       string     `json:"name"       yaml:"name"`
	TargetType TargetType `json:"targetType" yaml:"targetType"`
	Params     string     `json:"rule"       yaml:"rule"`
}

// PatchEntry is a single key of an incremental update. A nil Rule deletes the key.
type PatchEntry struct {
	Name string
	Rule *Rule
}
