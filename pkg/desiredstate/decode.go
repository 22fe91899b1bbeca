package desiredstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/easzlab/eztc/pkg/rules"
	"github.com/go-playground/validator/v10"
)

const (
	keyDesired = "desired"
	keyRules   = "rules"
)

var validate = validator.New()

// ConfigError reports a desired-state document that could not be used as delivered.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid desired state: %s: %v", e.Reason, e.Err)
	}
	return "invalid desired state: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ruleEntry is the document form of a rule.
type ruleEntry struct {
	TargetType string  `json:"targetType" validate:"required,oneof=module if"`
	Rule       *string `json:"rule"       validate:"required"`
}

// decodeObject splits a JSON object into its top-level members.
func decodeObject(doc []byte) (map[string]json.RawMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(doc, &members); err != nil {
		return nil, &ConfigError{Reason: "document is not a JSON object", Err: err}
	}
	return members, nil
}

// decodeRules decodes a "rules" mapping in document order. A null value yields an
// entry without a rule. An entry that fails validation is kept in place as a rule
// with TargetUnknown so the store skips it and the reconciler stops the batch there;
// every rejected entry is reported in the returned *ConfigError.
func decodeRules(raw json.RawMessage) ([]rules.PatchEntry, error) {
	if isNull(raw) {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	token, err := decoder.Token()
	if err != nil {
		return nil, &ConfigError{Reason: "rules", Err: err}
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, &ConfigError{Reason: "rules must be an object"}
	}

	var (
		entries  []rules.PatchEntry
		rejected []string
		errs     []error
	)
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return entries, &ConfigError{Reason: "rules", Err: err}
		}
		name, _ := token.(string)

		var value json.RawMessage
		if err := decoder.Decode(&value); err != nil {
			return entries, &ConfigError{Reason: fmt.Sprintf("rule %q", name), Err: err}
		}

		if isNull(value) {
			entries = append(entries, rules.PatchEntry{Name: name})
			continue
		}

		rule, err := decodeRule(name, value)
		if err != nil {
			rejected = append(rejected, name)
			errs = append(errs, err)
		}
		entries = append(entries, rules.PatchEntry{Name: name, Rule: rule})
	}

	if _, err := decoder.Token(); err != nil && !errors.Is(err, io.EOF) {
		return entries, &ConfigError{Reason: "rules", Err: err}
	}
	if len(rejected) > 0 {
		return entries, &ConfigError{
			Reason: fmt.Sprintf("rejected rules %s", strings.Join(rejected, ", ")),
			Err:    errors.Join(errs...),
		}
	}
	return entries, nil
}

// decodeRule always returns a rule. On error its TargetType is TargetUnknown.
func decodeRule(name string, value json.RawMessage) (*rules.Rule, error) {
	rejected := &rules.Rule{Name: name, TargetType: rules.TargetUnknown}

	var entry ruleEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return rejected, fmt.Errorf("rule %q: %w", name, err)
	}
	if entry.Rule != nil {
		rejected.Params = *entry.Rule
	}
	if err := validate.Struct(entry); err != nil {
		return rejected, fmt.Errorf("rule %q: %w", name, err)
	}

	targetType, err := rules.ParseTargetType(entry.TargetType)
	if err != nil {
		return rejected, fmt.Errorf("rule %q: %w", name, err)
	}

	return &rules.Rule{
		Name:       name,
		TargetType: targetType,
		Params:     *entry.Rule,
	}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// ParseFullState decodes a full document into its rule set, in document order. ok is
// false when the document has no desired/rules keys or rules is null. Null entries
// are dropped; rejected entries stay in place with TargetUnknown.
func ParseFullState(doc []byte) (ruleSet []rules.Rule, ok bool, err error) {
	members, err := decodeObject(doc)
	if err != nil {
		return nil, false, err
	}
	desiredRaw, found := members[keyDesired]
	if !found {
		return nil, false, nil
	}
	desired, err := decodeObject(desiredRaw)
	if err != nil {
		return nil, false, err
	}
	rulesRaw, found := desired[keyRules]
	if !found || isNull(rulesRaw) {
		return nil, false, nil
	}

	entries, err := decodeRules(rulesRaw)
	for _, entry := range entries {
		if entry.Rule != nil {
			ruleSet = append(ruleSet, *entry.Rule)
		}
	}
	return ruleSet, true, err
}

// ParsePatch decodes a patch document. ok is false when the document has no rules key.
func ParsePatch(doc []byte) (entries []rules.PatchEntry, ok bool, err error) {
	members, err := decodeObject(doc)
	if err != nil {
		return nil, false, err
	}
	rulesRaw, found := members[keyRules]
	if !found {
		return nil, false, nil
	}
	entries, err = decodeRules(rulesRaw)
	return entries, true, err
}
