package rules

import (
	"sort"
	"sync"
)

// Store is the authoritative mapping of target name to Rule.
// The lock covers the in-memory update only; callers work on the returned copies.
type Store struct {
	rules map[string]Rule
	mu    sync.Mutex
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		rules: make(map[string]Rule),
	}
}

// ReplaceAll discards every entry and inserts rules. Entries with an unrecognised
// target type are dropped. The returned slice is the new full set in input order.
func (s *Store) ReplaceAll(rules []Rule) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules = make(map[string]Rule, len(rules))
	result := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if !rule.TargetType.Valid() {
			continue
		}
		if _, dup := s.rules[rule.Name]; dup {
			// later entries win, keep the first position
			for i := range result {
				if result[i].Name == rule.Name {
					result[i] = rule
				}
			}
		} else {
			result = append(result, rule)
		}
		s.rules[rule.Name] = rule
	}
	return result
}

// ApplyPatch upserts entries carrying a rule and deletes entries without one.
// Deleting an absent key is a no-op. Only upserted rules are returned, in patch order.
func (s *Store) ApplyPatch(patch []PatchEntry) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var upserted []Rule
	for _, entry := range patch {
		if entry.Rule == nil {
			delete(s.rules, entry.Name)
			upserted = dropRule(upserted, entry.Name)
			continue
		}
		if !entry.Rule.TargetType.Valid() {
			continue
		}
		rule := *entry.Rule
		rule.Name = entry.Name
		s.rules[entry.Name] = rule
		upserted = append(dropRule(upserted, entry.Name), rule)
	}
	return upserted
}

// Snapshot returns a copy of all rules sorted by name.
func (s *Store) Snapshot() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		result = append(result, rule)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Get returns the rule stored under name.
func (s *Store) Get(name string) (Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[name]
	return rule, ok
}

// Len returns the number of stored rules.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

func dropRule(list []Rule, name string) []Rule {
	out := list[:0]
	for _, rule := range list {
		if rule.Name != name {
			out = append(out, rule)
		}
	}
	return out
}
