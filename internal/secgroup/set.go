package secgroup

import (
	"slices"
)

// RuleSet is an insertion-ordered set of rules keyed by RuleKey. Adding a
// rule equal to one already present is a no-op.
type RuleSet struct {
	order []RuleKey
	rules map[RuleKey]Rule
}

// NewRuleSet returns a set holding rules.
func NewRuleSet(rules ...Rule) *RuleSet {
	s := &RuleSet{}
	for _, r := range rules {
		s.Add(r)
	}
	return s
}

// Add inserts r and reports whether the set changed.
func (s *RuleSet) Add(r Rule) bool {
	if s.rules == nil {
		s.rules = make(map[RuleKey]Rule)
	}
	k := r.Key()
	if _, ok := s.rules[k]; ok {
		return false
	}
	s.rules[k] = r
	s.order = append(s.order, k)
	return true
}

// Remove deletes the rule equal to r and reports whether it was present.
func (s *RuleSet) Remove(r Rule) bool {
	k := r.Key()
	if _, ok := s.rules[k]; !ok {
		return false
	}
	delete(s.rules, k)
	s.order = slices.DeleteFunc(s.order, func(o RuleKey) bool { return o == k })
	return true
}

// Contains reports whether a rule equal to r is present.
func (s *RuleSet) Contains(r Rule) bool {
	if s == nil {
		return false
	}
	_, ok := s.rules[r.Key()]
	return ok
}

// Get returns the stored rule equal to r. The stored rule carries its
// remote identifier, if any.
func (s *RuleSet) Get(r Rule) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	got, ok := s.rules[r.Key()]
	return got, ok
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Rules returns the rules in insertion order.
func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.rules[k])
	}
	return out
}

// Sorted returns the rules ordered by key.
func (s *RuleSet) Sorted() []Rule {
	out := s.Rules()
	slices.SortFunc(out, func(a, b Rule) int { return compareKeys(a.Key(), b.Key()) })
	return out
}

// Keys returns the rule keys in insertion order.
func (s *RuleSet) Keys() []RuleKey {
	if s == nil {
		return nil
	}
	return slices.Clone(s.order)
}

// Difference returns the rules of s that are not in o.
func (s *RuleSet) Difference(o *RuleSet) []Rule {
	var out []Rule
	for _, r := range s.Rules() {
		if !o.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// Intersection returns the rules of s that are also in o.
func (s *RuleSet) Intersection(o *RuleSet) []Rule {
	var out []Rule
	for _, r := range s.Rules() {
		if o.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// Equal reports whether both sets hold the same rules, ignoring order.
func (s *RuleSet) Equal(o *RuleSet) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, k := range s.Keys() {
		if _, ok := o.rules[k]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of s.
func (s *RuleSet) Clone() *RuleSet {
	return NewRuleSet(s.Rules()...)
}
