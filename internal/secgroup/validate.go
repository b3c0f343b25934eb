package secgroup

import (
	"fmt"
)

// ValidateGroups validates a local group collection: every rule, unique
// names, and that every group reference names a group of the collection.
func ValidateGroups(groups []*Group) error {
	var errs ValidationErrors
	names := make(map[string]bool, len(groups))

	for _, g := range groups {
		if names[g.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("groups[%s]", g.Name),
				Message: "group is defined more than once",
			})
		}
		names[g.Name] = true
		if err := g.Validate(); err != nil {
			errs = append(errs, prefixed("", err)...)
		}
	}

	for _, g := range groups {
		for i, r := range g.Rules.Rules() {
			if r.Group != "" && !names[r.Group] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("groups[%s].rules[%d]", g.Name, i),
					Message: fmt.Sprintf("group %q is referenced but not created", r.Group),
				})
			}
		}
	}
	return errs.Err()
}

// Index returns the groups keyed by name. Later duplicates win.
func Index(groups []*Group) map[string]*Group {
	m := make(map[string]*Group, len(groups))
	for _, g := range groups {
		m[g.Name] = g
	}
	return m
}

// ResolveReferences rewrites remote group identifiers held in rules into
// group names, in place. References that already name a group are kept.
// It returns the identifiers that match no group of the collection; those
// rules keep the raw identifier.
func ResolveReferences(groups []*Group) []string {
	byID := make(map[string]string, len(groups))
	names := make(map[string]bool, len(groups))
	for _, g := range groups {
		if g.ID != "" {
			byID[g.ID] = g.Name
		}
		names[g.Name] = true
	}

	var unresolved []string
	for _, g := range groups {
		changed := false
		rules := g.Rules.Rules()
		for i, r := range rules {
			if r.Group == "" || names[r.Group] {
				continue
			}
			name, ok := byID[r.Group]
			if !ok {
				unresolved = append(unresolved, r.Group)
				continue
			}
			rules[i].Group = name
			changed = true
		}
		if changed {
			g.Rules = NewRuleSet(rules...)
		}
	}
	return unresolved
}
