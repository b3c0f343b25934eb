package secgroup

import (
	"fmt"
	"slices"
	"strings"

	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/remote"
)

// DefaultGroupName is the group every project owns implicitly. It is never
// reconciled.
const DefaultGroupName = "default"

// Definition is a group as described in configuration.
type Definition struct {
	Name        string      `yaml:"-" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string    `yaml:"tags,omitempty" json:"tags,omitempty"`
	Rules       []RuleEntry `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Options controls which rules group construction keeps.
type Options struct {
	// Egress keeps egress rules. When false only ingress rules are managed,
	// on both the local and the remote side.
	Egress bool
}

func (o Options) keep(r Rule) bool {
	return o.Egress || r.EffectiveDirection() == Ingress
}

// Group is a named collection of rules.
//
// ID and Project are only set for groups read from the control plane.
type Group struct {
	Name        string
	Description string // empty: same as Name
	Tags        []string
	Rules       *RuleSet

	ID      string
	Project string
}

// NewGroup returns a local group holding rules.
func NewGroup(name, description string, rules ...Rule) *Group {
	return &Group{
		Name:        name,
		Description: description,
		Rules:       NewRuleSet(rules...),
	}
}

// FromLocal builds a group from its definition, expanding every rule entry.
func FromLocal(def Definition, opts Options) (*Group, error) {
	log := logging.WithComponent("secgroup")
	g := NewGroup(def.Name, def.Description)
	if len(def.Tags) > 0 {
		g.Tags = slices.Clone(def.Tags)
	}

	for i, entry := range def.Rules {
		if keys := entry.OverriddenKeys(); len(keys) > 0 {
			log.Warn("item(s) from 'to' override base option(s)",
				"group", def.Name, "rule", i, "keys", strings.Join(keys, ", "))
		}
		rules, err := entry.Expand()
		if err != nil {
			return nil, prefixed(fmt.Sprintf("groups[%s].rules[%d]", def.Name, i), err)
		}
		for _, r := range rules {
			if opts.keep(r) {
				g.Rules.Add(r)
			}
		}
	}
	log.Debug("built local group", "group", g.Name, "rules", g.Rules.Len())
	return g, nil
}

// FromRemote builds a group from a control plane payload. Remote rules are
// already concrete and are not expanded.
func FromRemote(p remote.Group, opts Options) (*Group, error) {
	g := &Group{
		Name:        p.Name,
		Description: p.Description,
		Tags:        slices.Clone(p.Tags),
		Rules:       NewRuleSet(),
		ID:          p.ID,
		Project:     p.ProjectID,
	}
	for _, rp := range p.Rules {
		r, err := RuleFromRemote(rp)
		if err != nil {
			return nil, fmt.Errorf("group %s (%s): rule %s: %w", p.Name, p.ID, rp.ID, err)
		}
		if opts.keep(r) {
			g.Rules.Add(r)
		}
	}
	return g, nil
}

// EffectiveDescription returns the description, defaulting to the name.
func (g *Group) EffectiveDescription() string {
	if g.Description == "" {
		return g.Name
	}
	return g.Description
}

// userDescription returns the description as a user would write it: empty
// when it is absent or equal to the name.
func (g *Group) userDescription() string {
	if g.Description == g.Name {
		return ""
	}
	return g.Description
}

// Equal compares the user-visible projection of two groups: description,
// tags and rules. Names and remote identity are ignored.
func (g *Group) Equal(o *Group) bool {
	if g.userDescription() != o.userDescription() {
		return false
	}
	if !sameTags(g.Tags, o.Tags) {
		return false
	}
	return g.Rules.Equal(o.Rules)
}

func sameTags(a, b []string) bool {
	return slices.Equal(uniqueTags(a), uniqueTags(b))
}

// HasTag reports whether the group carries tag.
func (g *Group) HasTag(tag string) bool {
	return slices.Contains(g.Tags, tag)
}

// IsRemote reports whether the group has a control plane identity.
func (g *Group) IsRemote() bool {
	return g.ID != ""
}

// Validate checks every rule of the group.
func (g *Group) Validate() error {
	var errs ValidationErrors
	if g.Name == "" {
		errs = append(errs, ValidationError{Field: "groups", Message: "group name must not be empty"})
	}
	for i, r := range g.Rules.Rules() {
		if err := r.Validate(); err != nil {
			errs = append(errs, prefixed(fmt.Sprintf("groups[%s].rules[%d]", g.Name, i), err)...)
		}
	}
	return errs.Err()
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	c := *g
	c.Tags = slices.Clone(g.Tags)
	c.Rules = g.Rules.Clone()
	return &c
}

func (g *Group) String() string {
	if g.ID != "" {
		return fmt.Sprintf("%s (%s)", g.Name, g.ID)
	}
	return g.Name
}

// Definition returns the group in its compact configuration form: one rule
// entry per rule, with defaults omitted.
func (g *Group) Definition() Definition {
	def := Definition{
		Name:        g.Name,
		Description: g.userDescription(),
		Tags:        slices.Clone(g.Tags),
	}
	for _, r := range g.Rules.Sorted() {
		def.Rules = append(def.Rules, r.Entry())
	}
	return def
}

// Entry returns the most compact rule entry that expands back to r.
func (r Rule) Entry() RuleEntry {
	var e RuleEntry
	if r.Protocol != AnyProtocol {
		e.Protocol = ptr(string(r.Protocol))
	}
	if r.EffectiveDirection() != Ingress {
		e.Direction = ptr(string(r.Direction))
	}
	if et := r.EffectiveEtherType(); et != IPv4 {
		e.EtherType = ptr(string(et))
	}
	if r.PortMin.Valid {
		if r.PortMin == r.PortMax {
			e.Port = r.PortMin.Ptr()
		} else {
			e.PortMin = r.PortMin.Ptr()
			e.PortMax = r.PortMax.Ptr()
		}
	}
	switch {
	case r.CIDR.IsValid():
		e.CIDR = []string{r.CIDR.String()}
	case r.Group != "":
		e.Groups = []string{r.Group}
	}
	return e
}

func ptr[T any](v T) *T {
	return &v
}
