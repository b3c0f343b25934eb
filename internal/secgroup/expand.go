package secgroup

import (
	"fmt"
	"slices"
)

// Fragment holds the rule attributes shared by a rule entry and its "to"
// overrides. Nil fields are absent.
type Fragment struct {
	Direction *string `yaml:"direction,omitempty" json:"direction,omitempty"`
	EtherType *string `yaml:"ethertype,omitempty" json:"ethertype,omitempty"`
	Protocol  *string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Port      *int    `yaml:"port,omitempty" json:"port,omitempty"`
	PortMin   *int    `yaml:"port_min,omitempty" json:"port_min,omitempty"`
	PortMax   *int    `yaml:"port_max,omitempty" json:"port_max,omitempty"`
}

// RuleEntry is one declarative rule from configuration. It may denote many
// concrete rules: one per ("to" override × target), where the targets are
// the union of CIDR and Groups.
//
// A nil CIDR or Groups slice is absent; an empty one is present and empty.
type RuleEntry struct {
	Fragment `yaml:",inline"`

	CIDR   []string   `yaml:"cidr,omitempty" json:"cidr,omitempty"`
	Groups []string   `yaml:"groups,omitempty" json:"groups,omitempty"`
	To     []Fragment `yaml:"to,omitempty" json:"to,omitempty"`
}

// FragmentKeys lists the configuration keys a Fragment understands.
var FragmentKeys = []string{"direction", "ethertype", "protocol", "port", "port_min", "port_max"}

// keys returns the names of the fields set in f.
func (f Fragment) keys() []string {
	var out []string
	for i, set := range []bool{
		f.Direction != nil, f.EtherType != nil, f.Protocol != nil,
		f.Port != nil, f.PortMin != nil, f.PortMax != nil,
	} {
		if set {
			out = append(out, FragmentKeys[i])
		}
	}
	return out
}

// merge returns f with every field set in over replacing f's.
func (f Fragment) merge(over Fragment) Fragment {
	if over.Direction != nil {
		f.Direction = over.Direction
	}
	if over.EtherType != nil {
		f.EtherType = over.EtherType
	}
	if over.Protocol != nil {
		f.Protocol = over.Protocol
	}
	if over.Port != nil {
		f.Port = over.Port
	}
	if over.PortMin != nil {
		f.PortMin = over.PortMin
	}
	if over.PortMax != nil {
		f.PortMax = over.PortMax
	}
	return f
}

// OverriddenKeys returns the base keys that some "to" override replaces.
func (e RuleEntry) OverriddenKeys() []string {
	base := e.Fragment.keys()
	var out []string
	for _, over := range e.To {
		for _, k := range over.keys() {
			if slices.Contains(base, k) && !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	slices.Sort(out)
	return out
}

// target is one point on the CIDR/group axis of an expansion.
type target struct {
	cidr  string
	group string
}

// targets returns the union of CIDR and group targets, applying the
// all-sources default when neither is given.
func (e RuleEntry) targets() ([]target, error) {
	cidrs := e.CIDR
	if cidrs == nil {
		switch {
		case e.Groups != nil:
		case e.EtherType == nil:
			cidrs = []string{"0.0.0.0/0"}
		default:
			et, err := ParseEtherType(*e.EtherType)
			if err != nil {
				return nil, err
			}
			if et == IPv6 {
				cidrs = []string{"::/0"}
			} else {
				cidrs = []string{"0.0.0.0/0"}
			}
		}
	}

	out := make([]target, 0, len(cidrs)+len(e.Groups))
	for _, c := range cidrs {
		out = append(out, target{cidr: c})
	}
	for _, g := range e.Groups {
		out = append(out, target{group: g})
	}
	return out, nil
}

// Expand returns the concrete rules the entry denotes: the cartesian
// product of its "to" overrides and its targets. Overrides win over the base
// fragment. Rules are not validated here; see Rule.Validate.
func (e RuleEntry) Expand() ([]Rule, error) {
	to := e.To
	if to == nil {
		to = []Fragment{{}}
	}
	targets, err := e.targets()
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(to)*len(targets))
	for i, over := range to {
		f := e.Fragment.merge(over)
		for _, t := range targets {
			r, err := buildRule(f, t)
			if err != nil {
				if e.To != nil {
					return nil, prefixed(fmt.Sprintf("to[%d]", i), err)
				}
				return nil, err
			}
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// buildRule constructs one rule from a merged fragment and a target.
func buildRule(f Fragment, t target) (Rule, error) {
	r := Rule{Direction: Ingress, Group: t.group}
	var err error

	if f.Direction != nil {
		if r.Direction, err = ParseDirection(*f.Direction); err != nil {
			return Rule{}, err
		}
	}
	if f.EtherType != nil {
		if r.EtherType, err = ParseEtherType(*f.EtherType); err != nil {
			return Rule{}, err
		}
	}
	if f.Protocol != nil {
		if r.Protocol, err = ParseProtocol(*f.Protocol); err != nil {
			return Rule{}, err
		}
	}

	portMin, portMax := f.PortMin, f.PortMax
	if f.Port != nil {
		if portMin != nil || portMax != nil {
			return Rule{}, ValidationError{Field: "port", Message: "both port and port_min/port_max are specified"}
		}
		portMin, portMax = f.Port, f.Port
	}
	if portMin != nil {
		if r.PortMin, err = ParsePort(*portMin); err != nil {
			return Rule{}, prefixed("port_min", err)
		}
	}
	if portMax != nil {
		if r.PortMax, err = ParsePort(*portMax); err != nil {
			return Rule{}, prefixed("port_max", err)
		}
	}

	if t.group == "" {
		if r.CIDR, err = ParseCIDR(t.cidr); err != nil {
			return Rule{}, err
		}
	}
	return r, nil
}
