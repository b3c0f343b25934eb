package reconcile

import (
	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/secgroup"
)

// GroupChange describes a group created, removed or excluded by a plan.
type GroupChange struct {
	Name        string `json:"name" yaml:"name"`
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       int    `json:"rules" yaml:"rules"`
}

// DescriptionChange describes a matched group whose description differs.
type DescriptionChange struct {
	Name string `json:"name" yaml:"name"`
	ID   string `json:"id" yaml:"id"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// RuleChange describes a rule created in or removed from a group.
type RuleChange struct {
	Group string             `json:"group" yaml:"group"`
	Entry secgroup.RuleEntry `json:"rule" yaml:"rule"`
	ID    string             `json:"id,omitempty" yaml:"id,omitempty"`

	rule secgroup.Rule
}

func newRuleChange(group string, r secgroup.Rule) RuleChange {
	return RuleChange{Group: group, Entry: r.Entry(), ID: r.ID, rule: r}
}

// Rule returns the concrete rule.
func (c RuleChange) Rule() secgroup.Rule {
	return c.rule
}

// Plan is the structured change report of a reconciliation pass.
type Plan struct {
	GroupsAdded    []GroupChange       `json:"groups_added" yaml:"groups_added"`
	GroupsUpdated  []DescriptionChange `json:"groups_updated" yaml:"groups_updated"`
	GroupsRemoved  []GroupChange       `json:"groups_removed" yaml:"groups_removed"`
	GroupsExcluded []GroupChange       `json:"groups_excluded" yaml:"groups_excluded"`
	RulesAdded     []RuleChange        `json:"rules_added" yaml:"rules_added"`
	RulesRemoved   []RuleChange        `json:"rules_removed" yaml:"rules_removed"`

	Changes           int     `json:"changes" yaml:"changes"`
	Unchanged         int     `json:"unchanged" yaml:"unchanged"`
	ChangesPercentage float64 `json:"changes_percentage" yaml:"changes_percentage"`

	// Applied is set once every queued mutation succeeded.
	Applied bool `json:"applied" yaml:"applied"`
}

// Percentage returns the share of changed units in percent.
func (p *Plan) Percentage() float64 {
	total := p.Changes + p.Unchanged
	if total == 0 {
		return 0
	}
	return float64(p.Changes) / float64(total) * 100
}

// Empty reports whether the plan queues no mutation.
func (p *Plan) Empty() bool {
	return p.Changes == 0
}

// Log writes the human-readable report.
func (p *Plan) Log(log *logging.Logger, excludeTag string) {
	if len(p.GroupsExcluded) > 0 {
		log.Info("excluded changes", "count", len(p.GroupsExcluded), "tag", excludeTag)
		for _, g := range p.GroupsExcluded {
			log.Info("excluded group", "group", g.Name)
		}
	}
	for _, u := range p.GroupsUpdated {
		log.Info("description differs", "group", u.Name, "from", u.From, "to", u.To)
	}
	if p.Empty() {
		return
	}

	log.Info("changes to be made", "changes", p.Changes, "unchanged", p.Unchanged,
		"percentage", p.ChangesPercentage)
	for _, g := range p.GroupsAdded {
		log.Info("create group", "group", g.Name)
	}
	for _, r := range p.RulesAdded {
		log.Info("create rule", "group", r.Group, "rule", r.rule.String())
	}
	for _, r := range p.RulesRemoved {
		log.Info("remove rule", "group", r.Group, "rule", r.rule.String())
	}
	for _, g := range p.GroupsRemoved {
		log.Info("remove group", "group", g.Name, "rules", g.Rules)
	}
}
