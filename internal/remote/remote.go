// Package remote defines the contract between the reconciler and a cloud
// control plane that stores security groups.
//
// Implementations live in sub-packages: neutron (OpenStack), ec2 (AWS) and
// memory (an in-process control plane used by tests and dry experiments).
// Every call is synchronous; callers bound them with the supplied context.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Client executes list/create/update/delete calls against a control plane.
type Client interface {
	ListGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, name, description string) (Group, error)
	UpdateGroup(ctx context.Context, id, description string) error
	DeleteGroup(ctx context.Context, id string) error
	CreateRule(ctx context.Context, req CreateRuleRequest) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// Group is a security group as returned by the control plane.
type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Rules       []Rule   `json:"security_group_rules"`
}

// Rule is a security group rule as returned by the control plane.
// Nil pointers mean the attribute is not set.
type Rule struct {
	ID             string  `json:"id"`
	GroupID        string  `json:"security_group_id,omitempty"`
	Direction      string  `json:"direction"`
	EtherType      string  `json:"ethertype"`
	Protocol       *string `json:"protocol"`
	PortRangeMin   *int    `json:"port_range_min"`
	PortRangeMax   *int    `json:"port_range_max"`
	RemoteIPPrefix *string `json:"remote_ip_prefix"`
	RemoteGroupID  *string `json:"remote_group_id"`
}

// CreateRuleRequest carries the attributes of a rule to create.
type CreateRuleRequest struct {
	GroupID        string  `json:"security_group_id"`
	Direction      string  `json:"direction"`
	EtherType      string  `json:"ethertype"`
	Protocol       *string `json:"protocol,omitempty"`
	PortRangeMin   *int    `json:"port_range_min,omitempty"`
	PortRangeMax   *int    `json:"port_range_max,omitempty"`
	RemoteIPPrefix *string `json:"remote_ip_prefix,omitempty"`
	RemoteGroupID  *string `json:"remote_group_id,omitempty"`
}

// Operation names used in OpError and audit records.
const (
	OpListGroups  = "list_groups"
	OpCreateGroup = "create_group"
	OpUpdateGroup = "update_group"
	OpDeleteGroup = "delete_group"
	OpCreateRule  = "create_rule"
	OpDeleteRule  = "delete_rule"
)

// ErrNotSupported is returned by clients for operations the control plane
// does not offer.
var ErrNotSupported = errors.New("operation not supported by control plane")

// ErrNotFound is returned when the addressed object does not exist.
var ErrNotFound = errors.New("not found")

// OpError records a failed remote operation and the object it targeted, so
// a caller can tell what was left unapplied.
type OpError struct {
	Op     string
	Target string
	Err    error
}

func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int {
	return &n
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
