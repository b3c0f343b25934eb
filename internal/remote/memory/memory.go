// Package memory implements remote.Client as an in-process control plane.
//
// It enforces the referential rules of a real control plane (rules belong
// to an existing group, referenced groups exist, referenced groups cannot be
// deleted) and records every call, which makes it the backend of choice for
// reconciler tests. State can be persisted to a JSON file so the CLI can run
// against it across invocations.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"grimm.is/sgmanager/internal/remote"
)

// ErrConflict is returned when an object with the same identity exists.
var ErrConflict = errors.New("conflict")

// ErrInUse is returned when deleting a group other rules still reference.
var ErrInUse = errors.New("in use")

// Call records one client invocation.
type Call struct {
	Op     string
	Target string
}

// Client is an in-memory control plane. It is safe for concurrent use.
type Client struct {
	mu       sync.Mutex
	project  string
	seed     bool
	groups   []*remote.Group
	nextID   int
	calls    []Call
	failures []failure
}

type failure struct {
	op     string
	target string
	err    error
}

// Option configures a Client.
type Option func(*Client)

// WithProject sets the project owning groups created through the client.
func WithProject(project string) Option {
	return func(c *Client) {
		c.project = project
	}
}

// WithGroups seeds the control plane. Groups and rules without an
// identifier are assigned one.
func WithGroups(groups ...remote.Group) Option {
	return func(c *Client) {
		for _, g := range groups {
			c.insert(g)
		}
	}
}

// WithEgressSeed makes CreateGroup add the two allow-all egress rules a
// Neutron control plane adds to every new group.
func WithEgressSeed() Option {
	return func(c *Client) {
		c.seed = true
	}
}

// New returns an empty control plane.
func New(opts ...Option) *Client {
	c := &Client{project: "memory"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// state is the persisted form.
type state struct {
	Project string         `json:"project"`
	NextID  int            `json:"next_id"`
	Groups  []remote.Group `json:"security_groups"`
}

// Load reads a control plane persisted by Save. A missing file yields an
// empty control plane.
func Load(path string, opts ...Option) (*Client, error) {
	c := New(opts...)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	if st.Project != "" {
		c.project = st.Project
	}
	c.nextID = st.NextID
	for _, g := range st.Groups {
		c.insert(g)
	}
	return c, nil
}

// Save persists the control plane to path.
func (c *Client) Save(path string) error {
	c.mu.Lock()
	st := state{Project: c.project, NextID: c.nextID, Groups: c.snapshot()}
	c.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// FailOn makes the next call of op fail with err. An empty target matches
// any target.
func (c *Client) FailOn(op, target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, failure{op: op, target: target, err: err})
}

// Calls returns the recorded calls in order.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// Mutations returns the recorded calls other than listings.
func (c *Client) Mutations() []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op != remote.OpListGroups {
			out = append(out, call)
		}
	}
	return out
}

// ResetCalls clears the call record.
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// ListGroups implements remote.Client.
func (c *Client) ListGroups(ctx context.Context) ([]remote.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, remote.OpListGroups, ""); err != nil {
		return nil, err
	}
	return c.snapshot(), nil
}

// CreateGroup implements remote.Client.
func (c *Client) CreateGroup(ctx context.Context, name, description string) (remote.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, remote.OpCreateGroup, name); err != nil {
		return remote.Group{}, err
	}
	for _, g := range c.groups {
		if g.Name == name && g.ProjectID == c.project {
			return remote.Group{}, fmt.Errorf("group %s: %w", name, ErrConflict)
		}
	}

	g := c.insert(remote.Group{Name: name, Description: description, ProjectID: c.project})
	if c.seed {
		for _, et := range []string{"IPv4", "IPv6"} {
			g.Rules = append(g.Rules, remote.Rule{
				ID:        c.newID("rule"),
				GroupID:   g.ID,
				Direction: "egress",
				EtherType: et,
			})
		}
	}
	return cloneGroup(*g), nil
}

// UpdateGroup implements remote.Client.
func (c *Client) UpdateGroup(ctx context.Context, id, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, remote.OpUpdateGroup, id); err != nil {
		return err
	}
	g := c.find(id)
	if g == nil {
		return fmt.Errorf("group %s: %w", id, remote.ErrNotFound)
	}
	g.Description = description
	return nil
}

// DeleteGroup implements remote.Client.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, remote.OpDeleteGroup, id); err != nil {
		return err
	}
	if c.find(id) == nil {
		return fmt.Errorf("group %s: %w", id, remote.ErrNotFound)
	}
	for _, g := range c.groups {
		if g.ID == id {
			continue
		}
		for _, r := range g.Rules {
			if remote.Deref(r.RemoteGroupID) == id {
				return fmt.Errorf("group %s is referenced by rule %s of %s: %w", id, r.ID, g.Name, ErrInUse)
			}
		}
	}
	c.groups = slices.DeleteFunc(c.groups, func(g *remote.Group) bool { return g.ID == id })
	return nil
}

// CreateRule implements remote.Client.
func (c *Client) CreateRule(ctx context.Context, req remote.CreateRuleRequest) (remote.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, remote.OpCreateRule, req.GroupID); err != nil {
		return remote.Rule{}, err
	}
	g := c.find(req.GroupID)
	if g == nil {
		return remote.Rule{}, fmt.Errorf("group %s: %w", req.GroupID, remote.ErrNotFound)
	}
	if ref := remote.Deref(req.RemoteGroupID); ref != "" && c.find(ref) == nil {
		return remote.Rule{}, fmt.Errorf("remote group %s: %w", ref, remote.ErrNotFound)
	}

	r := remote.Rule{
		GroupID:        g.ID,
		Direction:      req.Direction,
		EtherType:      req.EtherType,
		Protocol:       req.Protocol,
		PortRangeMin:   req.PortRangeMin,
		PortRangeMax:   req.PortRangeMax,
		RemoteIPPrefix: req.RemoteIPPrefix,
		RemoteGroupID:  req.RemoteGroupID,
	}
	for _, existing := range g.Rules {
		if sameRule(existing, r) {
			return remote.Rule{}, fmt.Errorf("rule in group %s: %w", g.Name, ErrConflict)
		}
	}
	r.ID = c.newID("rule")
	g.Rules = append(g.Rules, r)
	return cloneRule(r), nil
}

// DeleteRule implements remote.Client.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, remote.OpDeleteRule, id); err != nil {
		return err
	}
	for _, g := range c.groups {
		for i, r := range g.Rules {
			if r.ID == id {
				g.Rules = slices.Delete(g.Rules, i, i+1)
				return nil
			}
		}
	}
	return fmt.Errorf("rule %s: %w", id, remote.ErrNotFound)
}

// enter records a call and returns an injected failure, if any. Callers
// hold c.mu.
func (c *Client) enter(ctx context.Context, op, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.calls = append(c.calls, Call{Op: op, Target: target})
	for i, f := range c.failures {
		if f.op == op && (f.target == "" || f.target == target) {
			c.failures = slices.Delete(c.failures, i, i+1)
			return f.err
		}
	}
	return nil
}

func (c *Client) insert(g remote.Group) *remote.Group {
	g = cloneGroup(g)
	if g.ID == "" {
		g.ID = c.newID("sg")
	}
	if g.ProjectID == "" && c.project != "" {
		g.ProjectID = c.project
	}
	for i := range g.Rules {
		if g.Rules[i].ID == "" {
			g.Rules[i].ID = c.newID("rule")
		}
		g.Rules[i].GroupID = g.ID
	}
	c.groups = append(c.groups, &g)
	return &g
}

func (c *Client) find(id string) *remote.Group {
	for _, g := range c.groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

func (c *Client) newID(kind string) string {
	c.nextID++
	return fmt.Sprintf("%s-%04d", kind, c.nextID)
}

func (c *Client) snapshot() []remote.Group {
	out := make([]remote.Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, cloneGroup(*g))
	}
	return out
}

func cloneGroup(g remote.Group) remote.Group {
	g.Tags = slices.Clone(g.Tags)
	rules := make([]remote.Rule, 0, len(g.Rules))
	for _, r := range g.Rules {
		rules = append(rules, cloneRule(r))
	}
	g.Rules = rules
	return g
}

func cloneRule(r remote.Rule) remote.Rule {
	r.Protocol = clonePtr(r.Protocol)
	r.PortRangeMin = clonePtr(r.PortRangeMin)
	r.PortRangeMax = clonePtr(r.PortRangeMax)
	r.RemoteIPPrefix = clonePtr(r.RemoteIPPrefix)
	r.RemoteGroupID = clonePtr(r.RemoteGroupID)
	return r
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sameRule(a, b remote.Rule) bool {
	return a.Direction == b.Direction &&
		a.EtherType == b.EtherType &&
		eq(a.Protocol, b.Protocol) &&
		eq(a.PortRangeMin, b.PortRangeMin) &&
		eq(a.PortRangeMax, b.PortRangeMax) &&
		eq(a.RemoteIPPrefix, b.RemoteIPPrefix) &&
		eq(a.RemoteGroupID, b.RemoteGroupID)
}

func eq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
