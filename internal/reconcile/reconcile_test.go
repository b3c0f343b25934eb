package reconcile

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sgmanager/internal/audit"
	"grimm.is/sgmanager/internal/clock"
	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/remote"
	"grimm.is/sgmanager/internal/remote/memory"
	"grimm.is/sgmanager/internal/secgroup"
)

func str(s string) *string { return &s }
func num(n int) *int       { return &n }

func tcpFrom(port int, cidrs []string, groups []string) secgroup.RuleEntry {
	return secgroup.RuleEntry{
		Fragment: secgroup.Fragment{Protocol: str("tcp"), Port: num(port)},
		CIDR:     cidrs,
		Groups:   groups,
	}
}

func buildLocal(t *testing.T, defs ...secgroup.Definition) []*secgroup.Group {
	t.Helper()
	var groups []*secgroup.Group
	for _, def := range defs {
		g, err := secgroup.FromLocal(def, secgroup.Options{})
		require.NoError(t, err)
		groups = append(groups, g)
	}
	return groups
}

// webAndDB declares two groups that reference each other.
func webAndDB(t *testing.T) []*secgroup.Group {
	return buildLocal(t,
		secgroup.Definition{
			Name: "web",
			Rules: []secgroup.RuleEntry{
				tcpFrom(80, []string{"0.0.0.0/0"}, nil),
				tcpFrom(8080, nil, []string{"db"}),
			},
		},
		secgroup.Definition{
			Name:        "db",
			Description: "Databases",
			Rules: []secgroup.RuleEntry{
				tcpFrom(5432, nil, []string{"web"}),
			},
		},
	)
}

func noThreshold() Options {
	opts := DefaultOptions()
	opts.Threshold = NoThreshold
	return opts
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Write(_ context.Context, evt audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}

type recordingObserver struct {
	plans     int
	mutations map[string]int
	failures  int
	applies   int
}

func (o *recordingObserver) ObservePlan(*Plan) { o.plans++ }

func (o *recordingObserver) ObserveMutation(op string, err error) {
	if o.mutations == nil {
		o.mutations = make(map[string]int)
	}
	o.mutations[op]++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) ObserveApply(time.Duration, error) { o.applies++ }

func TestReconcileCreatesGroupsBeforeRules(t *testing.T) {
	ctx := context.Background()
	client := memory.New()
	auditor := &recordingAuditor{}
	observer := &recordingObserver{}
	clk := clock.NewMockClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	r := New(client, WithAuditor(auditor), WithObserver(observer), WithClock(clk))
	r.SetLocal(webAndDB(t))

	plan, err := r.Reconcile(ctx, noThreshold())
	require.NoError(t, err)
	assert.True(t, plan.Applied)
	assert.Equal(t, 5, plan.Changes)
	assert.Equal(t, 0, plan.Unchanged)
	assert.Len(t, plan.GroupsAdded, 2)
	assert.Len(t, plan.RulesAdded, 3)

	calls := client.Mutations()
	require.Len(t, calls, 5)
	assert.Equal(t, memory.Call{Op: remote.OpCreateGroup, Target: "web"}, calls[0])
	assert.Equal(t, memory.Call{Op: remote.OpCreateGroup, Target: "db"}, calls[1])
	for _, c := range calls[2:] {
		assert.Equal(t, remote.OpCreateRule, c.Op)
	}

	// The snapshot carries the new identifiers.
	snapshot := secgroup.Index(r.Remote())
	require.Contains(t, snapshot, "web")
	require.Contains(t, snapshot, "db")
	assert.NotEmpty(t, snapshot["web"].ID)
	for _, rule := range snapshot["web"].Rules.Rules() {
		assert.NotEmpty(t, rule.ID)
	}
	assert.Equal(t, "Databases", snapshot["db"].Description)

	assert.Len(t, auditor.events, 5)
	for _, evt := range auditor.events {
		assert.Equal(t, audit.StatusOK, evt.Status)
		assert.Equal(t, auditor.events[0].RunID, evt.RunID)
	}
	assert.Equal(t, 1, observer.plans)
	assert.Equal(t, 3, observer.mutations[remote.OpCreateRule])
	assert.Equal(t, 1, observer.applies)

	// A second pass on the refreshed snapshot is a no-op.
	client.ResetCalls()
	plan, err = r.Reconcile(ctx, DefaultOptions())
	require.NoError(t, err)
	assert.Zero(t, plan.Changes)
	assert.Empty(t, client.Calls(), "converged snapshot needs no listing")

	// So is a pass that lists the control plane again.
	fresh := New(client)
	fresh.SetLocal(webAndDB(t))
	plan, err = fresh.Reconcile(ctx, DefaultOptions())
	require.NoError(t, err)
	assert.Zero(t, plan.Changes)
	assert.Empty(t, client.Mutations())
}

func TestDiffIdempotent(t *testing.T) {
	ctx := context.Background()
	client := memory.New()
	r := New(client)
	r.SetLocal(webAndDB(t))
	_, err := r.Reconcile(ctx, noThreshold())
	require.NoError(t, err)

	for _, opts := range []Options{
		{Remove: true, Threshold: 0},
		{Remove: false, Threshold: NoThreshold},
		{Remove: true, Threshold: 100, ExcludeTag: "x"},
	} {
		plan, err := Diff(webAndDB(t), r.Remote(), opts)
		require.NoError(t, err)
		assert.Zero(t, plan.Changes)
		assert.Equal(t, 5, plan.Unchanged, "two groups and three rules")
		assert.NoError(t, CheckThreshold(plan, opts.Threshold))
	}
}

func TestDiffCounting(t *testing.T) {
	shared := secgroup.Rule{Protocol: secgroup.TCP, PortMin: secgroup.PortOf(22), PortMax: secgroup.PortOf(22), Group: "app"}
	localOnly := secgroup.Rule{Protocol: secgroup.TCP, PortMin: secgroup.PortOf(443), PortMax: secgroup.PortOf(443), Group: "app"}
	remoteOnly := secgroup.Rule{Protocol: secgroup.UDP, PortMin: secgroup.PortOf(53), PortMax: secgroup.PortOf(53), Group: "app", ID: "r-9"}

	local := []*secgroup.Group{secgroup.NewGroup("app", "", shared, localOnly)}
	rg := secgroup.NewGroup("app", "", shared, remoteOnly)
	rg.ID, rg.Project = "sg-1", "p1"
	remoteGroups := []*secgroup.Group{rg}

	plan, err := Diff(local, remoteGroups, Options{Remove: true})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Changes)
	assert.Equal(t, 2, plan.Unchanged, "matched group and shared rule")
	require.Len(t, plan.RulesAdded, 1)
	assert.Equal(t, "app", plan.RulesAdded[0].Group)
	assert.True(t, plan.RulesAdded[0].Rule().Equal(localOnly))
	require.Len(t, plan.RulesRemoved, 1)
	assert.Equal(t, "r-9", plan.RulesRemoved[0].ID)
	assert.Equal(t, 50.0, plan.ChangesPercentage)

	plan, err = Diff(local, remoteGroups, Options{Remove: false})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Changes)
	assert.Equal(t, 3, plan.Unchanged)
	assert.Empty(t, plan.RulesRemoved)
}

func TestDiffRemoteOnlyGroups(t *testing.T) {
	owned := secgroup.NewGroup("legacy", "", secgroup.Rule{Protocol: secgroup.ICMP})
	owned.ID, owned.Project = "sg-legacy", "p1"
	orphan := secgroup.NewGroup("orphan", "")
	orphan.ID = "sg-orphan"
	def := secgroup.NewGroup(secgroup.DefaultGroupName, "")
	def.ID, def.Project = "sg-default", "p1"
	remoteGroups := []*secgroup.Group{owned, orphan, def}

	plan, err := Diff(nil, remoteGroups, Options{Remove: true})
	require.NoError(t, err)
	require.Len(t, plan.GroupsRemoved, 1, "groups without a project and the default group are kept")
	assert.Equal(t, "legacy", plan.GroupsRemoved[0].Name)
	assert.Equal(t, 2, plan.Changes, "one rule plus the group")

	plan, err = Diff(nil, remoteGroups, Options{Remove: false})
	require.NoError(t, err)
	assert.Empty(t, plan.GroupsRemoved)
	assert.Zero(t, plan.Changes)
	assert.Equal(t, 3, plan.Unchanged)
}

func TestDiffExclusion(t *testing.T) {
	local := buildLocal(t, secgroup.Definition{Name: "web", Rules: []secgroup.RuleEntry{tcpFrom(80, nil, nil)}})

	web := secgroup.NewGroup("web", "", secgroup.Rule{Protocol: secgroup.TCP, PortMin: secgroup.PortOf(80), PortMax: secgroup.PortOf(80)})
	web.ID, web.Project = "sg-web", "p1"
	managed := secgroup.NewGroup("eks-nodes", "", secgroup.Rule{Protocol: secgroup.TCP})
	managed.ID, managed.Project = "sg-eks", "p1"
	managed.Tags = []string{"orchestrator=terraform"}
	remoteGroups := []*secgroup.Group{web, managed}

	plan, err := Diff(local, remoteGroups, Options{Remove: true, ExcludeTag: "orchestrator=terraform"})
	require.NoError(t, err)
	require.Len(t, plan.GroupsExcluded, 1)
	assert.Equal(t, "eks-nodes", plan.GroupsExcluded[0].Name)
	assert.Empty(t, plan.GroupsRemoved)
	assert.Zero(t, plan.Changes)

	plan, err = Diff(local, remoteGroups, Options{Remove: true})
	require.NoError(t, err)
	assert.Len(t, plan.GroupsRemoved, 1)
	assert.Equal(t, 2, plan.Changes)
}

func TestDiffExcludedMatchedGroup(t *testing.T) {
	local := buildLocal(t, secgroup.Definition{Name: "web", Rules: []secgroup.RuleEntry{tcpFrom(80, nil, nil)}})
	web := secgroup.NewGroup("web", "")
	web.ID, web.Project = "sg-web", "p1"
	web.Tags = []string{"frozen"}

	plan, err := Diff(local, []*secgroup.Group{web}, Options{Remove: true, ExcludeTag: "frozen"})
	require.NoError(t, err)
	assert.Len(t, plan.GroupsExcluded, 1)
	assert.Empty(t, plan.RulesAdded)
	assert.Zero(t, plan.Changes)
	assert.Equal(t, 1, plan.Unchanged)
}

func TestDiffRejectsInvalidLocal(t *testing.T) {
	local := buildLocal(t, secgroup.Definition{
		Name:  "web",
		Rules: []secgroup.RuleEntry{tcpFrom(80, nil, []string{"missing"})},
	})
	_, err := Diff(local, nil, DefaultOptions())
	assert.ErrorIs(t, err, secgroup.ErrInvalidConfig)
}

func TestDiffDoesNotModifyRemote(t *testing.T) {
	rg := secgroup.NewGroup("app", "", secgroup.Rule{Group: "sg-peer"})
	rg.ID, rg.Project = "sg-app", "p1"
	peer := secgroup.NewGroup("peer", "")
	peer.ID, peer.Project = "sg-peer", "p1"

	_, err := Diff(nil, []*secgroup.Group{rg, peer}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, rg.Rules.Contains(secgroup.Rule{Group: "sg-peer"}))
}

func TestThreshold(t *testing.T) {
	plan := &Plan{Changes: 15, Unchanged: 85}
	assert.NoError(t, CheckThreshold(plan, 15))

	err := CheckThreshold(plan, 14)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThresholdExceeded)
	var te *ThresholdError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 15.0, te.Percentage)
	assert.Equal(t, 14.0, te.Threshold)

	assert.NoError(t, CheckThreshold(plan, NoThreshold))
	assert.NoError(t, CheckThreshold(&Plan{Unchanged: 3}, 0))

	var zero Options
	assert.ErrorIs(t, CheckThreshold(&Plan{Changes: 1, Unchanged: 99}, zero.Threshold), ErrThresholdExceeded,
		"the zero value gates every change")
	assert.NoError(t, CheckThreshold(&Plan{Changes: 1, Unchanged: 99}, DefaultOptions().Threshold))
}

func TestReconcileThresholdStopsBeforeMutation(t *testing.T) {
	client := memory.New()
	r := New(client)
	r.SetLocal(webAndDB(t))

	plan, err := r.Reconcile(context.Background(), DefaultOptions())
	assert.ErrorIs(t, err, ErrThresholdExceeded)
	require.NotNil(t, plan)
	assert.False(t, plan.Applied)
	assert.Empty(t, client.Mutations())
}

func TestReconcileDryRun(t *testing.T) {
	client := memory.New()
	r := New(client)
	r.SetLocal(webAndDB(t))

	opts := noThreshold()
	opts.DryRun = true
	plan, err := r.Reconcile(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 5, plan.Changes)
	assert.False(t, plan.Applied)
	assert.Empty(t, client.Mutations())
	assert.Empty(t, r.Remote())
}

func TestReconcileAbortsOnFailure(t *testing.T) {
	ctx := context.Background()
	client := memory.New()
	boom := errors.New("quota exceeded")
	client.FailOn(remote.OpCreateRule, "", boom)

	auditor := &recordingAuditor{}
	r := New(client, WithAuditor(auditor))
	r.SetLocal(webAndDB(t))

	_, err := r.Reconcile(ctx, noThreshold())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var opErr *remote.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, remote.OpCreateRule, opErr.Op)
	assert.Contains(t, opErr.Target, " in web")

	assert.Len(t, client.Mutations(), 3, "two groups and the failed rule")
	require.Len(t, auditor.events, 3)
	assert.Equal(t, audit.StatusFailed, auditor.events[2].Status)
	assert.Equal(t, "quota exceeded", auditor.events[2].Error)

	// Re-running proposes only what is missing.
	client.ResetCalls()
	plan, err := r.Reconcile(ctx, noThreshold())
	require.NoError(t, err)
	assert.Empty(t, plan.GroupsAdded)
	assert.Len(t, plan.RulesAdded, 3)
	assert.Len(t, client.Mutations(), 3)
}

func TestReconcileRemoves(t *testing.T) {
	ctx := context.Background()
	client := memory.New(memory.WithGroups(
		remote.Group{ID: "sg-old", Name: "old"},
		remote.Group{
			ID:   "sg-app",
			Name: "app",
			Rules: []remote.Rule{
				{ID: "r-1", Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp"),
					PortRangeMin: remote.IntPtr(22), PortRangeMax: remote.IntPtr(22), RemoteGroupID: remote.StringPtr("sg-old")},
				{ID: "r-2", Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp"),
					PortRangeMin: remote.IntPtr(80), PortRangeMax: remote.IntPtr(80), RemoteIPPrefix: remote.StringPtr("0.0.0.0/0")},
			},
		},
	))
	r := New(client)
	r.SetLocal(buildLocal(t, secgroup.Definition{
		Name:  "app",
		Rules: []secgroup.RuleEntry{tcpFrom(80, nil, nil)},
	}))

	plan, err := r.Reconcile(ctx, noThreshold())
	require.NoError(t, err)
	require.Len(t, plan.RulesRemoved, 1)
	require.Len(t, plan.GroupsRemoved, 1)

	assert.Equal(t, []memory.Call{
		{Op: remote.OpDeleteRule, Target: "r-1"},
		{Op: remote.OpDeleteGroup, Target: "sg-old"},
	}, client.Mutations(), "rules referencing a group go before the group")

	snapshot := secgroup.Index(r.Remote())
	assert.NotContains(t, snapshot, "old")
	assert.Equal(t, 1, snapshot["app"].Rules.Len())
}

func TestReconcileRemovesLinkedGroups(t *testing.T) {
	ctx := context.Background()
	client := memory.New(memory.WithGroups(
		remote.Group{ID: "sg-b", Name: "b"},
		remote.Group{
			ID:   "sg-a",
			Name: "a",
			Rules: []remote.Rule{
				{ID: "r-peer", Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp"),
					PortRangeMin: remote.IntPtr(22), PortRangeMax: remote.IntPtr(22), RemoteGroupID: remote.StringPtr("sg-b")},
				{ID: "r-self", Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp"),
					PortRangeMin: remote.IntPtr(80), PortRangeMax: remote.IntPtr(80), RemoteGroupID: remote.StringPtr("sg-a")},
			},
		},
		remote.Group{ID: "sg-keep", Name: "keep"},
	))
	r := New(client)
	r.SetLocal([]*secgroup.Group{secgroup.NewGroup("keep", "")})

	plan, err := r.Reconcile(ctx, noThreshold())
	require.NoError(t, err)
	assert.True(t, plan.Applied)
	assert.Equal(t, []memory.Call{
		{Op: remote.OpDeleteRule, Target: "r-peer"},
		{Op: remote.OpDeleteGroup, Target: "sg-b"},
		{Op: remote.OpDeleteGroup, Target: "sg-a"},
	}, client.Mutations(), "links between removed groups go first, self references go with the group")

	listed, err := client.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "keep", listed[0].Name)

	plan, err = New(client).Reconcile(ctx, noThreshold())
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestReconcileSnapshotHoldsCreatedRules(t *testing.T) {
	ctx := context.Background()
	client := memory.New()
	r := New(client)
	r.SetLocal(webAndDB(t))
	_, err := r.Reconcile(ctx, noThreshold())
	require.NoError(t, err)

	listed, err := client.ListGroups(ctx)
	require.NoError(t, err)
	var want []*secgroup.Group
	for _, p := range listed {
		g, err := secgroup.FromRemote(p, secgroup.Options{})
		require.NoError(t, err)
		want = append(want, g)
	}
	secgroup.ResolveReferences(want)

	snapshot := secgroup.Index(r.Remote())
	for _, g := range want {
		require.Contains(t, snapshot, g.Name)
		require.Equal(t, g.Rules.Len(), snapshot[g.Name].Rules.Len())
		for _, rule := range g.Rules.Rules() {
			stored, ok := snapshot[g.Name].Rules.Get(rule)
			require.True(t, ok, "rule %s missing from snapshot", rule)
			assert.Equal(t, rule, stored)
		}
	}
}

func TestLoadRemoteWarnsOnUnknownProtocol(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf, Format: logging.FormatJSON})
	client := memory.New(memory.WithGroups(remote.Group{
		ID:   "sg-v6",
		Name: "v6",
		Rules: []remote.Rule{
			{Direction: "ingress", EtherType: "IPv6", Protocol: remote.StringPtr("ipv6-icmp")},
			{Direction: "ingress", EtherType: "IPv4", Protocol: remote.StringPtr("tcp")},
		},
	}))

	groups, err := New(client, WithLogger(log)).LoadRemote(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].Rules.Len())
	assert.Contains(t, buf.String(), "cannot be expressed in configuration")
	assert.Contains(t, buf.String(), `"protocol":"ipv6-icmp"`)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("cannot be expressed")))
}

func TestReconcileDescriptions(t *testing.T) {
	ctx := context.Background()
	client := memory.New(memory.WithGroups(remote.Group{ID: "sg-db", Name: "db", Description: "old"}))
	local := []*secgroup.Group{secgroup.NewGroup("db", "Databases")}

	r := New(client)
	r.SetLocal(local)
	plan, err := r.Reconcile(ctx, noThreshold())
	require.NoError(t, err)
	require.Len(t, plan.GroupsUpdated, 1)
	assert.Equal(t, DescriptionChange{Name: "db", ID: "sg-db", From: "old", To: "Databases"}, plan.GroupsUpdated[0])
	assert.Zero(t, plan.Changes, "description changes are reported only")
	assert.Empty(t, client.Mutations())

	opts := noThreshold()
	opts.UpdateDescriptions = true
	plan, err = r.Reconcile(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Changes)
	assert.Equal(t, []memory.Call{{Op: remote.OpUpdateGroup, Target: "sg-db"}}, client.Mutations())
	assert.Equal(t, "Databases", secgroup.Index(r.Remote())["db"].Description)

	plan, err = r.Reconcile(ctx, opts)
	require.NoError(t, err)
	assert.Empty(t, plan.GroupsUpdated)
}

func TestReconcileRequiresLocal(t *testing.T) {
	_, err := New(memory.New()).Reconcile(context.Background(), DefaultOptions())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestNewPanicsWithoutClient(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

func TestPlanPercentage(t *testing.T) {
	assert.Zero(t, (&Plan{}).Percentage())
	assert.Equal(t, 25.0, (&Plan{Changes: 1, Unchanged: 3}).Percentage())
	assert.True(t, (&Plan{Unchanged: 3}).Empty())
}
