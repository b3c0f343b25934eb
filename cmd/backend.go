package cmd

import (
	"context"
	"fmt"

	"grimm.is/sgmanager/internal/config"
	"grimm.is/sgmanager/internal/reconcile"
	"grimm.is/sgmanager/internal/remote"
	"grimm.is/sgmanager/internal/remote/ec2"
	"grimm.is/sgmanager/internal/remote/memory"
	"grimm.is/sgmanager/internal/remote/neutron"
	"grimm.is/sgmanager/internal/secgroup"
)

// client connects to the selected control plane. done must be called when
// the command finishes; it persists the memory control plane.
func (g *Globals) client(ctx context.Context) (c remote.Client, done func() error, err error) {
	done = func() error { return nil }

	switch g.Backend {
	case BackendNeutron:
		cfg, err := neutron.LoadCloudConfig(g.Cloud)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load cloud configuration: %w", err)
		}
		opts := []neutron.ClientOption{neutron.WithTimeout(g.Timeout)}
		if g.Insecure {
			opts = append(opts, neutron.WithInsecure())
		}
		nc, err := neutron.New(cfg, opts...)
		if err != nil {
			return nil, nil, err
		}
		return nc, done, nil

	case BackendEC2:
		var opts []ec2.Option
		if g.VPCID != "" {
			opts = append(opts, ec2.WithVPC(g.VPCID))
		}
		ec, err := ec2.NewFromEnv(g.Region, opts...)
		if err != nil {
			return nil, nil, err
		}
		return ec, done, nil

	case BackendMemory:
		if g.State == "" {
			return memory.New(), done, nil
		}
		mc, err := memory.Load(g.State)
		if err != nil {
			return nil, nil, err
		}
		return mc, func() error { return mc.Save(g.State) }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q (expected %s, %s or %s)",
		g.Backend, BackendNeutron, BackendEC2, BackendMemory)
}

func (g *Globals) groupOptions() secgroup.Options {
	return secgroup.Options{Egress: g.Egress}
}

func (g *Globals) reconciler(c remote.Client, opts ...reconcile.Option) *reconcile.Reconciler {
	opts = append([]reconcile.Option{reconcile.WithGroupOptions(g.groupOptions())}, opts...)
	return reconcile.New(c, opts...)
}

// loadLocal loads, expands and validates the groups of a config file.
func (g *Globals) loadLocal(path string) ([]*secgroup.Group, error) {
	defs, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	groups, err := config.BuildGroups(defs, g.groupOptions())
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return groups, nil
}

// loadRemote lists the control plane groups.
func (g *Globals) loadRemote(ctx context.Context) ([]*secgroup.Group, error) {
	c, done, err := g.client(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := g.reconciler(c).LoadRemote(ctx)
	if derr := done(); err == nil {
		err = derr
	}
	return groups, err
}
