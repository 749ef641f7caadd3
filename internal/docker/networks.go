package docker

import (
	"context"

	"github.com/artemis/dockhostd/internal/dockerctx"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"
)

var builtInNetworks = map[string]bool{"bridge": true, "host": true, "none": true}

func isBuiltInNetwork(name string) bool { return builtInNetworks[name] }

// ListNetworks returns every network on target.
func (o *Ops) ListNetworks(ctx context.Context, target sshx.HostTarget) ([]types.NetworkResource, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return nil, err
	}
	var out []types.NetworkResource
	err = dockerctx.WithRetry(ctx, "network_list", func(ctx context.Context) error {
		list, err := cli.NetworkList(ctx, network.ListOptions{})
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "listing networks on host %s", target.HostID)
		}
		out = list
		return nil
	})
	return out, err
}

// InspectNetwork returns detail for one network.
func (o *Ops) InspectNetwork(ctx context.Context, target sshx.HostTarget, networkID string) (types.NetworkResource, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return types.NetworkResource{}, err
	}
	var out types.NetworkResource
	err = dockerctx.WithRetry(ctx, "network_inspect", func(ctx context.Context) error {
		inspect, err := cli.NetworkInspect(ctx, networkID, network.InspectOptions{})
		if err != nil {
			return errs.Wrap(errs.KindNotFound, err, "inspecting network %s on host %s", networkID, target.HostID)
		}
		out = inspect
		return nil
	})
	return out, err
}

// RemoveNetwork removes a user-defined network, refusing the Docker
// built-ins: unused-network cleanup must never touch bridge/host/none.
func (o *Ops) RemoveNetwork(ctx context.Context, target sshx.HostTarget, networkID, name string) error {
	if isBuiltInNetwork(name) {
		return errs.New(errs.KindValidation, "refusing to remove built-in network %q", name)
	}
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	return dockerctx.WithRetry(ctx, "network_remove", func(ctx context.Context) error {
		if err := cli.NetworkRemove(ctx, networkID); err != nil {
			return errs.Wrap(errs.KindTransient, err, "removing network %s on host %s", networkID, target.HostID)
		}
		return nil
	})
}

// PruneUnusedNetworks removes every network with no attached containers,
// skipping built-ins.
func (o *Ops) PruneUnusedNetworks(ctx context.Context, target sshx.HostTarget) (removed []string, err error) {
	cli, clientErr := o.Mgr.Client(ctx, target)
	if clientErr != nil {
		return nil, clientErr
	}
	err = dockerctx.WithRetry(ctx, "network_prune", func(ctx context.Context) error {
		report, err := cli.NetworksPrune(ctx, filters.NewArgs())
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "pruning networks on host %s", target.HostID)
		}
		removed = report.NetworksDeleted
		return nil
	})
	if err == nil {
		o.Logger.Info("pruned unused networks", zap.String("host_id", target.HostID), zap.Int("removed", len(removed)))
	}
	return removed, err
}
