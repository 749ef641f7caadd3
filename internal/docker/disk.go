package docker

import (
	"context"
	"time"

	"github.com/artemis/dockhostd/internal/dockerctx"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
)

// DiskUsage reports aggregate reclaimable space per resource type, the
// Docker-API equivalent of `docker system df` that the cleanup engine's
// check tier totals.
func (o *Ops) DiskUsage(ctx context.Context, target sshx.HostTarget) (types.DiskUsage, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return types.DiskUsage{}, err
	}
	var out types.DiskUsage
	err = dockerctx.WithRetry(ctx, "disk_usage", func(ctx context.Context) error {
		du, err := cli.DiskUsage(ctx, types.DiskUsageOptions{})
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "querying disk usage on host %s", target.HostID)
		}
		out = du
		return nil
	})
	return out, err
}

// DanglingVolumes lists volumes the daemon considers unused (not referenced
// by any container), using Docker's own `dangling=true` filter rather than
// cross-referencing inspect data ourselves.
func (o *Ops) DanglingVolumes(ctx context.Context, target sshx.HostTarget) ([]*volume.Volume, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return nil, err
	}
	var out []*volume.Volume
	err = dockerctx.WithRetry(ctx, "volume_list_dangling", func(ctx context.Context) error {
		resp, err := cli.VolumeList(ctx, volume.ListOptions{Filters: filters.NewArgs(filters.Arg("dangling", "true"))})
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "listing dangling volumes on host %s", target.HostID)
		}
		out = resp.Volumes
		return nil
	})
	return out, err
}

// BuildCachePrune removes unused build cache entries older than minAge,
// used by the safe cleanup tier via an `until` prune filter — the same
// mechanism `docker builder prune --filter until=24h` uses — rather than a
// byte budget, which bounds *how much* is kept, not *how old* it may be.
func (o *Ops) BuildCachePrune(ctx context.Context, target sshx.HostTarget, minAge time.Duration) (reclaimed uint64, err error) {
	cli, clientErr := o.Mgr.Client(ctx, target)
	if clientErr != nil {
		return 0, clientErr
	}
	err = dockerctx.WithRetry(ctx, "build_cache_prune", func(ctx context.Context) error {
		opts := types.BuildCachePruneOptions{All: false}
		if minAge > 0 {
			opts.Filters = filters.NewArgs(filters.Arg("until", minAge.String()))
		}
		report, err := cli.BuildCachePrune(ctx, opts)
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "pruning build cache on host %s", target.HostID)
		}
		reclaimed = report.SpaceReclaimed
		return nil
	})
	return reclaimed, err
}
