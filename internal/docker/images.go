package docker

import (
	"context"
	"io"

	"github.com/artemis/dockhostd/internal/dockerctx"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"go.uber.org/zap"
)

// ListImages returns every image present on target, used by the cleanup
// engine to find dangling images.
func (o *Ops) ListImages(ctx context.Context, target sshx.HostTarget) ([]image.Summary, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return nil, err
	}
	var out []image.Summary
	err = dockerctx.WithRetry(ctx, "image_list", func(ctx context.Context) error {
		list, err := cli.ImageList(ctx, image.ListOptions{All: true})
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "listing images on host %s", target.HostID)
		}
		out = list
		return nil
	})
	return out, err
}

// InspectImage returns inspect data for one image reference.
func (o *Ops) InspectImage(ctx context.Context, target sshx.HostTarget, ref string) (types.ImageInspect, error) {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return types.ImageInspect{}, err
	}
	var out types.ImageInspect
	err = dockerctx.WithRetry(ctx, "image_inspect", func(ctx context.Context) error {
		inspect, _, err := cli.ImageInspectWithRaw(ctx, ref)
		if err != nil {
			return errs.Wrap(errs.KindNotFound, err, "inspecting image %s on host %s", ref, target.HostID)
		}
		out = inspect
		return nil
	})
	return out, err
}

// PullImage pulls ref onto target through the Docker SDK.
func (o *Ops) PullImage(ctx context.Context, target sshx.HostTarget, ref string) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	return dockerctx.WithRetry(ctx, "image_pull", func(ctx context.Context) error {
		reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "pulling image %s on host %s", ref, target.HostID)
		}
		defer reader.Close()
		_, err = io.Copy(io.Discard, reader)
		return err
	})
}

// RemoveImage removes an image, used by the cleanup engine's safe and
// moderate tiers.
func (o *Ops) RemoveImage(ctx context.Context, target sshx.HostTarget, imageID string, force bool) error {
	cli, err := o.Mgr.Client(ctx, target)
	if err != nil {
		return err
	}
	return dockerctx.WithRetry(ctx, "image_remove", func(ctx context.Context) error {
		if _, err := cli.ImageRemove(ctx, imageID, image.RemoveOptions{Force: force, PruneChildren: true}); err != nil {
			return errs.Wrap(errs.KindTransient, err, "removing image %s on host %s", imageID, target.HostID)
		}
		return nil
	})
}

// PruneDanglingImages removes every dangling image on target via the
// SDK's dangling prune filter, returning the reclaimed byte count.
func (o *Ops) PruneDanglingImages(ctx context.Context, target sshx.HostTarget) (reclaimed uint64, err error) {
	cli, clientErr := o.Mgr.Client(ctx, target)
	if clientErr != nil {
		return 0, clientErr
	}
	f := filters.NewArgs(filters.Arg("dangling", "true"))
	err = dockerctx.WithRetry(ctx, "image_prune", func(ctx context.Context) error {
		report, err := cli.ImagesPrune(ctx, f)
		if err != nil {
			return errs.Wrap(errs.KindTransient, err, "pruning dangling images on host %s", target.HostID)
		}
		reclaimed = report.SpaceReclaimed
		return nil
	})
	if err == nil {
		o.Logger.Info("pruned dangling images", zap.String("host_id", target.HostID), zap.Uint64("reclaimed_bytes", reclaimed))
	}
	return reclaimed, err
}
