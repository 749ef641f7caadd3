package migrate

import (
	"context"
	"io"
	"time"

	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/artemis/dockhostd/internal/transfer"
	"github.com/docker/docker/api/types"
)

// DockerOps is the subset of docker.Ops the migration engine drives: the
// source-side quiesce poll, the target-side port/health checks, and startup
// log scanning. Kept narrow so a test can satisfy it with an in-memory fake
// instead of a real Docker daemon connection; *docker.Ops already
// implements this structurally.
type DockerOps interface {
	ListContainers(ctx context.Context, target sshx.HostTarget, all bool) ([]types.Container, error)
	InspectContainer(ctx context.Context, target sshx.HostTarget, containerID string) (types.ContainerJSON, error)
	WaitQuiescent(ctx context.Context, target sshx.HostTarget, containerID string, pollEvery time.Duration, attempts int) (bool, error)
	KillContainer(ctx context.Context, target sshx.HostTarget, containerID string) error
	ContainerLogs(ctx context.Context, target sshx.HostTarget, containerID string, tail string, follow bool) (io.ReadCloser, error)
}

// RsyncTransfer is the rsync backend surface Migrate needs; satisfied by
// *transfer.RsyncBackend.
type RsyncTransfer interface {
	Transfer(ctx context.Context, req transfer.Request) (*transfer.Report, error)
}

// ZFSTransfer is the ZFS backend surface Migrate needs; satisfied by
// *transfer.ZFSBackend.
type ZFSTransfer interface {
	ResolveDataset(ctx context.Context, host sshx.HostTarget, path string) (string, error)
	Transfer(ctx context.Context, source, target sshx.HostTarget, spec transfer.ZFSSpec, migrationID string) (*transfer.Report, error)
}
