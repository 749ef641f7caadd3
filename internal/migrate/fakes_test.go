package migrate

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/artemis/dockhostd/internal/transfer"
	"github.com/docker/docker/api/types"
)

var errNotADataset = errs.New(errs.KindNotADataset, "fake: not a dataset mountpoint")

// fakeRunner is an in-memory CommandRunner:
// it records every remote command line and answers from a small set of
// substring-matched scripted responses, standing in for the real ssh binary
// everywhere internal/sshx.Builder would otherwise shell out.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string

	handlers []fakeHandler
	fallback fakeResponse
}

type fakeResponse struct {
	stdout string
	err    error
}

type fakeHandler struct {
	match func(cmdLine string) bool
	resp  fakeResponse
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fallback: fakeResponse{stdout: ""}}
}

func (f *fakeRunner) on(substr string, stdout string) {
	f.handlers = append(f.handlers, fakeHandler{
		match: func(cmdLine string) bool { return strings.Contains(cmdLine, substr) },
		resp:  fakeResponse{stdout: stdout},
	})
}

func (f *fakeRunner) Run(ctx context.Context, args []string, stdin io.Reader) (string, string, int, error) {
	cmdLine := ""
	if len(args) > 0 {
		cmdLine = args[len(args)-1]
	}
	f.mu.Lock()
	f.calls = append(f.calls, cmdLine)
	f.mu.Unlock()

	for _, h := range f.handlers {
		if h.match(cmdLine) {
			if h.resp.err != nil {
				return "", h.resp.err.Error(), -1, h.resp.err
			}
			return h.resp.stdout, "", 0, nil
		}
	}
	if f.fallback.err != nil {
		return "", f.fallback.err.Error(), -1, f.fallback.err
	}
	return f.fallback.stdout, "", 0, nil
}

func (f *fakeRunner) calledWith(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// fakeDockerOps answers the narrow DockerOps seam, distinguishing source
// from target host by HostID so a single fake can stand in for both sides
// of a migration.
type fakeDockerOps struct {
	sourceHostID string
	targetHostID string

	// targetContainers is returned for every ListContainers call against
	// targetHostID; sourceHostID always reports an already-quiesced (empty)
	// stack.
	targetContainers []types.Container

	// targetMounts is reported by InspectContainer for every target-side
	// container, standing in for the daemon's mount list during the
	// post-deploy bind verification.
	targetMounts []types.MountPoint
}

func (f *fakeDockerOps) ListContainers(ctx context.Context, target sshx.HostTarget, all bool) ([]types.Container, error) {
	if target.HostID == f.targetHostID {
		return f.targetContainers, nil
	}
	return nil, nil
}

func (f *fakeDockerOps) InspectContainer(ctx context.Context, target sshx.HostTarget, containerID string) (types.ContainerJSON, error) {
	return types.ContainerJSON{Mounts: f.targetMounts}, nil
}

func (f *fakeDockerOps) WaitQuiescent(ctx context.Context, target sshx.HostTarget, containerID string, pollEvery time.Duration, attempts int) (bool, error) {
	return true, nil
}

func (f *fakeDockerOps) KillContainer(ctx context.Context, target sshx.HostTarget, containerID string) error {
	return nil
}

func (f *fakeDockerOps) ContainerLogs(ctx context.Context, target sshx.HostTarget, containerID string, tail string, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("startup complete\n")), nil
}

// fakeRsync and fakeZFS satisfy RsyncTransfer/ZFSTransfer without touching
// internal/sshx at all, matching how the production backends are thin
// wrappers over a Builder that the CommandRunner fake already covers —
// these exist only because Transfer's result shape (bytes moved, pass/fail)
// is easier to script directly than through inventory/checksum SSH replies.
type fakeRsync struct {
	report *transfer.Report
	err    error
}

func (f *fakeRsync) Transfer(ctx context.Context, req transfer.Request) (*transfer.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type fakeZFS struct{}

func (fakeZFS) ResolveDataset(ctx context.Context, host sshx.HostTarget, path string) (string, error) {
	return "", errNotADataset
}

func (fakeZFS) Transfer(ctx context.Context, source, target sshx.HostTarget, spec transfer.ZFSSpec, migrationID string) (*transfer.Report, error) {
	return nil, errNotADataset
}
