package transfer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
)

// ZFSBackend is the dataset-based transfer backend, used when both
// hosts are zfs_capable and the paths to move resolve to dataset roots.
type ZFSBackend struct {
	SSH *sshx.Builder
}

func NewZFSBackend(b *sshx.Builder) *ZFSBackend {
	return &ZFSBackend{SSH: b}
}

// ZFSSpec maps one source path's dataset to its target counterpart for a
// single send/receive.
type ZFSSpec struct {
	SourceDataset string
	TargetDataset string
	PrevSnapshot  string // non-empty for an incremental send
}

// ResolveDataset finds the dataset whose mountpoint is exactly path. It
// never attempts to materialize a plain directory into a new dataset
// itself — that decision belongs to the migration orchestrator, which owns
// the caller-facing flag; this method reports errs.KindNotADataset so the
// orchestrator can fall back to rsync for that path.
func (b *ZFSBackend) ResolveDataset(ctx context.Context, host sshx.HostTarget, path string) (string, error) {
	res, err := b.SSH.Run(ctx, host, "zfs_resolve_dataset",
		[]string{"zfs", "list", "-H", "-o", "name,mountpoint"})
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[1] == path {
			return fields[0], nil
		}
	}
	return "", errs.New(errs.KindNotADataset, "%s is not a dataset mountpoint", path)
}

// Snapshot creates {dataset}@migration_{migrationID}.
func (b *ZFSBackend) Snapshot(ctx context.Context, host sshx.HostTarget, dataset, migrationID string) (string, error) {
	snap := dataset + "@migration_" + migrationID
	if _, err := b.SSH.Run(ctx, host, "zfs_snapshot", []string{"zfs", "snapshot", snap}); err != nil {
		return "", err
	}
	return snap, nil
}

// DestroySnapshot removes a snapshot; Transfer uses it to remove the
// source-side snapshot on exit.
func (b *ZFSBackend) DestroySnapshot(ctx context.Context, host sshx.HostTarget, snap string) error {
	_, err := b.SSH.Run(ctx, host, "zfs_destroy_snapshot", []string{"zfs", "destroy", snap})
	return err
}

// Send pipes `zfs send {snap}` on source through `ssh target zfs receive`
// as a single remote shell pipeline, via the SSH Command
// Builder's RunPipeline so both sides remain independently argv-escaped.
func (b *ZFSBackend) Send(ctx context.Context, source, target sshx.HostTarget, snap string, spec ZFSSpec) error {
	sendArgv := []string{"zfs", "send"}
	if spec.PrevSnapshot != "" {
		sendArgv = append(sendArgv, "-i", spec.PrevSnapshot)
	}
	sendArgv = append(sendArgv, snap)

	targetSSHArgv, err := b.targetSSHInvocation(target, []string{"zfs", "receive", "-F", spec.TargetDataset})
	if err != nil {
		return err
	}

	_, err = b.SSH.RunPipeline(ctx, source, "zfs_send_receive", sendArgv, targetSSHArgv)
	return err
}

// targetSSHInvocation builds the inner `ssh <opts> <user>@<host> <argv...>`
// segment used as the receiving end of the send/receive pipeline.
func (b *ZFSBackend) targetSSHInvocation(target sshx.HostTarget, remoteArgv []string) ([]string, error) {
	port := target.SSHPort
	if port == 0 {
		port = 22
	}
	argv := []string{
		"ssh", "-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=10",
		"-p", strconv.Itoa(port),
	}
	if target.IdentityFile != "" {
		argv = append(argv, "-i", target.IdentityFile)
	}
	dest := target.Hostname
	if target.SSHUser != "" {
		dest = target.SSHUser + "@" + target.Hostname
	}
	argv = append(argv, dest, sshx.ShellJoin(remoteArgv))
	return argv, nil
}

// VerifyReceived checks that the received dataset exists with a readable
// mountpoint.
func (b *ZFSBackend) VerifyReceived(ctx context.Context, target sshx.HostTarget, dataset string) (mountpoint string, err error) {
	res, err := b.SSH.Run(ctx, target, "zfs_verify", []string{"zfs", "list", "-H", "-o", "mountpoint", dataset})
	if err != nil {
		return "", err
	}
	mountpoint = strings.TrimSpace(res.Stdout)
	if mountpoint == "" || mountpoint == "none" {
		return "", errs.New(errs.KindIntegrity, "dataset %s has no usable mountpoint after receive", dataset)
	}
	if _, err := b.SSH.Run(ctx, target, "zfs_verify_readable", []string{"test", "-r", mountpoint}); err != nil {
		return "", errs.Wrap(errs.KindIntegrity, err, "mountpoint %s not readable after receive", mountpoint)
	}
	return mountpoint, nil
}

// Transfer moves a single dataset: snapshot, send, verify, and always
// destroy the source snapshot on exit. It returns the same Report type as
// the rsync backend but takes a ZFSSpec rather than a Request.
func (b *ZFSBackend) Transfer(ctx context.Context, source, target sshx.HostTarget, spec ZFSSpec, migrationID string) (*Report, error) {
	start := time.Now()
	report := &Report{BackendID: "zfs"}
	defer func() { observeTransfer(report) }()

	snap, err := b.Snapshot(ctx, source, spec.SourceDataset, migrationID)
	if err != nil {
		report.FailureReason = "snapshot failed: " + err.Error()
		report.Duration = time.Since(start)
		return report, err
	}
	defer b.DestroySnapshot(ctx, source, snap)

	if err := b.Send(ctx, source, target, snap, spec); err != nil {
		report.FailureReason = "send/receive failed: " + err.Error()
		report.Duration = time.Since(start)
		return report, err
	}

	if _, err := b.VerifyReceived(ctx, target, spec.TargetDataset); err != nil {
		report.FailureReason = "post-receive verification failed: " + err.Error()
		report.Duration = time.Since(start)
		return report, err
	}

	report.OK = true
	report.Duration = time.Since(start)
	return report, nil
}
