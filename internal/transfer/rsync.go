package transfer

import (
	"context"
	"strings"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
)

// DefaultExcludes are the default rsync exclude patterns: regenerable
// cache/log/VCS noise that has no business crossing hosts.
var DefaultExcludes = []string{
	"**/cache/**", "**/.cache/**", "**/logs/**",
	"**/node_modules/**", "**/.git/**", "**/tmp/**",
}

// RsyncBackend is the universal transfer backend, run by SSHing
// into the source host and invoking rsync with the target as its remote
// destination, following the argv-composition discipline of
// internal/sshx.Builder throughout.
type RsyncBackend struct {
	SSH      *sshx.Builder
	Excludes []string
}

func NewRsyncBackend(b *sshx.Builder) *RsyncBackend {
	return &RsyncBackend{SSH: b, Excludes: DefaultExcludes}
}

func (b *RsyncBackend) excludes() []string {
	if b.Excludes != nil {
		return b.Excludes
	}
	return DefaultExcludes
}

// Transfer runs rsync for every (SourcePaths[i], TargetPaths[i]) pair and
// verifies the result: file counts equal, total size within 1%, and every
// critical-file checksum matching.
func (b *RsyncBackend) Transfer(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	report := &Report{BackendID: "rsync"}
	defer func() { observeTransfer(report) }()

	for i, srcPath := range req.SourcePaths {
		dstPath := req.TargetPaths[i]

		preCount, preBytes, err := b.inventory(ctx, req.Source, srcPath)
		if err != nil {
			report.FailureReason = "pre-transfer inventory failed: " + err.Error()
			report.Duration = time.Since(start)
			return report, err
		}

		argv := b.buildArgv(req.Target, srcPath, dstPath)
		if _, err := b.SSH.Run(ctx, req.Source, "rsync_transfer", argv); err != nil {
			report.FailureReason = "rsync failed: " + err.Error()
			report.Duration = time.Since(start)
			return report, err
		}

		postCount, postBytes, err := b.inventory(ctx, req.Target, dstPath)
		if err != nil {
			report.FailureReason = "post-transfer inventory failed: " + err.Error()
			report.Duration = time.Since(start)
			return report, err
		}
		report.BytesTransferred += postBytes

		if postCount != preCount {
			report.FailureReason = "file count mismatch after transfer"
			report.Duration = time.Since(start)
			return report, nil
		}
		if !withinTolerance(preBytes, postBytes, 0.01) {
			report.FailureReason = "total size differs by more than 1% after transfer"
			report.Duration = time.Since(start)
			return report, nil
		}
	}

	for _, critical := range req.CriticalFiles {
		rel, ok := relativeTo(critical, req.SourcePaths, req.TargetPaths)
		if !ok {
			continue
		}
		srcSum, err := b.checksum(ctx, req.Source, critical)
		if err != nil {
			report.FailureReason = "checksum failed on source file " + critical
			report.Duration = time.Since(start)
			return report, err
		}
		tgtSum, err := b.checksum(ctx, req.Target, rel)
		if err != nil {
			report.FailureReason = "checksum failed on target file " + rel
			report.Duration = time.Since(start)
			return report, err
		}
		report.Checksums = append(report.Checksums, PathChecksum{
			Path: critical, Source: srcSum, Target: tgtSum, Matched: srcSum == tgtSum,
		})
		if srcSum != tgtSum {
			report.FailureReason = "critical file checksum mismatch: " + critical
			report.Duration = time.Since(start)
			return report, nil
		}
	}

	report.OK = true
	report.Duration = time.Since(start)
	return report, nil
}

// buildArgv constructs the rsync invocation, run on the
// source host with the target addressed as its remote destination.
func (b *RsyncBackend) buildArgv(target sshx.HostTarget, src, dst string) []string {
	argv := []string{
		"rsync", "-aHAX", "--numeric-ids", "--delete", "--compress", "--partial", "--info=stats2",
	}
	for _, pattern := range b.excludes() {
		argv = append(argv, "--exclude", pattern)
	}
	argv = append(argv, "-e", sshOptsString(target, 0), src, remoteSpec(target, dst))
	return argv
}

func (b *RsyncBackend) inventory(ctx context.Context, host sshx.HostTarget, path string) (count int, totalBytes int64, err error) {
	res, err := b.SSH.Run(ctx, host, "rsync_inventory", []string{"find", path, "-type", "f", "-printf", "%s\\n"})
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	c, total := sumSizes(lines)
	return c, total, nil
}

func (b *RsyncBackend) checksum(ctx context.Context, host sshx.HostTarget, path string) (string, error) {
	res, err := b.SSH.Run(ctx, host, "rsync_checksum", []string{"sha256sum", path})
	if err != nil {
		return "", errs.Wrap(errs.KindIntegrity, err, "computing checksum of %s on host %s", path, host.HostID)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", errs.New(errs.KindIntegrity, "empty sha256sum output for %s", path)
	}
	return fields[0], nil
}

func withinTolerance(pre, post int64, tolerance float64) bool {
	if pre == 0 {
		return post == 0
	}
	diff := float64(post-pre) / float64(pre)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// relativeTo maps an absolute critical-file path under one of sourcePaths
// to its corresponding location under the matching targetPaths entry.
func relativeTo(critical string, sourcePaths, targetPaths []string) (string, bool) {
	for i, src := range sourcePaths {
		if critical == src {
			return targetPaths[i], true
		}
		if strings.HasPrefix(critical, strings.TrimSuffix(src, "/")+"/") {
			tail := strings.TrimPrefix(critical, strings.TrimSuffix(src, "/")+"/")
			return strings.TrimSuffix(targetPaths[i], "/") + "/" + tail, true
		}
	}
	return "", false
}
