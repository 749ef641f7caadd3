// Package migrate is the migration orchestrator: it drives a single
// compose stack through the state machine — stop, quiesce, archive,
// transfer, extract, rewrite, deploy, verify, optionally remove the source —
// serializing concurrent attempts at the same (host_id, stack_name) pair
// behind keyMutex. Sequential phase functions each update one shared
// report as the pipeline advances.
package migrate

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/artemis/dockhostd/internal/compose"
	"github.com/artemis/dockhostd/internal/config"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/ports"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/artemis/dockhostd/internal/transfer"
	"go.uber.org/zap"
)

// logFailureMarkers are scanned in the target stack's startup logs after
// deploy; a hit is reported as a warning, never a hard failure.
var logFailureMarkers = []string{"panic:", "fatal error", "FATAL", "segmentation fault"}

// Engine owns the shared dependencies a migration needs against both hosts.
type Engine struct {
	Config *config.Store
	SSH    *sshx.Builder
	Docker DockerOps
	Rsync  RsyncTransfer
	ZFS    ZFSTransfer
	Logger *observability.Logger

	// Sink, if set, receives a "migration_progress" event at every state
	// transition. Optional: the cleanup/discover CLI paths build an
	// Engine with no HTTP surface running and leave this nil.
	Sink observability.ProgressSink

	locks keyMutex
}

func New(cfg *config.Store, ssh *sshx.Builder, ops DockerOps, rsync RsyncTransfer, zfs ZFSTransfer, logger *observability.Logger) *Engine {
	return &Engine{Config: cfg, SSH: ssh, Docker: ops, Rsync: rsync, ZFS: zfs, Logger: logger}
}

// notify pushes the current state of report to the sink, if one is set.
func (e *Engine) notify(report *Report, state State) {
	if e.Sink == nil {
		return
	}
	e.Sink.BroadcastEvent("migration_progress", map[string]interface{}{
		"migration_id": report.MigrationID,
		"stack":        report.StackName,
		"source_host":  report.SourceHostID,
		"target_host":  report.TargetHostID,
		"state":        string(state),
	})
}

// Migrate runs req through the full state machine, holding the
// per-(source_host, stack_name) lock for its entire duration.
func (e *Engine) Migrate(ctx context.Context, req Request) (*Report, error) {
	if err := sshx.ValidateStackName(req.StackName); err != nil {
		return e.fail(&Report{
			MigrationID:  req.MigrationID,
			SourceHostID: req.SourceHostID,
			TargetHostID: req.TargetHostID,
			StackName:    req.StackName,
			StartedAt:    time.Now(),
		}, err)
	}

	release := e.locks.Lock(migrationKey(req.SourceHostID, req.StackName))
	defer release()

	observability.ActiveMigrations.Inc()
	defer observability.ActiveMigrations.Dec()

	report := &Report{
		MigrationID:  req.MigrationID,
		SourceHostID: req.SourceHostID,
		TargetHostID: req.TargetHostID,
		StackName:    req.StackName,
		StartedAt:    time.Now(),
	}

	source, target, err := e.resolveHosts(req)
	if err != nil {
		return e.fail(report, err)
	}
	sourceTarget := hostTarget(source)
	targetTarget := hostTarget(target)

	composePath := path.Join(source.ComposePath, req.StackName, "docker-compose.yml")
	rawCompose, err := e.fetchRemoteFile(ctx, sourceTarget, composePath)
	if err != nil {
		return e.fail(report, errs.Wrap(errs.KindNotFound, err, "reading compose file for stack %s on host %s", req.StackName, req.SourceHostID))
	}

	parsed, err := compose.ParseBytes(rawCompose, composePath, nil)
	if err != nil {
		return e.fail(report, err)
	}
	bindSources := parsed.BindMountSources()

	method := req.TransferMethod
	if method == "" {
		method = e.selectTransferMethod(ctx, source, target, sourceTarget)
	}
	report.TransferMethod = method

	conflicts, reservedWarnings, err := e.checkPortConflicts(ctx, targetTarget, parsed)
	if err != nil {
		return e.fail(report, err)
	}
	report.Warnings = append(report.Warnings, reservedWarnings...)

	plan := &Plan{
		SourceHostID:   req.SourceHostID,
		TargetHostID:   req.TargetHostID,
		StackName:      req.StackName,
		TransferMethod: method,
		BindMounts:     bindSources,
		PortConflicts:  conflicts,
		Steps: []string{
			string(StateSourceStopped), string(StateQuiescent), string(StateArchived),
			string(StateTransferred), string(StateExtracted), string(StateComposeRewrite),
			string(StateTargetDeployed), string(StateVerified),
		},
	}
	plan.Warnings = append(plan.Warnings, reservedWarnings...)
	if req.SkipStopSource {
		plan.Warnings = append(plan.Warnings, "skip_stop_source requested: source containers will not be stopped before transfer")
	}
	report.Plan = plan

	if len(conflicts) > 0 && !req.DryRun {
		return e.fail(report, errs.New(errs.KindPortConflict, "%d published port(s) already in use on target host %s", len(conflicts), req.TargetHostID))
	}

	report.FinalState = StatePrepared
	e.notify(report, StatePrepared)
	if req.DryRun {
		report.FinishedAt = time.Now()
		return report, nil
	}

	if !req.SkipStopSource {
		if err := e.stopSourceQuiescent(ctx, sourceTarget, req.StackName, report); err != nil {
			return e.fail(report, err)
		}
	}
	report.FinalState = StateQuiescent
	e.notify(report, StateQuiescent)

	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return e.fail(report, ctx.Err())
	}

	targetStackDir := path.Join(target.ComposePath, req.StackName)
	targetAppdataDir := path.Join(target.AppdataPath, req.StackName)

	var zfsSpec transfer.ZFSSpec
	if method == MethodZFS {
		zfsSpec = transfer.ZFSSpec{
			SourceDataset: source.ZFSDataset,
			TargetDataset: target.ZFSDataset + "/" + req.StackName,
		}
	}
	report.FinalState = StateArchived
	e.notify(report, StateArchived)

	if len(bindSources) > 0 {
		switch method {
		case MethodZFS:
			if err := e.transferZFS(ctx, sourceTarget, targetTarget, zfsSpec, req.MigrationID, report); err != nil {
				return e.fail(report, err)
			}
		default:
			if err := e.transferRsync(ctx, sourceTarget, targetTarget, bindSources, targetAppdataDir, req.CriticalFiles, report); err != nil {
				e.cleanupRsyncStaging(ctx, targetTarget, targetAppdataDir)
				return e.fail(report, err)
			}
			if err := e.atomicSwap(ctx, targetTarget, targetAppdataDir); err != nil {
				return e.fail(report, err)
			}
		}
	}
	report.FinalState = StateTransferred
	e.notify(report, StateTransferred)
	report.FinalState = StateExtracted
	e.notify(report, StateExtracted)

	rewritten, err := compose.RewriteForMigration(rawCompose, target.AppdataPath, req.StackName, []string{source.AppdataPath})
	if err != nil {
		return e.fail(report, err)
	}
	var expectedBinds []string
	if reparsed, err := compose.ParseBytes(rewritten, composePath, nil); err == nil {
		expectedBinds = reparsed.BindMountSources()
	}
	if _, err := e.SSH.Run(ctx, targetTarget, "migrate_mkdir_stack_dir", []string{"mkdir", "-p", targetStackDir}); err != nil {
		return e.fail(report, err)
	}
	if _, err := e.SSH.WriteFile(ctx, targetTarget, "migrate_write_compose", path.Join(targetStackDir, "docker-compose.yml"), rewritten); err != nil {
		return e.fail(report, err)
	}
	report.FinalState = StateComposeRewrite
	e.notify(report, StateComposeRewrite)

	if req.StartTarget {
		if _, err := e.SSH.Run(ctx, targetTarget, "migrate_compose_up",
			[]string{"docker", "compose", "-p", req.StackName, "-f", path.Join(targetStackDir, "docker-compose.yml"), "up", "-d"}); err != nil {
			return e.fail(report, err)
		}
		report.FinalState = StateTargetDeployed
		e.notify(report, StateTargetDeployed)

		verified, warnings := e.verifyDeployment(ctx, targetTarget, req.StackName, expectedBinds, req.VerifyWindow)
		report.Warnings = append(report.Warnings, warnings...)
		report.Verified = verified
		if verified {
			report.FinalState = StateVerified
			e.notify(report, StateVerified)
		} else {
			report.warn("target stack deployed but did not verify healthy within the wait window; left running for manual inspection")
		}
	}

	if req.RemoveSource {
		if !report.Verified {
			report.warn("remove_source requested but target was not verified; source left in place")
		} else if _, err := e.SSH.Run(ctx, sourceTarget, "migrate_compose_down_source",
			// --volumes=false spelled out: named volumes on the source stay
			// in place even once the stack directory is removed. Orphan
			// removal already happened during the pre-transfer stop.
			[]string{"docker", "compose", "-p", req.StackName, "down", "--volumes=false"}); err != nil {
			report.warn("stopping source stack during cleanup failed: " + err.Error())
		} else if _, err := e.SSH.Run(ctx, sourceTarget, "migrate_remove_source_dir",
			[]string{"rm", "-rf", path.Join(source.ComposePath, req.StackName)}); err != nil {
			report.warn("removing source stack directory failed: " + err.Error())
		} else {
			report.SourceRemoved = true
			report.FinalState = StateSourceRemoved
			e.notify(report, StateSourceRemoved)
		}
	}

	report.FinalState = StateDone
	report.FinishedAt = time.Now()
	observability.MigrationStatus.WithLabelValues("success", string(report.TransferMethod)).Inc()
	e.notify(report, StateDone)
	e.Logger.Info("migration finished",
		zap.String("migration_id", report.MigrationID),
		zap.String("stack", report.StackName),
		zap.String("final_state", string(report.FinalState)),
		zap.Bool("verified", report.Verified),
	)
	return report, nil
}

func (e *Engine) fail(report *Report, err error) (*Report, error) {
	report.recordStep(StateFailed, report.StartedAt, err)
	report.FinalState = StateFailed
	report.FinishedAt = time.Now()
	observability.MigrationStatus.WithLabelValues("failed", string(report.TransferMethod)).Inc()
	e.notify(report, StateFailed)
	e.Logger.ErrorRedacted("migration failed",
		zap.String("migration_id", report.MigrationID),
		zap.String("stack", report.StackName),
		zap.Error(err),
	)
	return report, err
}

func (e *Engine) resolveHosts(req Request) (*config.Host, *config.Host, error) {
	if req.SourceHostID == req.TargetHostID {
		return nil, nil, errs.New(errs.KindValidation, "source and target host must differ")
	}
	source, err := e.Config.GetHost(req.SourceHostID)
	if err != nil {
		return nil, nil, err
	}
	target, err := e.Config.GetHost(req.TargetHostID)
	if err != nil {
		return nil, nil, err
	}
	if !source.Enabled {
		return nil, nil, errs.New(errs.KindValidation, "source host %q is disabled", req.SourceHostID)
	}
	if !target.Enabled {
		return nil, nil, errs.New(errs.KindValidation, "target host %q is disabled", req.TargetHostID)
	}
	return source, target, nil
}

func hostTarget(h *config.Host) sshx.HostTarget {
	return sshx.HostTarget{HostID: h.HostID, Hostname: h.Hostname, SSHUser: h.SSHUser, SSHPort: h.SSHPort, IdentityFile: h.IdentityFile}
}

func (e *Engine) fetchRemoteFile(ctx context.Context, target sshx.HostTarget, remotePath string) ([]byte, error) {
	res, err := e.SSH.Run(ctx, target, "migrate_read_compose", []string{"cat", remotePath})
	if err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

// selectTransferMethod picks zfs only when both hosts declare themselves
// zfs_capable and the source appdata path actually resolves to a dataset
// mountpoint; any other case falls back to rsync.
func (e *Engine) selectTransferMethod(ctx context.Context, source, target *config.Host, sourceTarget sshx.HostTarget) TransferMethod {
	if !source.ZFSCapable || !target.ZFSCapable {
		return MethodRsync
	}
	if _, err := e.ZFS.ResolveDataset(ctx, sourceTarget, source.AppdataPath); err != nil {
		return MethodRsync
	}
	return MethodZFS
}

// checkPortConflicts scans the target host's published ports against every
// port the compose file wants to bind. A port already published by a
// container is a hard conflict; one covered only by an active reservation
// yields a warning, since reservations are soft holds.
func (e *Engine) checkPortConflicts(ctx context.Context, targetTarget sshx.HostTarget, parsed *compose.ParsedCompose) ([]PortConflictSummary, []string, error) {
	inv, err := ports.Scan(ctx, e.Docker, targetTarget)
	if err != nil {
		return nil, nil, err
	}
	reservations := e.Config.ReservationsFor(targetTarget.HostID)
	now := time.Now().Unix()
	var conflicts []PortConflictSummary
	var warnings []string
	for _, p := range parsed.PublishedPorts() {
		portNum, ok := parsePort(p.Published)
		if !ok {
			continue
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		if !ports.IsAvailable(inv, nil, portNum, proto, now) {
			conflicts = append(conflicts, PortConflictSummary{HostPort: portNum, Protocol: proto})
			continue
		}
		for _, r := range reservations {
			if r.Port != int(portNum) || r.Protocol != proto {
				continue
			}
			if r.ExpiresAt != nil && *r.ExpiresAt <= now {
				continue
			}
			warnings = append(warnings, fmt.Sprintf("port %d/%s on target host %s is reserved for %q by %q", portNum, proto, targetTarget.HostID, r.ServiceName, r.ReservedBy))
		}
	}
	return conflicts, warnings, nil
}

func parsePort(published string) (uint16, bool) {
	s := published
	if i := strings.Index(s, "-"); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// stopSourceQuiescent stops the source stack: compose down, then poll remaining
// containers in the stack, escalating to SIGKILL once the graceful window
// elapses.
func (e *Engine) stopSourceQuiescent(ctx context.Context, sourceTarget sshx.HostTarget, stackName string, report *Report) error {
	start := time.Now()
	if _, err := e.SSH.Run(ctx, sourceTarget, "migrate_compose_down",
		[]string{"docker", "compose", "-p", stackName, "down", "--remove-orphans"}); err != nil {
		report.recordStep(StateSourceStopped, start, err)
		return err
	}
	report.recordStep(StateSourceStopped, start, nil)

	start = time.Now()
	containers, err := e.Docker.ListContainers(ctx, sourceTarget, true)
	if err != nil {
		report.recordStep(StateQuiescent, start, err)
		return err
	}
	for _, c := range containers {
		if c.Labels["com.docker.compose.project"] != stackName {
			continue
		}
		if c.State == "exited" || c.State == "dead" {
			continue
		}
		ok, err := e.Docker.WaitQuiescent(ctx, sourceTarget, c.ID, time.Second, 20)
		if err != nil {
			report.recordStep(StateQuiescent, start, err)
			return err
		}
		if ok {
			continue
		}
		if err := e.Docker.KillContainer(ctx, sourceTarget, c.ID); err != nil {
			report.recordStep(StateQuiescent, start, err)
			return err
		}
		ok, err = e.Docker.WaitQuiescent(ctx, sourceTarget, c.ID, time.Second, 5)
		if err != nil {
			report.recordStep(StateQuiescent, start, err)
			return err
		}
		if !ok {
			killErr := errs.New(errs.KindContainersRunning, "container %s in stack %s did not quiesce after SIGKILL", c.ID, stackName).WithHost(sourceTarget.HostID).WithStack(stackName)
			report.recordStep(StateQuiescent, start, killErr)
			return killErr
		}
	}
	report.recordStep(StateQuiescent, start, nil)
	return nil
}

// transferRsync moves every bind-mount source into a single staging
// directory alongside targetAppdataDir, leaving the atomic
// swap into targetAppdataDir to the caller.
func (e *Engine) transferRsync(ctx context.Context, sourceTarget, targetTarget sshx.HostTarget, bindSources []string, targetAppdataDir string, criticalFiles []string, report *Report) error {
	start := time.Now()
	tmpDir := targetAppdataDir + ".tmp"

	var sourcePaths, targetPaths []string
	for _, b := range bindSources {
		sourcePaths = append(sourcePaths, b)
		targetPaths = append(targetPaths, path.Join(tmpDir, path.Base(b)))
	}

	req := transfer.Request{
		Source: sourceTarget, Target: targetTarget,
		SourcePaths: sourcePaths, TargetPaths: targetPaths,
		CriticalFiles: criticalFiles,
	}
	result, err := e.Rsync.Transfer(ctx, req)
	if err != nil {
		report.recordStep(StateTransferred, start, err)
		return err
	}
	if !result.OK {
		err := errs.New(errs.KindIntegrity, "rsync transfer did not verify: %s", result.FailureReason)
		report.recordStep(StateTransferred, start, err)
		return err
	}
	report.BytesMoved += result.BytesTransferred
	observability.TransferBytes.WithLabelValues("rsync", "out", sourceTarget.HostID).Add(float64(result.BytesTransferred))
	report.recordStep(StateTransferred, start, nil)
	return nil
}

func (e *Engine) cleanupRsyncStaging(ctx context.Context, targetTarget sshx.HostTarget, targetAppdataDir string) {
	if _, err := e.SSH.Run(ctx, targetTarget, "migrate_cleanup_staging", []string{"rm", "-rf", targetAppdataDir + ".tmp"}); err != nil {
		e.Logger.ErrorRedacted("failed to clean up rsync staging directory after a failed transfer", zap.String("dir", targetAppdataDir+".tmp"), zap.Error(err))
	}
}

// atomicSwap is the split-phase extraction: verify the
// staged directory exists, move any prior copy aside, promote staging into
// place, then drop the prior copy. Every path is a fixed, already-escaped
// literal, so the conditional logic runs as a single `sh -c` script rather
// than needing per-branch round trips.
func (e *Engine) atomicSwap(ctx context.Context, targetTarget sshx.HostTarget, dir string) error {
	script, rollback := buildAtomicSwapScripts(dir)
	if _, err := e.SSH.RunShell(ctx, targetTarget, "migrate_atomic_swap", script); err != nil {
		if _, rbErr := e.SSH.RunShell(ctx, targetTarget, "migrate_atomic_swap_rollback", rollback); rbErr != nil {
			e.Logger.ErrorRedacted("atomic swap rollback itself failed", zap.String("dir", dir), zap.Error(rbErr))
		}
		return errs.Wrap(errs.KindIntegrity, err, "atomic swap of %s failed, attempted rollback", dir)
	}
	return nil
}

// buildAtomicSwapScripts builds the extraction script (verify
// staging exists, move any prior copy aside, promote staging into place,
// drop the prior copy) and its rollback counterpart, both as single `sh -c`
// bodies over fixed, pre-escaped path literals.
func buildAtomicSwapScripts(dir string) (script, rollback string) {
	tmp := dir + ".tmp"
	old := dir + ".old"
	qTmp, qOld, qDir := sshx.ShellEscape(tmp), sshx.ShellEscape(old), sshx.ShellEscape(dir)

	script = "set -e; [ -d " + qTmp + " ] || exit 1; rm -rf " + qOld +
		"; if [ -d " + qDir + " ]; then mv " + qDir + " " + qOld + "; fi" +
		"; mv " + qTmp + " " + qDir + "; rm -rf " + qOld
	rollback = "[ -d " + qOld + " ] && [ ! -d " + qDir + " ] && mv " + qOld + " " + qDir + " || true"
	return script, rollback
}

func (e *Engine) transferZFS(ctx context.Context, sourceTarget, targetTarget sshx.HostTarget, spec transfer.ZFSSpec, migrationID string, report *Report) error {
	start := time.Now()
	result, err := e.ZFS.Transfer(ctx, sourceTarget, targetTarget, spec, migrationID)
	if err != nil {
		report.recordStep(StateTransferred, start, err)
		return err
	}
	if !result.OK {
		err := errs.New(errs.KindIntegrity, "zfs transfer did not verify: %s", result.FailureReason)
		report.recordStep(StateTransferred, start, err)
		return err
	}
	report.recordStep(StateTransferred, start, nil)
	return nil
}

// verifyDeployment polls the target stack's containers until every one is
// running or the window elapses, checks that the rewritten bind sources are
// actually mounted inside those containers, then scans startup logs for
// known fatal markers; a log hit is returned as a warning only.
func (e *Engine) verifyDeployment(ctx context.Context, targetTarget sshx.HostTarget, stackName string, expectedBinds []string, window time.Duration) (bool, []string) {
	if window <= 0 {
		window = 60 * time.Second
	}
	deadline := time.Now().Add(window)
	var containers []string
	for time.Now().Before(deadline) {
		list, err := e.Docker.ListContainers(ctx, targetTarget, true)
		if err != nil {
			return false, []string{"verification aborted: " + err.Error()}
		}
		allRunning := len(list) > 0
		containers = containers[:0]
		for _, c := range list {
			if c.Labels["com.docker.compose.project"] != stackName {
				continue
			}
			containers = append(containers, c.ID)
			if c.State != "running" {
				allRunning = false
			}
		}
		if allRunning && len(containers) > 0 {
			if missing := e.missingMounts(ctx, targetTarget, containers, expectedBinds); len(missing) > 0 {
				return false, []string{"expected bind mount(s) not visible in any container: " + strings.Join(missing, ", ")}
			}
			return true, e.scanStartupLogs(ctx, targetTarget, containers)
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return false, []string{"verification cancelled: " + ctx.Err().Error()}
		}
	}
	return false, []string{"target stack did not reach running state within the verification window"}
}

// missingMounts inspects each container's mount list and returns the
// expected bind sources no container reports, confirming the rewritten
// binds are actually visible inside the deployed containers.
func (e *Engine) missingMounts(ctx context.Context, targetTarget sshx.HostTarget, containerIDs, expectedBinds []string) []string {
	if len(expectedBinds) == 0 {
		return nil
	}
	seen := map[string]bool{}
	for _, id := range containerIDs {
		inspect, err := e.Docker.InspectContainer(ctx, targetTarget, id)
		if err != nil {
			continue
		}
		for _, m := range inspect.Mounts {
			seen[m.Source] = true
		}
	}
	var missing []string
	for _, b := range expectedBinds {
		if !seen[b] {
			missing = append(missing, b)
		}
	}
	return missing
}

func (e *Engine) scanStartupLogs(ctx context.Context, targetTarget sshx.HostTarget, containerIDs []string) []string {
	var warnings []string
	for _, id := range containerIDs {
		reader, err := e.Docker.ContainerLogs(ctx, targetTarget, id, "200", false)
		if err != nil {
			continue
		}
		buf := make([]byte, 32*1024)
		n, _ := reader.Read(buf)
		reader.Close()
		text := string(buf[:n])
		for _, marker := range logFailureMarkers {
			if strings.Contains(text, marker) {
				warnings = append(warnings, "container "+id+" startup log contains \""+marker+"\"")
				break
			}
		}
	}
	return warnings
}
