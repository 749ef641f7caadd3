// Package cleanup classifies reclaimable Docker resources into
// check/safe/moderate/aggressive tiers, runs prune operations through
// internal/docker, and drives an in-process scheduler over schedules stored
// in the config store. The scheduler is a plain one-minute time.Ticker
// polling loop; the daily/weekly-at-a-fixed-time schedule shape needs
// nothing finer.
package cleanup

import (
	"context"
	"time"

	"github.com/artemis/dockhostd/internal/docker"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
	"go.uber.org/zap"
)

// Tier is a cleanup aggressiveness level.
type Tier string

const (
	TierCheck      Tier = "check"
	TierSafe       Tier = "safe"
	TierModerate   Tier = "moderate"
	TierAggressive Tier = "aggressive"
)

// safeBuildCacheAge is the minimum age a build cache entry must reach
// before the safe tier is allowed to reclaim it.
const safeBuildCacheAge = 24 * time.Hour

func ValidTier(t Tier) bool {
	switch t {
	case TierCheck, TierSafe, TierModerate, TierAggressive:
		return true
	}
	return false
}

// ResourceRef is a minimal identity for a resource flagged during analysis.
type ResourceRef struct {
	ID   string
	Name string
	Size int64
}

// Analysis is the read-only result of scanning a host's reclaimable
// resources.
type Analysis struct {
	HostID             string
	StoppedContainers  []ResourceRef
	DanglingImages     []ResourceRef
	UnusedImages       []ResourceRef
	UnusedNetworks     []ResourceRef
	UnusedVolumes      []ResourceRef
	BuildCacheBytes    int64
	ReclaimableBytes   int64
	LevelEstimateBytes map[Tier]int64
	Warnings           []string
}

// Engine runs analysis and (tier-gated) execution against one host at a
// time, plus the schedule scan loop.
type Engine struct {
	Ops    *docker.Ops
	Logger *observability.Logger

	// Sink, if set, receives a "cleanup_progress" event when Execute finishes
	// a tier against a host. Optional: the `dockhostd cleanup` CLI path
	// builds an Engine with no HTTP surface running and leaves this nil.
	Sink observability.ProgressSink
}

func New(ops *docker.Ops, logger *observability.Logger) *Engine {
	return &Engine{Ops: ops, Logger: logger}
}

func (e *Engine) notify(target sshx.HostTarget, tier Tier, a *Analysis) {
	observability.CleanupReclaimedBytes.WithLabelValues(target.HostID, string(tier)).Add(float64(a.LevelEstimateBytes[tier]))
	if e.Sink == nil {
		return
	}
	e.Sink.BroadcastEvent("cleanup_progress", map[string]interface{}{
		"host_id":           target.HostID,
		"tier":              string(tier),
		"reclaimable_bytes": a.ReclaimableBytes,
	})
}

// Analyze computes the full resource breakdown for target, regardless of
// tier — check mode is simply Analyze without a subsequent Execute, making
// it observably side-effect-free (Testable Property 9).
func (e *Engine) Analyze(ctx context.Context, target sshx.HostTarget) (*Analysis, error) {
	a := &Analysis{HostID: target.HostID, LevelEstimateBytes: map[Tier]int64{}}

	containers, err := e.Ops.ListContainers(ctx, target, true)
	if err != nil {
		return nil, err
	}
	imagesInUse := map[string]bool{}
	for _, c := range containers {
		imagesInUse[c.ImageID] = true
		if c.State == "exited" || c.State == "created" || c.State == "dead" {
			a.StoppedContainers = append(a.StoppedContainers, ResourceRef{ID: c.ID, Name: firstName(c.Names), Size: c.SizeRw})
		}
	}

	images, err := e.Ops.ListImages(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		isDangling := len(img.RepoTags) == 0 || (len(img.RepoTags) == 1 && img.RepoTags[0] == "<none>:<none>")
		if isDangling {
			a.DanglingImages = append(a.DanglingImages, ResourceRef{ID: img.ID, Size: img.Size})
			continue
		}
		if !imagesInUse[img.ID] {
			a.UnusedImages = append(a.UnusedImages, ResourceRef{ID: img.ID, Size: img.Size})
		}
	}

	networks, err := e.Ops.ListNetworks(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, n := range networks {
		if n.Name == "bridge" || n.Name == "host" || n.Name == "none" {
			continue
		}
		if len(n.Containers) == 0 {
			a.UnusedNetworks = append(a.UnusedNetworks, ResourceRef{ID: n.ID, Name: n.Name})
		}
	}

	volumes, err := e.Ops.DanglingVolumes(ctx, target)
	if err != nil {
		return nil, err
	}
	var unusedVolumeBytes int64
	for _, v := range volumes {
		size := int64(-1)
		if v.UsageData != nil {
			size = v.UsageData.Size
			unusedVolumeBytes += v.UsageData.Size
		}
		a.UnusedVolumes = append(a.UnusedVolumes, ResourceRef{ID: v.Name, Name: v.Name, Size: size})
	}
	if len(a.UnusedVolumes) > 0 {
		a.Warnings = append(a.Warnings, "aggressive cleanup would remove unused volumes, which may contain persistent data")
	}

	du, err := e.Ops.DiskUsage(ctx, target)
	if err == nil {
		for _, bc := range du.BuildCache {
			a.BuildCacheBytes += bc.Size
		}
	}

	safeBytes := sumBytes(a.DanglingImages) + a.BuildCacheBytes
	moderateBytes := safeBytes + sumBytes(a.UnusedImages)
	aggressiveBytes := moderateBytes + unusedVolumeBytes
	a.LevelEstimateBytes[TierSafe] = safeBytes
	a.LevelEstimateBytes[TierModerate] = moderateBytes
	a.LevelEstimateBytes[TierAggressive] = aggressiveBytes
	a.ReclaimableBytes = aggressiveBytes

	return a, nil
}

// Execute runs Analyze, then — unless tier is check or dryRun is set —
// removes the resources each tier covers: safe (stopped containers,
// dangling images, unused networks, stale build cache), moderate (+ all
// unused images), aggressive (+ unused volumes, with a warning).
func (e *Engine) Execute(ctx context.Context, target sshx.HostTarget, tier Tier, dryRun bool) (*Analysis, error) {
	if !ValidTier(tier) {
		return nil, errs.New(errs.KindValidation, "invalid cleanup tier %q", tier)
	}
	analysis, err := e.Analyze(ctx, target)
	if err != nil {
		return nil, err
	}
	if tier == TierCheck || dryRun {
		return analysis, nil
	}

	for _, c := range analysis.StoppedContainers {
		if err := e.Ops.RemoveContainer(ctx, target, c.ID, false); err != nil {
			analysis.Warnings = append(analysis.Warnings, "failed to remove stopped container "+c.ID+": "+err.Error())
		}
	}
	for _, img := range analysis.DanglingImages {
		if err := e.Ops.RemoveImage(ctx, target, img.ID, false); err != nil {
			analysis.Warnings = append(analysis.Warnings, "failed to remove dangling image "+img.ID+": "+err.Error())
		}
	}
	for _, n := range analysis.UnusedNetworks {
		if err := e.Ops.RemoveNetwork(ctx, target, n.ID, n.Name); err != nil {
			analysis.Warnings = append(analysis.Warnings, "failed to remove unused network "+n.Name+": "+err.Error())
		}
	}
	if _, err := e.Ops.BuildCachePrune(ctx, target, safeBuildCacheAge); err != nil {
		analysis.Warnings = append(analysis.Warnings, "failed to prune build cache: "+err.Error())
	}

	if tier == TierSafe {
		e.Logger.Info("cleanup executed", zap.String("host_id", target.HostID), zap.String("tier", string(tier)))
		e.notify(target, tier, analysis)
		return analysis, nil
	}

	for _, img := range analysis.UnusedImages {
		if err := e.Ops.RemoveImage(ctx, target, img.ID, false); err != nil {
			analysis.Warnings = append(analysis.Warnings, "failed to remove unused image "+img.ID+": "+err.Error())
		}
	}

	if tier == TierModerate {
		e.Logger.Info("cleanup executed", zap.String("host_id", target.HostID), zap.String("tier", string(tier)))
		e.notify(target, tier, analysis)
		return analysis, nil
	}

	for _, v := range analysis.UnusedVolumes {
		if err := e.Ops.RemoveVolume(ctx, target, v.ID, false); err != nil {
			analysis.Warnings = append(analysis.Warnings, "failed to remove unused volume "+v.ID+": "+err.Error())
		}
	}
	e.Logger.Info("cleanup executed", zap.String("host_id", target.HostID), zap.String("tier", string(tier)))
	e.notify(target, tier, analysis)
	return analysis, nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func sumBytes(refs []ResourceRef) int64 {
	var total int64
	for _, r := range refs {
		if r.Size > 0 {
			total += r.Size
		}
	}
	return total
}

// --- Scheduler -------------------------------------------------------------

// Schedule is a stored (host_id, frequency, time, tier) tuple.
type Schedule struct {
	ScheduleID string
	HostID     string
	Frequency  string // daily | weekly
	TimeOfDay  string // "HH:MM" UTC
	Tier       Tier
}

// TargetLookup resolves a host_id to the sshx.HostTarget the scheduler
// needs to run cleanup against.
type TargetLookup func(hostID string) (sshx.HostTarget, bool)

// Scheduler polls its schedule list once a minute and fires any schedule
// whose (frequency, time) matches the current UTC minute. It does not
// replay missed ticks: a schedule that matched while the process was down
// or busy simply waits for its next occurrence.
type Scheduler struct {
	Engine    *Engine
	Schedules func() []Schedule
	Resolve   TargetLookup
	Logger    *observability.Logger

	lastFired map[string]string // scheduleID -> "YYYY-MM-DD HH:MM" last fire stamp
}

func NewScheduler(engine *Engine, schedules func() []Schedule, resolve TargetLookup, logger *observability.Logger) *Scheduler {
	return &Scheduler{Engine: engine, Schedules: schedules, Resolve: resolve, Logger: logger, lastFired: map[string]string{}}
}

// Run blocks, ticking every minute until stop is closed.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	hhmm := now.Format("15:04")
	for _, sched := range s.Schedules() {
		if sched.TimeOfDay != hhmm {
			continue
		}
		if sched.Frequency == "weekly" && now.Weekday() != time.Sunday {
			continue
		}
		stamp := now.Format("2006-01-02 15:04")
		if s.lastFired[sched.ScheduleID] == stamp {
			continue // already fired this exact minute
		}
		s.lastFired[sched.ScheduleID] = stamp

		target, ok := s.Resolve(sched.HostID)
		if !ok {
			s.Logger.ErrorRedacted("cleanup schedule references unknown host", zap.String("host_id", sched.HostID))
			continue
		}
		go func(sched Schedule, target sshx.HostTarget) {
			if _, err := s.Engine.Execute(ctx, target, sched.Tier, false); err != nil {
				s.Logger.ErrorRedacted("scheduled cleanup failed",
					zap.String("host_id", target.HostID),
					zap.String("schedule_id", sched.ScheduleID),
					zap.Error(err),
				)
			}
		}(sched, target)
	}
}
