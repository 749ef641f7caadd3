// Package discovery is the capability prober: it probes a host over SSH
// for its Docker version, candidate compose/appdata directories, and ZFS
// availability, merging results into the host record only where fields are
// still empty.
package discovery

import (
	"context"
	"sort"
	"strings"

	"github.com/artemis/dockhostd/internal/config"
	"github.com/artemis/dockhostd/internal/sshx"
	"golang.org/x/sync/errgroup"
)

// Result carries the probe outcomes plus guidance messages for the caller.
type Result struct {
	DockerVersion        string
	ComposeCandidates    []RankedPath
	AppdataCandidates    []RankedPath
	ZFSCapable           bool
	ZFSDatasets          []string
	SuggestedComposePath string
	SuggestedAppdataPath string
	SuggestedZFSDataset  string
	HostKeyPinned        bool
	Guidance             []string
}

// RankedPath is a candidate directory ranked by how many stack-shaped (or
// service-shaped) children it contains.
type RankedPath struct {
	Path  string
	Count int
}

var composeRoots = []string{"/opt", "/srv", "/mnt", "/home"}

// Prober runs the read-only capability probes against a single host.
type Prober struct {
	SSH *sshx.Builder
}

func NewProber(b *sshx.Builder) *Prober { return &Prober{SSH: b} }

// Discover runs all probes concurrently with a bounded errgroup fan-out
// and assembles a Result.
func (p *Prober) Discover(ctx context.Context, target sshx.HostTarget, appdataHint string) (*Result, error) {
	res := &Result{}
	g, gctx := errgroup.WithContext(ctx)

	// Each probe writes only its own fields and its own guidance slot; the
	// slots are merged after Wait so no two goroutines touch a shared slice.
	var dockerGuidance, composeGuidance, appdataGuidance string

	g.Go(func() error {
		v, err := p.dockerVersion(gctx, target)
		if err != nil {
			dockerGuidance = "docker version probe failed: " + err.Error()
			return nil
		}
		res.DockerVersion = v
		return nil
	})

	g.Go(func() error {
		candidates, err := p.rankedCandidates(gctx, target, composeRoots, "docker-compose.yml", "compose.yaml")
		if err != nil {
			composeGuidance = "compose path probe failed: " + err.Error()
			return nil
		}
		res.ComposeCandidates = candidates
		return nil
	})

	g.Go(func() error {
		candidates, err := p.rankedSiblingCandidates(gctx, target, composeRoots)
		if err != nil {
			appdataGuidance = "appdata path probe failed: " + err.Error()
			return nil
		}
		res.AppdataCandidates = candidates
		return nil
	})

	g.Go(func() error {
		capable, datasets, err := p.zfsProbe(gctx, target, appdataHint)
		if err != nil {
			// ZFS unavailable is a normal, silent outcome, not a guidance
			// message: most hosts simply don't have it.
			return nil
		}
		res.ZFSCapable = capable
		res.ZFSDatasets = datasets
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, msg := range []string{dockerGuidance, composeGuidance, appdataGuidance} {
		if msg != "" {
			res.Guidance = append(res.Guidance, msg)
		}
	}

	// A StrictHostKeyChecking=accept-new connection needs a prior
	// fingerprint decision logged — capability discovery is the first SSH
	// touch a freshly-added host gets, so this is where that gets recorded.
	if pinned, khErr := sshx.CheckKnownHosts(sshx.DefaultKnownHostsPath(), target.Hostname); khErr != nil {
		res.Guidance = append(res.Guidance, "known_hosts check failed: "+khErr.Error())
	} else {
		res.HostKeyPinned = pinned
		if !pinned {
			res.Guidance = append(res.Guidance, "host key not yet pinned in known_hosts; StrictHostKeyChecking=accept-new will record it on first connect")
		}
	}

	if len(res.ComposeCandidates) > 0 {
		res.SuggestedComposePath = res.ComposeCandidates[0].Path
	}
	if len(res.AppdataCandidates) > 0 {
		res.SuggestedAppdataPath = res.AppdataCandidates[0].Path
	}
	for _, ds := range res.ZFSDatasets {
		if appdataHint != "" && strings.Contains(ds, strings.TrimPrefix(appdataHint, "/")) {
			res.SuggestedZFSDataset = ds
			break
		}
	}
	return res, nil
}

// ApplyTo merges discovered capability fields into h, filling only the
// fields that are still empty — a capability probe never overwrites an
// operator-supplied value.
func (r *Result) ApplyTo(h *config.Host) {
	if h.ComposePath == "" && r.SuggestedComposePath != "" {
		h.ComposePath = r.SuggestedComposePath
	}
	if h.AppdataPath == "" && r.SuggestedAppdataPath != "" {
		h.AppdataPath = r.SuggestedAppdataPath
	}
	if !h.ZFSCapable && r.ZFSCapable && r.SuggestedZFSDataset != "" {
		h.ZFSCapable = true
	}
	if h.ZFSDataset == "" && r.SuggestedZFSDataset != "" {
		h.ZFSDataset = r.SuggestedZFSDataset
	}
}

func (p *Prober) dockerVersion(ctx context.Context, target sshx.HostTarget) (string, error) {
	res, err := p.SSH.Run(ctx, target, "docker_version", []string{"docker", "version", "--format", "{{.Server.Version}}"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// rankedCandidates scans each root for immediate subdirectories whose child
// directories contain one of the given compose filenames, ranking by how
// many such stacks each root's children hold.
func (p *Prober) rankedCandidates(ctx context.Context, target sshx.HostTarget, roots []string, filenames ...string) ([]RankedPath, error) {
	var findExpr []string
	for i, name := range filenames {
		if i > 0 {
			findExpr = append(findExpr, "-o")
		}
		findExpr = append(findExpr, "-name", name)
	}

	byRoot := map[string]int{}
	for _, root := range roots {
		argv := append([]string{"find", root, "-mindepth", "3", "-maxdepth", "3", "("}, findExpr...)
		argv = append(argv, ")")
		res, err := p.SSH.Run(ctx, target, "discover_compose", argv)
		if err != nil {
			continue // root may not exist; that's expected, not fatal.
		}
		for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			if line == "" {
				continue
			}
			stackDir := parentOf(parentOf(line))
			byRoot[stackDir]++
		}
	}
	return rankPaths(byRoot), nil
}

// rankedSiblingCandidates looks for directories containing many sibling
// subdirectories (heuristic for a per-service appdata root).
func (p *Prober) rankedSiblingCandidates(ctx context.Context, target sshx.HostTarget, roots []string) ([]RankedPath, error) {
	byRoot := map[string]int{}
	for _, root := range roots {
		res, err := p.SSH.Run(ctx, target, "discover_appdata",
			[]string{"find", root, "-mindepth", "1", "-maxdepth", "1", "-type", "d"})
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		for _, line := range lines {
			if line == "" {
				continue
			}
			parent := parentOf(line)
			byRoot[parent]++
		}
	}
	return rankPaths(byRoot), nil
}

func (p *Prober) zfsProbe(ctx context.Context, target sshx.HostTarget, appdataHint string) (bool, []string, error) {
	if _, err := p.SSH.Run(ctx, target, "zfs_version", []string{"zfs", "version"}); err != nil {
		return false, nil, err
	}
	res, err := p.SSH.Run(ctx, target, "zfs_list", []string{"zfs", "list", "-H", "-o", "name"})
	if err != nil {
		return true, nil, nil
	}
	var datasets []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			datasets = append(datasets, line)
		}
	}
	return true, datasets, nil
}

func rankPaths(counts map[string]int) []RankedPath {
	out := make([]RankedPath, 0, len(counts))
	for path, count := range counts {
		out = append(out, RankedPath{Path: path, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func parentOf(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}
