package discovery

import (
	"testing"

	"github.com/artemis/dockhostd/internal/config"
	"gotest.tools/v3/assert"
)

func TestRankPathsOrdersByCountThenPath(t *testing.T) {
	ranked := rankPaths(map[string]int{
		"/opt/compose": 5,
		"/srv/stacks":  9,
		"/mnt/apps":    5,
	})
	assert.Equal(t, len(ranked), 3)
	assert.Equal(t, ranked[0].Path, "/srv/stacks")
	assert.Equal(t, ranked[0].Count, 9)
	// Equal counts tie-break lexically.
	assert.Equal(t, ranked[1].Path, "/mnt/apps")
	assert.Equal(t, ranked[2].Path, "/opt/compose")
}

func TestParentOf(t *testing.T) {
	assert.Equal(t, parentOf("/opt/compose/web/docker-compose.yml"), "/opt/compose/web")
	assert.Equal(t, parentOf("/opt"), "/")
	assert.Equal(t, parentOf("relative"), "/")
}

func TestApplyToFillsOnlyEmptyFields(t *testing.T) {
	res := &Result{
		SuggestedComposePath: "/opt/compose",
		SuggestedAppdataPath: "/opt/appdata",
		ZFSCapable:           true,
		SuggestedZFSDataset:  "tank/appdata",
	}

	h := &config.Host{HostID: "prod-1", ComposePath: "/custom/compose"}
	res.ApplyTo(h)

	// Operator-supplied compose_path survives; empty fields get filled.
	assert.Equal(t, h.ComposePath, "/custom/compose")
	assert.Equal(t, h.AppdataPath, "/opt/appdata")
	assert.Assert(t, h.ZFSCapable)
	assert.Equal(t, h.ZFSDataset, "tank/appdata")
}

func TestApplyToLeavesZFSOffWithoutDataset(t *testing.T) {
	res := &Result{ZFSCapable: true}
	h := &config.Host{HostID: "prod-1"}
	res.ApplyTo(h)
	assert.Assert(t, !h.ZFSCapable)
	assert.Equal(t, h.ZFSDataset, "")
}
