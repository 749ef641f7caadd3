package transfer

import (
	"strings"
	"testing"

	"github.com/artemis/dockhostd/internal/sshx"
	"gotest.tools/v3/assert"
)

func TestWithinTolerance(t *testing.T) {
	assert.Assert(t, withinTolerance(1000, 1005, 0.01))
	assert.Assert(t, !withinTolerance(1000, 1200, 0.01))
	assert.Assert(t, withinTolerance(0, 0, 0.01))
}

func TestRelativeTo(t *testing.T) {
	src := []string{"/opt/web/conf"}
	dst := []string{"/mnt/target/web/conf"}
	got, ok := relativeTo("/opt/web/conf/nginx.conf", src, dst)
	assert.Assert(t, ok)
	assert.Equal(t, got, "/mnt/target/web/conf/nginx.conf")
}

func TestRelativeToExactMatch(t *testing.T) {
	src := []string{"/opt/web/conf/nginx.conf"}
	dst := []string{"/mnt/target/web/conf/nginx.conf"}
	got, ok := relativeTo("/opt/web/conf/nginx.conf", src, dst)
	assert.Assert(t, ok)
	assert.Equal(t, got, "/mnt/target/web/conf/nginx.conf")
}

func TestBuildRsyncArgvContainsExcludesAndDest(t *testing.T) {
	b := NewRsyncBackend(&sshx.Builder{})
	target := sshx.HostTarget{HostID: "t1", Hostname: "target.example", SSHUser: "deploy", SSHPort: 22}
	argv := b.buildArgv(target, "/opt/web", "/mnt/target/web")
	joined := strings.Join(argv, " ")
	assert.Assert(t, strings.Contains(joined, "--exclude"))
	assert.Assert(t, strings.Contains(joined, "deploy@target.example:/mnt/target/web"))
	assert.Assert(t, strings.Contains(joined, "-e"))
}

func TestSumSizes(t *testing.T) {
	count, total := sumSizes([]string{"100", "200", "", "  "})
	assert.Equal(t, count, 2)
	assert.Equal(t, total, int64(300))
}
