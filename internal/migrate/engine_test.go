package migrate

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artemis/dockhostd/internal/config"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/artemis/dockhostd/internal/transfer"
	"github.com/docker/docker/api/types"
	"gotest.tools/v3/assert"
)

func TestParsePort(t *testing.T) {
	p, ok := parsePort("8080")
	assert.Assert(t, ok)
	assert.Equal(t, p, uint16(8080))

	p, ok = parsePort("8080-8090")
	assert.Assert(t, ok)
	assert.Equal(t, p, uint16(8080))

	_, ok = parsePort("not-a-port")
	assert.Assert(t, !ok)
}

func TestMigrationKeyDistinguishesStacks(t *testing.T) {
	assert.Assert(t, migrationKey("host-a", "stack-1") != migrationKey("host-a", "stack-2"))
	assert.Assert(t, migrationKey("host-a", "stack-1") != migrationKey("host-b", "stack-1"))
}

func TestKeyMutexSerializesSameKey(t *testing.T) {
	var km keyMutex
	var counter int
	var wg sync.WaitGroup
	var maxObserved int
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := km.Lock("host/stack")
			defer release()

			mu.Lock()
			counter++
			if counter > maxObserved {
				maxObserved = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, maxObserved, 1)
}

func TestBuildAtomicSwapScripts(t *testing.T) {
	script, rollback := buildAtomicSwapScripts("/mnt/target/appdata/mystack")
	assert.Assert(t, strings.Contains(script, "/mnt/target/appdata/mystack.tmp"))
	assert.Assert(t, strings.Contains(script, "mv"))
	assert.Assert(t, strings.Contains(rollback, "/mnt/target/appdata/mystack.old"))
}

func TestReportRecordStepAndWarn(t *testing.T) {
	r := &Report{}
	r.recordStep(StateQuiescent, time.Now(), nil)
	r.warn("something to note")
	assert.Equal(t, len(r.Steps), 1)
	assert.Equal(t, r.Steps[0].State, StateQuiescent)
	assert.Equal(t, r.Steps[0].Err, "")
	assert.Equal(t, len(r.Warnings), 1)
}

// --- end-to-end scenarios ----------------------------------------------

const (
	testSourceHost = "source-1"
	testTargetHost = "target-1"
	testStack      = "mystack"
)

func newTestStore(t *testing.T, logger *observability.Logger) *config.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yml")
	store, err := config.Open(path, logger)
	assert.NilError(t, err)

	assert.NilError(t, store.AddHost(&config.Host{
		HostID: testSourceHost, Hostname: "source.example", SSHUser: "deploy",
		ComposePath: "/opt/stacks", AppdataPath: "/opt/appdata", Enabled: true,
	}))
	assert.NilError(t, store.AddHost(&config.Host{
		HostID: testTargetHost, Hostname: "target.example", SSHUser: "deploy",
		ComposePath: "/mnt/stacks", AppdataPath: "/mnt/appdata", Enabled: true,
	}))
	return store
}

// fakeSink records every event a migrate.Engine broadcasts, standing in for
// *server.Server in tests without pulling in the HTTP/WebSocket stack.
type fakeSink struct {
	mu     sync.Mutex
	states []string
}

func (f *fakeSink) BroadcastEvent(eventType string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := data.(map[string]interface{})
	if !ok {
		return
	}
	state, _ := event["state"].(string)
	f.states = append(f.states, state)
}

func newTestEngine(t *testing.T, runner *fakeRunner, docker *fakeDockerOps, rsync RsyncTransfer) *Engine {
	t.Helper()
	logger, err := observability.NewLogger("error")
	assert.NilError(t, err)

	builder := sshx.NewBuilder(t.TempDir(), sshx.NewRateLimiter(), nil, logger)
	builder.Exec = runner

	store := newTestStore(t, logger)
	return New(store, builder, docker, rsync, fakeZFS{}, logger)
}

const testComposeNoPorts = `
services:
  web:
    image: nginx
    volumes:
      - /opt/appdata/mystack/conf:/etc/nginx/conf.d:ro
`

const testComposeWithPort = `
services:
  web:
    image: nginx
    ports:
      - "8080:80"
`

func TestMigrateRsyncEndToEndSucceedsAndVerifies(t *testing.T) {
	runner := newFakeRunner()
	runner.on("cat ", testComposeNoPorts)

	docker := &fakeDockerOps{
		sourceHostID: testSourceHost,
		targetHostID: testTargetHost,
		targetContainers: []types.Container{
			{ID: "c1", State: "running", Labels: map[string]string{"com.docker.compose.project": testStack}},
		},
		targetMounts: []types.MountPoint{
			{Type: "bind", Source: "/mnt/appdata/mystack/conf", Destination: "/etc/nginx/conf.d"},
		},
	}
	rsync := &fakeRsync{report: &transfer.Report{BackendID: "rsync", OK: true, BytesTransferred: 4096}}

	e := newTestEngine(t, runner, docker, rsync)
	sink := &fakeSink{}
	e.Sink = sink
	req := NewRequest("mig-1", testSourceHost, testTargetHost, testStack)

	report, err := e.Migrate(context.Background(), req)
	assert.NilError(t, err)
	assert.Equal(t, report.FinalState, StateDone)
	assert.Equal(t, report.TransferMethod, MethodRsync)
	assert.Assert(t, report.Verified)
	assert.Equal(t, report.BytesMoved, int64(4096))
	assert.Assert(t, runner.calledWith("mkdir -p /mnt/stacks/mystack"))
	assert.Assert(t, runner.calledWith("base64 -d"))
	assert.Assert(t, runner.calledWith("up -d"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Assert(t, len(sink.states) > 0)
	assert.Equal(t, sink.states[len(sink.states)-1], string(StateDone))
}

func TestMigrateDryRunReturnsPlanWithoutExecuting(t *testing.T) {
	runner := newFakeRunner()
	runner.on("cat ", testComposeNoPorts)

	docker := &fakeDockerOps{sourceHostID: testSourceHost, targetHostID: testTargetHost}
	rsync := &fakeRsync{report: &transfer.Report{OK: true}}

	e := newTestEngine(t, runner, docker, rsync)
	req := NewRequest("mig-2", testSourceHost, testTargetHost, testStack)
	req.DryRun = true

	report, err := e.Migrate(context.Background(), req)
	assert.NilError(t, err)
	assert.Equal(t, report.FinalState, StatePrepared)
	assert.Assert(t, report.Plan != nil)
	assert.Assert(t, !runner.calledWith("down --remove-orphans"))
	assert.Assert(t, !runner.calledWith("up -d"))
}

func TestMigrateAbortsOnPortConflict(t *testing.T) {
	runner := newFakeRunner()
	runner.on("cat ", testComposeWithPort)

	docker := &fakeDockerOps{
		sourceHostID: testSourceHost,
		targetHostID: testTargetHost,
		targetContainers: []types.Container{
			{
				ID:    "existing",
				State: "running",
				Ports: []types.Port{{PublicPort: 8080, PrivatePort: 80, Type: "tcp", IP: "0.0.0.0"}},
			},
		},
	}
	rsync := &fakeRsync{report: &transfer.Report{OK: true}}

	e := newTestEngine(t, runner, docker, rsync)
	req := NewRequest("mig-3", testSourceHost, testTargetHost, testStack)

	report, err := e.Migrate(context.Background(), req)
	assert.Assert(t, err != nil)
	assert.Equal(t, report.FinalState, StateFailed)
	assert.Assert(t, !runner.calledWith("down --remove-orphans"))
}

func TestMigrateWarnsOnReservedTargetPort(t *testing.T) {
	runner := newFakeRunner()
	runner.on("cat ", testComposeWithPort)

	docker := &fakeDockerOps{sourceHostID: testSourceHost, targetHostID: testTargetHost}
	rsync := &fakeRsync{report: &transfer.Report{OK: true}}

	e := newTestEngine(t, runner, docker, rsync)
	assert.NilError(t, e.Config.ReservePort(&config.PortReservation{
		HostID: testTargetHost, Port: 8080, Protocol: "tcp", ServiceName: "metrics", ReservedBy: "ops",
	}))

	req := NewRequest("mig-5", testSourceHost, testTargetHost, testStack)
	req.DryRun = true

	report, err := e.Migrate(context.Background(), req)
	assert.NilError(t, err)
	assert.Equal(t, report.FinalState, StatePrepared)

	var warned bool
	for _, w := range report.Warnings {
		if strings.Contains(w, "reserved") {
			warned = true
		}
	}
	assert.Assert(t, warned, "expected a soft warning for the reserved target port, got %v", report.Warnings)
}

func TestMigrateRejectsInvalidStackName(t *testing.T) {
	runner := newFakeRunner()
	docker := &fakeDockerOps{sourceHostID: testSourceHost, targetHostID: testTargetHost}
	rsync := &fakeRsync{report: &transfer.Report{OK: true}}

	e := newTestEngine(t, runner, docker, rsync)
	req := NewRequest("mig-4", testSourceHost, testTargetHost, "../etc/passwd")

	report, err := e.Migrate(context.Background(), req)
	assert.Assert(t, err != nil)
	assert.Equal(t, report.FinalState, StateFailed)
	assert.Equal(t, len(runner.calls), 0)
}
