package cleanup

import (
	"testing"

	"github.com/artemis/dockhostd/internal/sshx"
	"gotest.tools/v3/assert"
)

type fakeSink struct {
	eventType string
	data      interface{}
	calls     int
}

func (f *fakeSink) BroadcastEvent(eventType string, data interface{}) {
	f.eventType = eventType
	f.data = data
	f.calls++
}

func TestEngineNotifyNoopWithoutSink(t *testing.T) {
	e := &Engine{}
	e.notify(sshx.HostTarget{HostID: "host-1"}, TierSafe, &Analysis{})
}

func TestEngineNotifyPushesToSink(t *testing.T) {
	sink := &fakeSink{}
	e := &Engine{Sink: sink}
	e.notify(sshx.HostTarget{HostID: "host-1"}, TierModerate, &Analysis{ReclaimableBytes: 4096})

	assert.Equal(t, sink.calls, 1)
	assert.Equal(t, sink.eventType, "cleanup_progress")
	payload, ok := sink.data.(map[string]interface{})
	assert.Assert(t, ok)
	assert.Equal(t, payload["host_id"], "host-1")
	assert.Equal(t, payload["tier"], "moderate")
	assert.Equal(t, payload["reclaimable_bytes"], int64(4096))
}

func TestValidTier(t *testing.T) {
	assert.Assert(t, ValidTier(TierCheck))
	assert.Assert(t, ValidTier(TierSafe))
	assert.Assert(t, ValidTier(TierModerate))
	assert.Assert(t, ValidTier(TierAggressive))
	assert.Assert(t, !ValidTier(Tier("destructive")))
}

func TestSumBytes(t *testing.T) {
	refs := []ResourceRef{{Size: 10}, {Size: -1}, {Size: 5}}
	assert.Equal(t, sumBytes(refs), int64(15))
}

func TestFirstName(t *testing.T) {
	assert.Equal(t, firstName(nil), "")
	assert.Equal(t, firstName([]string{"/web"}), "/web")
}
