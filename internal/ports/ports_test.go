package ports

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, Classify(80), RangeSystem)
	assert.Equal(t, Classify(1023), RangeSystem)
	assert.Equal(t, Classify(1024), RangeUser)
	assert.Equal(t, Classify(49151), RangeUser)
	assert.Equal(t, Classify(49152), RangeDynamic)
	assert.Equal(t, Classify(65535), RangeDynamic)
}

func TestDetectConflictsWildcard(t *testing.T) {
	mappings := []PortMapping{
		{HostIP: "0.0.0.0", HostPort: 8080, Protocol: "tcp", ContainerID: "a"},
		{HostIP: "10.0.0.5", HostPort: 8080, Protocol: "tcp", ContainerID: "b"},
	}
	conflicts := detectConflicts(mappings)
	assert.Equal(t, len(conflicts), 1)
	assert.Equal(t, len(conflicts[0].Mappings), 2)
}

func TestDetectConflictsDistinctIPsNoConflict(t *testing.T) {
	mappings := []PortMapping{
		{HostIP: "10.0.0.5", HostPort: 8080, Protocol: "tcp", ContainerID: "a"},
		{HostIP: "10.0.0.6", HostPort: 8080, Protocol: "tcp", ContainerID: "b"},
	}
	conflicts := detectConflicts(mappings)
	assert.Equal(t, len(conflicts), 0)
}

func TestDetectConflictsSameExactIP(t *testing.T) {
	mappings := []PortMapping{
		{HostIP: "10.0.0.5", HostPort: 8080, Protocol: "tcp", ContainerID: "a"},
		{HostIP: "10.0.0.5", HostPort: 8080, Protocol: "tcp", ContainerID: "b"},
	}
	conflicts := detectConflicts(mappings)
	assert.Equal(t, len(conflicts), 1)
}

func TestIsAvailableRespectsReservation(t *testing.T) {
	inv := &Inventory{HostID: "h1"}
	future := int64(9999999999)
	reservations := []Reservation{{HostID: "h1", Port: 9000, Protocol: "tcp", ExpiresAt: &future}}
	assert.Assert(t, !IsAvailable(inv, reservations, 9000, "tcp", 1000))
	assert.Assert(t, IsAvailable(inv, reservations, 9001, "tcp", 1000))
}

func TestIsAvailableExpiredReservationFreesPort(t *testing.T) {
	inv := &Inventory{HostID: "h1"}
	past := int64(1)
	reservations := []Reservation{{HostID: "h1", Port: 9000, Protocol: "tcp", ExpiresAt: &past}}
	assert.Assert(t, IsAvailable(inv, reservations, 9000, "tcp", 1000))
}

func TestSuggestNextSkipsUsedPorts(t *testing.T) {
	inv := &Inventory{
		HostID: "h1",
		Mappings: []PortMapping{
			{HostID: "h1", HostIP: "0.0.0.0", HostPort: 8080, Protocol: "tcp"},
			{HostID: "h1", HostIP: "0.0.0.0", HostPort: 8081, Protocol: "tcp"},
		},
	}
	got, err := SuggestNext(inv, nil, 8080, "tcp", 1000)
	assert.NilError(t, err)
	assert.Equal(t, got, uint16(8082))
}
