package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"gotest.tools/v3/assert"
)

func testLogger(t *testing.T) *observability.Logger {
	t.Helper()
	logger, err := observability.NewLogger("error")
	assert.NilError(t, err)
	return logger
}

func testHost(id string) *Host {
	return &Host{
		HostID:      id,
		Hostname:    "10.0.0.10",
		SSHUser:     "docker",
		SSHPort:     22,
		ComposePath: "/opt/compose",
		AppdataPath: "/opt/appdata",
		Enabled:     true,
	}
}

func TestLoadMissingFileYieldsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.NilError(t, err)
	assert.Equal(t, len(cfg.Hosts), 0)
	assert.Equal(t, len(cfg.CleanupSchedules), 0)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yml")
	exp := int64(2000000000)
	cfg := &Config{
		Hosts: map[string]*Host{
			"prod-1": testHost("prod-1"),
			"zfs-1": {
				HostID: "zfs-1", Hostname: "zfs.example", SSHUser: "root", SSHPort: 2222,
				ComposePath: "/tank/compose", AppdataPath: "/tank/appdata",
				ZFSCapable: true, ZFSDataset: "tank/appdata",
				Tags: []string{"storage", "prod"}, Enabled: true,
			},
		},
		CleanupSchedules: map[string]*CleanupSchedule{
			"nightly": {HostID: "prod-1", Frequency: "daily", TimeOfDay: "03:30", Tier: "safe"},
		},
		PortReservations: []*PortReservation{
			{HostID: "prod-1", Port: 8443, Protocol: "tcp", ServiceName: "vault", ReservedBy: "ops", ExpiresAt: &exp},
		},
	}
	assert.NilError(t, Save(path, cfg))

	info, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0o600))

	loaded, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, len(loaded.Hosts), 2)
	assert.DeepEqual(t, loaded.Hosts["zfs-1"], cfg.Hosts["zfs-1"])
	assert.Equal(t, loaded.CleanupSchedules["nightly"].TimeOfDay, "03:30")
	assert.Equal(t, len(loaded.PortReservations), 1)
	assert.Equal(t, loaded.PortReservations[0].Port, 8443)
	assert.Equal(t, *loaded.PortReservations[0].ExpiresAt, exp)
}

func TestLoadRejectsUnknownHostFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yml")
	data := []byte("hosts:\n  prod-1:\n    hostname: 10.0.0.10\n    no_such_field: true\n")
	assert.NilError(t, os.WriteFile(path, data, 0o600))

	_, err := Load(path)
	assert.Assert(t, err != nil)
	assert.Equal(t, errs.KindOf(err), errs.KindValidation)
}

func TestLoadIgnoresUnknownTopLevelKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yml")
	data := []byte("hosts:\n  prod-1:\n    hostname: 10.0.0.10\n    ssh_port: 22\n    enabled: true\nfuture_feature: 42\n")
	assert.NilError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Hosts["prod-1"].Hostname, "10.0.0.10")
}

func TestHostValidateRejectsBadSlug(t *testing.T) {
	h := testHost("Bad_Slug!")
	assert.Equal(t, errs.KindOf(h.Validate()), errs.KindValidation)
}

func TestHostValidateRejectsZFSWithoutDataset(t *testing.T) {
	h := testHost("zfs-broken")
	h.ZFSCapable = true
	assert.Equal(t, errs.KindOf(h.Validate()), errs.KindValidation)
}

func TestHostValidateRejectsRelativeIdentityFile(t *testing.T) {
	h := testHost("prod-1")
	h.IdentityFile = "keys/id_ed25519"
	assert.Equal(t, errs.KindOf(h.Validate()), errs.KindValidation)
}

func TestHostValidateRejectsBadPort(t *testing.T) {
	h := testHost("prod-1")
	h.SSHPort = 70000
	assert.Equal(t, errs.KindOf(h.Validate()), errs.KindValidation)
}

func TestStoreAddEditRemoveHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yml")
	store, err := Open(path, testLogger(t))
	assert.NilError(t, err)

	assert.NilError(t, store.AddHost(testHost("prod-1")))
	assert.Equal(t, errs.KindOf(store.AddHost(testHost("prod-1"))), errs.KindValidation)

	assert.NilError(t, store.EditHost("prod-1", func(h *Host) { h.Description = "primary" }))
	h, err := store.GetHost("prod-1")
	assert.NilError(t, err)
	assert.Equal(t, h.Description, "primary")

	assert.NilError(t, store.RemoveHost("prod-1"))
	_, err = store.GetHost("prod-1")
	assert.Equal(t, errs.KindOf(err), errs.KindNotFound)

	// The on-disk file tracks every mutation.
	reloaded, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, len(reloaded.Hosts), 0)
}

func TestStoreMutateRollsBackOnValidationFailure(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "hosts.yml"), testLogger(t))
	assert.NilError(t, err)
	assert.NilError(t, store.AddHost(testHost("prod-1")))

	err = store.Mutate(func(c *Config) error {
		c.Hosts["prod-1"].SSHPort = 0
		return nil
	})
	assert.Assert(t, err != nil)

	h, err := store.GetHost("prod-1")
	assert.NilError(t, err)
	assert.Equal(t, h.SSHPort, 22)
}

func TestStoreReservationLifecycle(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "hosts.yml"), testLogger(t))
	assert.NilError(t, err)
	assert.NilError(t, store.AddHost(testHost("prod-1")))

	r := &PortReservation{HostID: "prod-1", Port: 8080, Protocol: "tcp", ServiceName: "web", ReservedBy: "ops"}
	assert.NilError(t, store.ReservePort(r))

	dup := &PortReservation{HostID: "prod-1", Port: 8080, Protocol: "tcp"}
	assert.Equal(t, errs.KindOf(store.ReservePort(dup)), errs.KindPortConflict)

	other := &PortReservation{HostID: "prod-1", Port: 8080, Protocol: "udp"}
	assert.NilError(t, store.ReservePort(other))

	got := store.ReservationsFor("prod-1")
	assert.Equal(t, len(got), 2)
	assert.Equal(t, len(store.ReservationsFor("other-host")), 0)

	assert.NilError(t, store.ReleasePort("prod-1", 8080, "tcp"))
	assert.Equal(t, len(store.ReservationsFor("prod-1")), 1)
	assert.Equal(t, errs.KindOf(store.ReleasePort("prod-1", 8080, "tcp")), errs.KindNotFound)
}

func TestReservationValidateRejectsUnknownHostAndBadProtocol(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "hosts.yml"), testLogger(t))
	assert.NilError(t, err)
	assert.NilError(t, store.AddHost(testHost("prod-1")))

	bad := &PortReservation{HostID: "ghost", Port: 8080, Protocol: "tcp"}
	assert.Equal(t, errs.KindOf(store.ReservePort(bad)), errs.KindValidation)

	badProto := &PortReservation{HostID: "prod-1", Port: 8080, Protocol: "icmp"}
	assert.Equal(t, errs.KindOf(store.ReservePort(badProto)), errs.KindValidation)
}

func TestCloneIsDeep(t *testing.T) {
	exp := int64(100)
	cfg := &Config{
		Hosts:            map[string]*Host{"prod-1": testHost("prod-1")},
		CleanupSchedules: map[string]*CleanupSchedule{},
		PortReservations: []*PortReservation{{HostID: "prod-1", Port: 80, Protocol: "tcp", ExpiresAt: &exp}},
	}
	cfg.Hosts["prod-1"].Tags = []string{"a"}

	clone := cfg.Clone()
	clone.Hosts["prod-1"].Tags[0] = "mutated"
	clone.Hosts["prod-1"].Hostname = "changed"
	*clone.PortReservations[0].ExpiresAt = 999

	assert.Equal(t, cfg.Hosts["prod-1"].Tags[0], "a")
	assert.Equal(t, cfg.Hosts["prod-1"].Hostname, "10.0.0.10")
	assert.Equal(t, *cfg.PortReservations[0].ExpiresAt, int64(100))
}
