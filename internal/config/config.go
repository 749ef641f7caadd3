// Package config is the host inventory store: it loads, validates, persists,
// and hot-reloads the host inventory and cleanup schedules described in
// hosts.yml. Mutating operations replace an immutable snapshot under an
// exclusive lock; request handlers read the snapshot under a shared lock.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var hostIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Host is a single inventory entry.
type Host struct {
	HostID       string   `yaml:"host_id"`
	Hostname     string   `yaml:"hostname"`
	SSHUser      string   `yaml:"ssh_user"`
	SSHPort      int      `yaml:"ssh_port"`
	IdentityFile string   `yaml:"identity_file,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	Tags         []string `yaml:"tags,omitempty"`
	ComposePath  string   `yaml:"compose_path,omitempty"`
	AppdataPath  string   `yaml:"appdata_path,omitempty"`
	ZFSCapable   bool     `yaml:"zfs_capable"`
	ZFSDataset   string   `yaml:"zfs_dataset,omitempty"`
	Enabled      bool     `yaml:"enabled"`
}

// DockerContextName derives the per-host docker context name.
func (h *Host) DockerContextName() string { return "docker-mcp-" + h.HostID }

// Validate enforces the host record invariants.
func (h *Host) Validate() error {
	if !hostIDPattern.MatchString(h.HostID) {
		return errs.New(errs.KindValidation, "host_id %q does not match %s", h.HostID, hostIDPattern.String())
	}
	if h.SSHPort < 1 || h.SSHPort > 65535 {
		return errs.New(errs.KindValidation, "ssh_port %d out of range", h.SSHPort).WithHost(h.HostID)
	}
	if h.Hostname == "" {
		return errs.New(errs.KindValidation, "hostname is required").WithHost(h.HostID)
	}
	if h.IdentityFile != "" && !filepath.IsAbs(h.IdentityFile) {
		return errs.New(errs.KindValidation, "identity_file must be an absolute path").WithHost(h.HostID)
	}
	if h.ZFSCapable && h.ZFSDataset == "" {
		return errs.New(errs.KindValidation, "zfs_capable requires zfs_dataset").WithHost(h.HostID)
	}
	if h.ComposePath != "" {
		if err := sshx.ValidateRemotePath(h.ComposePath); err != nil {
			return errs.Wrap(errs.KindValidation, err, "compose_path").WithHost(h.HostID)
		}
	}
	if h.AppdataPath != "" {
		if err := sshx.ValidateRemotePath(h.AppdataPath); err != nil {
			return errs.Wrap(errs.KindValidation, err, "appdata_path").WithHost(h.HostID)
		}
	}
	return nil
}

// CleanupSchedule is a stored (host_id, frequency, time, tier) tuple driving
// the in-process scheduler in internal/cleanup.
type CleanupSchedule struct {
	ScheduleID string `yaml:"-"`
	HostID     string `yaml:"host_id"`
	Frequency  string `yaml:"frequency"` // daily | weekly
	TimeOfDay  string `yaml:"time"`      // "HH:MM" UTC
	Tier       string `yaml:"tier"`      // check | safe | moderate | aggressive
}

// PortReservation is a soft hold on a (host_id, port, protocol), persisted
// alongside the host inventory so reservations survive restarts. Expiry is
// advisory: an expired entry is skipped by
// availability checks but stays on disk until released.
type PortReservation struct {
	HostID      string `yaml:"host_id"`
	Port        int    `yaml:"port"`
	Protocol    string `yaml:"protocol"`
	ServiceName string `yaml:"service_name,omitempty"`
	ReservedBy  string `yaml:"reserved_by,omitempty"`
	ExpiresAt   *int64 `yaml:"expires_at,omitempty"` // unix seconds
	Notes       string `yaml:"notes,omitempty"`
}

func (r *PortReservation) validate() error {
	if r.Port < 1 || r.Port > 65535 {
		return errs.New(errs.KindValidation, "reservation port %d out of range", r.Port).WithHost(r.HostID)
	}
	switch r.Protocol {
	case "tcp", "udp", "sctp":
	default:
		return errs.New(errs.KindValidation, "reservation protocol %q must be tcp, udp, or sctp", r.Protocol).WithHost(r.HostID)
	}
	return nil
}

// Config is the full contents of hosts.yml.
type Config struct {
	Hosts            map[string]*Host            `yaml:"hosts"`
	CleanupSchedules map[string]*CleanupSchedule `yaml:"cleanup_schedules"`
	PortReservations []*PortReservation          `yaml:"port_reservations,omitempty"`
}

func empty() *Config {
	return &Config{
		Hosts:            map[string]*Host{},
		CleanupSchedules: map[string]*CleanupSchedule{},
	}
}

// Clone returns a deep-enough copy suitable for handing out as an immutable
// snapshot; mutations build a clone and replace the pointer.
func (c *Config) Clone() *Config {
	out := empty()
	for id, h := range c.Hosts {
		cp := *h
		cp.Tags = append([]string(nil), h.Tags...)
		out.Hosts[id] = &cp
	}
	for id, s := range c.CleanupSchedules {
		cp := *s
		out.CleanupSchedules[id] = &cp
	}
	for _, r := range c.PortReservations {
		cp := *r
		if r.ExpiresAt != nil {
			exp := *r.ExpiresAt
			cp.ExpiresAt = &exp
		}
		out.PortReservations = append(out.PortReservations, &cp)
	}
	return out
}

func (c *Config) validate() error {
	for id, h := range c.Hosts {
		if h.HostID == "" {
			h.HostID = id
		}
		if h.HostID != id {
			return errs.New(errs.KindValidation, "host map key %q does not match host_id %q", id, h.HostID)
		}
		if err := h.Validate(); err != nil {
			return err
		}
	}
	for id, s := range c.CleanupSchedules {
		s.ScheduleID = id
		if s.Frequency != "daily" && s.Frequency != "weekly" {
			return errs.New(errs.KindValidation, "cleanup schedule %s: invalid frequency %q", id, s.Frequency)
		}
		switch s.Tier {
		case "check", "safe", "moderate", "aggressive":
		default:
			return errs.New(errs.KindValidation, "cleanup schedule %s: invalid tier %q", id, s.Tier)
		}
		if _, ok := c.Hosts[s.HostID]; !ok {
			return errs.New(errs.KindValidation, "cleanup schedule %s references unknown host %q", id, s.HostID)
		}
	}
	for _, r := range c.PortReservations {
		if err := r.validate(); err != nil {
			return err
		}
		if _, ok := c.Hosts[r.HostID]; !ok {
			return errs.New(errs.KindValidation, "port reservation %d/%s references unknown host %q", r.Port, r.Protocol, r.HostID)
		}
	}
	return nil
}

// Load parses path as YAML. A missing file yields an empty Config rather
// than an error, since a freshly installed inventory starts empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return empty(), nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "reading config %s", path)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "parsing YAML config %s", path)
	}
	cfg := empty()
	if len(doc.Content) > 0 {
		root := doc.Content[0]
		if err := checkHostFields(root); err != nil {
			return nil, err
		}
		if err := root.Decode(cfg); err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "decoding config %s", path)
		}
	}
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]*Host{}
	}
	if cfg.CleanupSchedules == nil {
		cfg.CleanupSchedules = map[string]*CleanupSchedule{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownHostFields = map[string]bool{
	"host_id": true, "hostname": true, "ssh_user": true, "ssh_port": true,
	"identity_file": true, "description": true, "tags": true,
	"compose_path": true, "appdata_path": true,
	"zfs_capable": true, "zfs_dataset": true, "enabled": true,
}

// checkHostFields enforces the config file's asymmetry: unknown top-level keys are
// ignored for forward compatibility, but an unknown field inside a host
// record is a validation error. YAML anchors/aliases and merge keys are
// permitted, so alias nodes are followed and "<<" is skipped.
func checkHostFields(root *yaml.Node) error {
	hosts := yamlMapValue(root, "hosts")
	if hosts != nil && hosts.Kind == yaml.AliasNode {
		hosts = hosts.Alias
	}
	if hosts == nil || hosts.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(hosts.Content); i += 2 {
		id := hosts.Content[i].Value
		hostNode := hosts.Content[i+1]
		if hostNode.Kind == yaml.AliasNode {
			hostNode = hostNode.Alias
		}
		if hostNode == nil || hostNode.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(hostNode.Content); j += 2 {
			key := hostNode.Content[j].Value
			if key == "<<" {
				continue
			}
			if !knownHostFields[key] {
				return errs.New(errs.KindValidation, "host %s: unknown field %q", id, key)
			}
		}
	}
	return nil
}

func yamlMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// Save writes cfg to path atomically: temp file in the same directory,
// fsync, rename over the original, mode 0600.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(errs.KindFatal, err, "creating config dir %s", dir)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.KindFatal, err, "marshaling config")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindFatal, err, "creating temp config file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindFatal, err, "writing temp config file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindFatal, err, "fsyncing temp config file")
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindFatal, err, "closing temp config file")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return errs.Wrap(errs.KindFatal, err, "chmod temp config file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.KindFatal, err, "renaming temp config file into place")
	}
	return nil
}

// Store is the runtime holder of the current Config snapshot, guarded by a
// reader/writer lock: readers take RLock, save/import take Lock.
type Store struct {
	mu      sync.RWMutex
	path    string
	cfg     *Config
	logger  *observability.Logger
	watcher *fsnotify.Watcher
}

// Open loads path and returns a Store wrapping it.
func Open(path string, logger *observability.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg, logger: logger}, nil
}

// Snapshot returns the current immutable Config under a shared lock.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Mutate runs fn against a clone of the current snapshot and, if fn
// succeeds, validates, persists, and installs the result — all under the
// exclusive lock, so that hot-reload and mutating RPCs never interleave.
func (s *Store) Mutate(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		return err
	}
	if err := Save(s.path, next); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// Watch starts an fsnotify watcher on the config file's directory and
// reloads on write events to the file itself, retaining the previous
// in-memory state on any parse/validation failure. The watcher replaces an
// immutable snapshot wholesale under the writer lock; readers observe the
// new snapshot on their next request.
func (s *Store) Watch(stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.KindFatal, err, "creating config watcher")
	}
	s.watcher = w

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return errs.Wrap(errs.KindFatal, err, "watching config dir %s", dir)
	}

	go func() {
		defer w.Close()
		var lastReload time.Time
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Debounce bursts of events from editors/atomic renames.
				if time.Since(lastReload) < 200*time.Millisecond {
					continue
				}
				lastReload = time.Now()
				s.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.ErrorRedacted("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *Store) reload() {
	// Read and install under the writer lock so a concurrent Mutate cannot
	// save a newer file between the read and the swap.
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Load(s.path)
	if err != nil {
		s.logger.ErrorRedacted("config hot-reload failed, keeping previous snapshot", zap.Error(err))
		return
	}
	s.cfg = next
	s.logger.Info("config hot-reloaded", zap.Int("hosts", len(next.Hosts)))
}

func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// GetHost is a convenience read over the current snapshot.
func (s *Store) GetHost(hostID string) (*Host, error) {
	cfg := s.Snapshot()
	h, ok := cfg.Hosts[hostID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "unknown host %q", hostID)
	}
	return h, nil
}

// AddHost inserts a new host record, failing if one already exists.
func (s *Store) AddHost(h *Host) error {
	return s.Mutate(func(c *Config) error {
		if _, exists := c.Hosts[h.HostID]; exists {
			return errs.New(errs.KindValidation, "host %q already exists", h.HostID)
		}
		if h.SSHPort == 0 {
			h.SSHPort = 22
		}
		c.Hosts[h.HostID] = h
		return nil
	})
}

// EditHost applies fn to the named host's record.
func (s *Store) EditHost(hostID string, fn func(*Host)) error {
	return s.Mutate(func(c *Config) error {
		h, ok := c.Hosts[hostID]
		if !ok {
			return errs.New(errs.KindNotFound, "unknown host %q", hostID)
		}
		fn(h)
		return nil
	})
}

// RemoveHost deletes a host record.
func (s *Store) RemoveHost(hostID string) error {
	return s.Mutate(func(c *Config) error {
		if _, ok := c.Hosts[hostID]; !ok {
			return errs.New(errs.KindNotFound, "unknown host %q", hostID)
		}
		delete(c.Hosts, hostID)
		return nil
	})
}

// ReservePort records a new soft hold, failing if an identical
// (host, port, protocol) hold already exists. The caller is responsible for
// the "port not currently published" check, since that
// requires a live container scan this package does not perform.
func (s *Store) ReservePort(r *PortReservation) error {
	return s.Mutate(func(c *Config) error {
		for _, existing := range c.PortReservations {
			if existing.HostID == r.HostID && existing.Port == r.Port && existing.Protocol == r.Protocol {
				return errs.New(errs.KindPortConflict, "port %d/%s on host %s is already reserved by %q", r.Port, r.Protocol, r.HostID, existing.ReservedBy).WithHost(r.HostID)
			}
		}
		c.PortReservations = append(c.PortReservations, r)
		return nil
	})
}

// ReleasePort drops a reservation.
func (s *Store) ReleasePort(hostID string, port int, protocol string) error {
	return s.Mutate(func(c *Config) error {
		for i, r := range c.PortReservations {
			if r.HostID == hostID && r.Port == port && r.Protocol == protocol {
				c.PortReservations = append(c.PortReservations[:i], c.PortReservations[i+1:]...)
				return nil
			}
		}
		return errs.New(errs.KindNotFound, "no reservation for port %d/%s on host %s", port, protocol, hostID).WithHost(hostID)
	})
}

// ReservationsFor returns the current snapshot's reservations for one host.
func (s *Store) ReservationsFor(hostID string) []*PortReservation {
	cfg := s.Snapshot()
	var out []*PortReservation
	for _, r := range cfg.PortReservations {
		if r.HostID == hostID {
			out = append(out, r)
		}
	}
	return out
}

// DefaultPath returns the default hosts.yml location under the user's home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hosts.yml"
	}
	return filepath.Join(home, ".dockhostd", "hosts.yml")
}
