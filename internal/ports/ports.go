// Package ports is the port inventory: it enumerates published port
// bindings across a host's containers, flags conflicts, classifies port
// ranges, and answers reservation/suggestion queries. Built on the
// multi-host internal/docker.Ops container listing, which already carries
// each container's published Ports from the daemon and avoids a second
// inspect round-trip per container.
package ports

import (
	"context"
	"sort"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/docker/docker/api/types"
)

// Range is an IANA-style port number classification.
type Range string

const (
	RangeSystem  Range = "system"  // 0-1023
	RangeUser    Range = "user"    // 1024-49151
	RangeDynamic Range = "dynamic" // 49152-65535
)

// Classify returns the IANA-style range a port falls in.
func Classify(port uint16) Range {
	switch {
	case port <= 1023:
		return RangeSystem
	case port <= 49151:
		return RangeUser
	default:
		return RangeDynamic
	}
}

// PortMapping is one published container port.
type PortMapping struct {
	HostID        string
	HostIP        string
	HostPort      uint16
	ContainerPort uint16
	Protocol      string
	ContainerID   string
	ContainerName string
	ServiceName   string // com.docker.compose.service label, if present
	IsConflict    bool
}

// PortConflict summarizes a set of mappings that compete for the same
// (host_ip-or-wildcard, host_port, protocol).
type PortConflict struct {
	HostPort uint16
	Protocol string
	Mappings []PortMapping
}

// Inventory is the result of scanning one host.
type Inventory struct {
	HostID    string
	Mappings  []PortMapping
	Conflicts []PortConflict
	ByRange   map[Range]map[string]int // range -> protocol -> count
}

// ContainerLister is the one docker.Ops method Scan needs, kept narrow so
// tests can drive it with an in-memory fake instead of a real Docker
// daemon connection; *docker.Ops implements this structurally.
type ContainerLister interface {
	ListContainers(ctx context.Context, target sshx.HostTarget, all bool) ([]types.Container, error)
}

// Scan enumerates every published port across all containers (running and
// stopped) on target, detects conflicts, and tallies range classification.
func Scan(ctx context.Context, ops ContainerLister, target sshx.HostTarget) (*Inventory, error) {
	containers, err := ops.ListContainers(ctx, target, true)
	if err != nil {
		return nil, err
	}

	inv := &Inventory{HostID: target.HostID, ByRange: map[Range]map[string]int{}}
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		service := c.Labels["com.docker.compose.service"]
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue // not published to the host
			}
			hostIP := p.IP
			if hostIP == "" {
				hostIP = "0.0.0.0"
			}
			m := PortMapping{
				HostID:        target.HostID,
				HostIP:        hostIP,
				HostPort:      p.PublicPort,
				ContainerPort: p.PrivatePort,
				Protocol:      p.Type,
				ContainerID:   c.ID,
				ContainerName: name,
				ServiceName:   service,
			}
			inv.Mappings = append(inv.Mappings, m)

			r := Classify(m.HostPort)
			if inv.ByRange[r] == nil {
				inv.ByRange[r] = map[string]int{}
			}
			inv.ByRange[r][m.Protocol]++
		}
	}

	inv.Conflicts = detectConflicts(inv.Mappings)
	markConflicts(inv.Mappings, inv.Conflicts)
	if len(inv.Conflicts) > 0 {
		observability.PortConflicts.WithLabelValues(target.HostID).Add(float64(len(inv.Conflicts)))
	}
	return inv, nil
}

type portProtoKey struct {
	port     uint16
	protocol string
}

// detectConflicts groups mappings by (host_port, protocol) and splits each
// group by exact host_ip, except that a "0.0.0.0" entry conflicts with
// every concrete IP sharing the same port/protocol.
func detectConflicts(mappings []PortMapping) []PortConflict {
	groups := map[portProtoKey][]PortMapping{}
	for _, m := range mappings {
		key := portProtoKey{m.HostPort, m.Protocol}
		groups[key] = append(groups[key], m)
	}

	var conflicts []PortConflict
	for key, group := range groups {
		if len(group) < 2 {
			continue
		}
		hasWildcard := false
		for _, m := range group {
			if m.HostIP == "0.0.0.0" {
				hasWildcard = true
				break
			}
		}
		if hasWildcard {
			conflicts = append(conflicts, PortConflict{HostPort: key.port, Protocol: key.protocol, Mappings: group})
			continue
		}
		byIP := map[string][]PortMapping{}
		for _, m := range group {
			byIP[m.HostIP] = append(byIP[m.HostIP], m)
		}
		for _, sub := range byIP {
			if len(sub) > 1 {
				conflicts = append(conflicts, PortConflict{HostPort: key.port, Protocol: key.protocol, Mappings: sub})
			}
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].HostPort != conflicts[j].HostPort {
			return conflicts[i].HostPort < conflicts[j].HostPort
		}
		return conflicts[i].Protocol < conflicts[j].Protocol
	})
	return conflicts
}

func markConflicts(mappings []PortMapping, conflicts []PortConflict) {
	conflicting := map[string]bool{}
	for _, c := range conflicts {
		for _, m := range c.Mappings {
			conflicting[m.ContainerID+"/"+m.Protocol+"/"+portKey(m)] = true
		}
	}
	for i := range mappings {
		if conflicting[mappings[i].ContainerID+"/"+mappings[i].Protocol+"/"+portKey(mappings[i])] {
			mappings[i].IsConflict = true
		}
	}
}

func portKey(m PortMapping) string {
	return m.HostIP + ":" + m.Protocol
}

// Reservation is a caller-declared soft hold on a port, stored alongside
// the host inventory in the config store.
type Reservation struct {
	HostID      string
	Port        uint16
	Protocol    string
	ServiceName string
	ReservedBy  string
	ExpiresAt   *int64 // unix seconds; nil means never expires
	Notes       string
}

// IsAvailable reports whether port/protocol is free on the host: not
// currently published by any container, and not covered by an active
// (non-expired) reservation.
func IsAvailable(inv *Inventory, reservations []Reservation, port uint16, protocol string, nowUnix int64) bool {
	for _, m := range inv.Mappings {
		if m.HostPort == port && m.Protocol == protocol {
			return false
		}
	}
	for _, r := range reservations {
		if r.HostID != inv.HostID || r.Port != port || r.Protocol != protocol {
			continue
		}
		if r.ExpiresAt == nil || *r.ExpiresAt > nowUnix {
			return false
		}
	}
	return true
}

// SuggestNext walks upward from base within base's classification range to
// find the first available port.
func SuggestNext(inv *Inventory, reservations []Reservation, base uint16, protocol string, nowUnix int64) (uint16, error) {
	r := Classify(base)
	_, hi := rangeBounds(r)
	for p := base; p <= hi; p++ {
		if IsAvailable(inv, reservations, p, protocol, nowUnix) {
			return p, nil
		}
		if p == hi {
			break // avoid uint16 wraparound past the range ceiling
		}
	}
	return 0, errs.New(errs.KindNotFound, "no available port in range %s starting from %d", r, base)
}

func rangeBounds(r Range) (uint16, uint16) {
	switch r {
	case RangeSystem:
		return 0, 1023
	case RangeUser:
		return 1024, 49151
	default:
		return 49152, 65535
	}
}
