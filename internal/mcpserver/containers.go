package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/artemis/dockhostd/internal/config"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/ports"
	"github.com/artemis/dockhostd/internal/services"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// containerTools returns the docker_containers tool: list/inspect/start/
// stop/restart/remove/logs plus the port inventory and reservation actions
// against a single host.
func (s *Server) containerTools() []server.ServerTool {
	tool := mcp.NewTool("docker_containers",
		mcp.WithDescription("Operate on containers on a given host: list, inspect, start, stop, restart, remove, logs, scan published ports, or manage port reservations"),
		mcp.WithString("action", mcp.Description("list | inspect | start | stop | restart | remove | logs | port_scan | port_reserve | port_release | port_suggest"), mcp.Required()),
		mcp.WithString("host_id", mcp.Description("target host id"), mcp.Required()),
		mcp.WithString("container_id", mcp.Description("container id or name, required except for list/port_* actions")),
		mcp.WithBoolean("all", mcp.Description("for list: include stopped containers")),
		mcp.WithBoolean("force", mcp.Description("for remove: force-remove a running container")),
		mcp.WithNumber("timeout_seconds", mcp.Description("for stop/restart: grace period before SIGKILL")),
		mcp.WithNumber("lines", mcp.Description("for logs: number of lines, capped at 10000")),
		mcp.WithNumber("port", mcp.Description("for port_reserve/port_release/port_suggest: the port number (base port for port_suggest)")),
		mcp.WithString("protocol", mcp.Description("for port_* actions: tcp | udp | sctp, default tcp")),
		mcp.WithString("service_name", mcp.Description("for port_reserve: service the hold is for")),
		mcp.WithString("reserved_by", mcp.Description("for port_reserve: who is placing the hold")),
		mcp.WithNumber("expires_at", mcp.Description("for port_reserve: unix seconds after which the hold lapses; omit for no expiry")),
		mcp.WithString("notes", mcp.Description("for port_reserve: free-form note")),
	)
	return []server.ServerTool{{Tool: tool, Handler: s.handleContainers}}
}

func (s *Server) handleContainers(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, _, err := s.hostTargetFor(ctr.GetString("host_id", ""))
	if err != nil {
		return errorResult(err)
	}

	action := ctr.GetString("action", "")
	switch action {
	case "list":
		containers, err := s.Docker.ListContainers(ctx, target, ctr.GetBool("all", true))
		if err != nil {
			return errorResult(err)
		}
		return result(containers, fmt.Sprintf("%d container(s) on host %s", len(containers), target.HostID), nil)

	case "inspect":
		id := ctr.GetString("container_id", "")
		if id == "" {
			return errorResult(errs.New(errs.KindValidation, "container_id is required"))
		}
		inspect, err := s.Docker.InspectContainer(ctx, target, id)
		if err != nil {
			return errorResult(err)
		}
		return result(inspect, "", nil)

	case "start":
		id := ctr.GetString("container_id", "")
		if err := s.Services.Start(ctx, target, id); err != nil {
			return errorResult(err)
		}
		return result(nil, "container "+id+" started", nil)

	case "stop":
		id := ctr.GetString("container_id", "")
		timeout := optionalTimeout(ctr)
		if err := s.Services.Stop(ctx, target, id, timeout); err != nil {
			return errorResult(err)
		}
		return result(nil, "container "+id+" stopped", nil)

	case "restart":
		id := ctr.GetString("container_id", "")
		timeout := optionalTimeout(ctr)
		if err := s.Services.Restart(ctx, target, id, timeout); err != nil {
			return errorResult(err)
		}
		return result(nil, "container "+id+" restarted", nil)

	case "remove":
		id := ctr.GetString("container_id", "")
		if err := s.Services.Remove(ctx, target, id, ctr.GetBool("force", false)); err != nil {
			return errorResult(err)
		}
		return result(nil, "container "+id+" removed", nil)

	case "logs":
		id := ctr.GetString("container_id", "")
		lines, err := s.Services.Logs(ctx, services.LogsRequest{Target: target, ContainerID: id, Lines: int(ctr.GetFloat("lines", 200))})
		if err != nil {
			return errorResult(err)
		}
		return result(lines, fmt.Sprintf("%d log line(s)", len(lines)), nil)

	case "port_scan":
		inv, err := ports.Scan(ctx, s.Docker, target)
		if err != nil {
			return errorResult(err)
		}
		return result(inv, fmt.Sprintf("%d mapping(s), %d conflict(s) on host %s", len(inv.Mappings), len(inv.Conflicts), target.HostID), nil)

	case "port_reserve":
		return s.portReserve(ctx, target, ctr)

	case "port_release":
		port, proto, err := portArgs(ctr)
		if err != nil {
			return errorResult(err)
		}
		if err := s.Config.ReleasePort(target.HostID, int(port), proto); err != nil {
			return errorResult(err)
		}
		return result(nil, fmt.Sprintf("reservation for %d/%s on host %s released", port, proto, target.HostID), nil)

	case "port_suggest":
		port, proto, err := portArgs(ctr)
		if err != nil {
			return errorResult(err)
		}
		inv, err := ports.Scan(ctx, s.Docker, target)
		if err != nil {
			return errorResult(err)
		}
		suggested, err := ports.SuggestNext(inv, s.activeReservations(target), port, proto, time.Now().Unix())
		if err != nil {
			return errorResult(err)
		}
		return result(map[string]interface{}{"port": suggested, "protocol": proto}, fmt.Sprintf("port %d/%s is available on host %s", suggested, proto, target.HostID), nil)

	default:
		return errorResult(unknownAction(action))
	}
}

// portReserve refuses a hold on a port any container currently publishes,
// then persists the reservation.
func (s *Server) portReserve(ctx context.Context, target sshx.HostTarget, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, proto, err := portArgs(ctr)
	if err != nil {
		return errorResult(err)
	}
	inv, err := ports.Scan(ctx, s.Docker, target)
	if err != nil {
		return errorResult(err)
	}
	for _, m := range inv.Mappings {
		if m.HostPort == port && m.Protocol == proto {
			return errorResult(errs.New(errs.KindPortConflict, "port %d/%s is currently published by container %s", port, proto, m.ContainerName).WithHost(target.HostID))
		}
	}

	r := &config.PortReservation{
		HostID:      target.HostID,
		Port:        int(port),
		Protocol:    proto,
		ServiceName: ctr.GetString("service_name", ""),
		ReservedBy:  ctr.GetString("reserved_by", ""),
		Notes:       ctr.GetString("notes", ""),
	}
	if exp := int64(ctr.GetFloat("expires_at", 0)); exp > 0 {
		r.ExpiresAt = &exp
	}
	if err := s.Config.ReservePort(r); err != nil {
		return errorResult(err)
	}
	return result(r, fmt.Sprintf("port %d/%s reserved on host %s", port, proto, target.HostID), nil)
}

// activeReservations converts the stored holds for a host into the port
// inventory's query shape.
func (s *Server) activeReservations(target sshx.HostTarget) []ports.Reservation {
	var out []ports.Reservation
	for _, r := range s.Config.ReservationsFor(target.HostID) {
		out = append(out, ports.Reservation{
			HostID:      r.HostID,
			Port:        uint16(r.Port),
			Protocol:    r.Protocol,
			ServiceName: r.ServiceName,
			ReservedBy:  r.ReservedBy,
			ExpiresAt:   r.ExpiresAt,
			Notes:       r.Notes,
		})
	}
	return out
}

func portArgs(ctr mcp.CallToolRequest) (uint16, string, error) {
	port := int(ctr.GetFloat("port", 0))
	if port < 1 || port > 65535 {
		return 0, "", errs.New(errs.KindValidation, "port %d out of range", port)
	}
	proto := ctr.GetString("protocol", "tcp")
	switch proto {
	case "tcp", "udp", "sctp":
	default:
		return 0, "", errs.New(errs.KindValidation, "protocol %q must be tcp, udp, or sctp", proto)
	}
	return uint16(port), proto, nil
}

func optionalTimeout(ctr mcp.CallToolRequest) *int {
	v := int(ctr.GetFloat("timeout_seconds", -1))
	if v < 0 {
		return nil
	}
	return &v
}
