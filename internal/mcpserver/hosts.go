package mcpserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/artemis/dockhostd/internal/config"
	"github.com/artemis/dockhostd/internal/discovery"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// hostTools returns the docker_hosts tool: list/add/edit/remove/discover/
// import_ssh over the host inventory.
func (s *Server) hostTools() []server.ServerTool {
	tool := mcp.NewTool("docker_hosts",
		mcp.WithDescription("Manage the Docker host inventory: list, add, edit, remove, run capability discovery against a host, or import candidates from an SSH config file"),
		mcp.WithString("action", mcp.Description("list | add | edit | remove | discover | import_ssh"), mcp.Required()),
		mcp.WithString("host_id", mcp.Description("target host id (required for all actions except list)")),
		mcp.WithString("hostname", mcp.Description("hostname or IP, required for add")),
		mcp.WithString("ssh_user", mcp.Description("SSH username")),
		mcp.WithNumber("ssh_port", mcp.Description("SSH port, default 22")),
		mcp.WithString("identity_file", mcp.Description("absolute path to an SSH private key")),
		mcp.WithString("compose_path", mcp.Description("directory holding this host's compose stacks")),
		mcp.WithString("appdata_path", mcp.Description("directory holding this host's bind-mounted application data")),
		mcp.WithBoolean("zfs_capable", mcp.Description("whether the host's appdata lives on ZFS")),
		mcp.WithString("zfs_dataset", mcp.Description("ZFS dataset backing appdata_path, required when zfs_capable")),
		mcp.WithBoolean("enabled", mcp.Description("whether the host is eligible for operations, default true")),
		mcp.WithString("ssh_config_path", mcp.Description("for import_ssh: path to an OpenSSH client config, default ~/.ssh/config")),
		mcp.WithString("selected_hosts", mcp.Description("for import_ssh: comma-separated Host aliases to import; empty imports all candidates")),
		mcp.WithBoolean("add_hosts", mcp.Description("for import_ssh: add the candidates to the inventory instead of only listing them")),
	)
	return []server.ServerTool{{Tool: tool, Handler: s.handleHosts}}
}

func (s *Server) handleHosts(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := ctr.GetString("action", "")
	switch action {
	case "list":
		return s.hostsList()
	case "add":
		return s.hostsAdd(ctx, ctr)
	case "edit":
		return s.hostsEdit(ctr)
	case "remove":
		return s.hostsRemove(ctr)
	case "discover":
		return s.hostsDiscover(ctx, ctr)
	case "import_ssh":
		return s.hostsImportSSH(ctr)
	default:
		return errorResult(unknownAction(action))
	}
}

func (s *Server) hostsList() (*mcp.CallToolResult, error) {
	cfg := s.Config.Snapshot()
	hosts := make([]*config.Host, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts = append(hosts, h)
	}
	return result(hosts, fmt.Sprintf("%d host(s) in inventory", len(hosts)), nil)
}

func (s *Server) hostsAdd(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h := &config.Host{
		HostID:       ctr.GetString("host_id", ""),
		Hostname:     ctr.GetString("hostname", ""),
		SSHUser:      ctr.GetString("ssh_user", ""),
		SSHPort:      int(ctr.GetFloat("ssh_port", 22)),
		IdentityFile: ctr.GetString("identity_file", ""),
		ComposePath:  ctr.GetString("compose_path", ""),
		AppdataPath:  ctr.GetString("appdata_path", ""),
		ZFSCapable:   ctr.GetBool("zfs_capable", false),
		ZFSDataset:   ctr.GetString("zfs_dataset", ""),
		Enabled:      ctr.GetBool("enabled", true),
	}
	if err := h.Validate(); err != nil {
		return errorResult(err)
	}
	if err := s.Config.AddHost(h); err != nil {
		return errorResult(err)
	}

	// A host addition triggers capability discovery before success is
	// reported. Probe failures come back as guidance, not a hard add
	// failure — the host is already persisted at this point.
	target, _, err := s.hostTargetFor(h.HostID)
	if err != nil {
		return errorResult(err)
	}
	prober := discovery.NewProber(s.SSH)
	disc, discErr := prober.Discover(ctx, target, h.AppdataPath)
	msg := "host " + h.HostID + " added"
	if discErr != nil {
		msg += "; capability discovery failed: " + discErr.Error()
		return result(h, msg, nil)
	}
	disc.ApplyTo(h)
	if err := s.Config.EditHost(h.HostID, func(stored *config.Host) { disc.ApplyTo(stored) }); err != nil {
		return errorResult(err)
	}
	msg += fmt.Sprintf("; discovery complete: docker %s", disc.DockerVersion)
	if len(disc.Guidance) > 0 {
		msg += " (" + strings.Join(disc.Guidance, "; ") + ")"
	}
	return result(h, msg, nil)
}

func (s *Server) hostsEdit(ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hostID := ctr.GetString("host_id", "")
	err := s.Config.EditHost(hostID, func(h *config.Host) {
		if v := ctr.GetString("hostname", ""); v != "" {
			h.Hostname = v
		}
		if v := ctr.GetString("ssh_user", ""); v != "" {
			h.SSHUser = v
		}
		if v := int(ctr.GetFloat("ssh_port", 0)); v != 0 {
			h.SSHPort = v
		}
		if v := ctr.GetString("identity_file", ""); v != "" {
			h.IdentityFile = v
		}
		if v := ctr.GetString("compose_path", ""); v != "" {
			h.ComposePath = v
		}
		if v := ctr.GetString("appdata_path", ""); v != "" {
			h.AppdataPath = v
		}
		if v := ctr.GetString("zfs_dataset", ""); v != "" {
			h.ZFSDataset = v
		}
	})
	if err != nil {
		return errorResult(err)
	}
	h, _ := s.Config.GetHost(hostID)
	return result(h, "host "+hostID+" updated", nil)
}

func (s *Server) hostsRemove(ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hostID := ctr.GetString("host_id", "")
	if err := s.Config.RemoveHost(hostID); err != nil {
		return errorResult(err)
	}
	// Drop the host's cached Docker context along with its inventory entry.
	s.Docker.Mgr.Invalidate(hostID)
	return result(nil, "host "+hostID+" removed", nil)
}

// hostsImportSSH parses an SSH config into candidate hosts and, when
// add_hosts is set, inserts each one into the inventory. Candidates that
// collide with existing host_ids are skipped with a note rather than
// failing the whole import.
func (s *Server) hostsImportSSH(ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := ctr.GetString("ssh_config_path", "")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errorResult(err)
		}
		path = filepath.Join(home, ".ssh", "config")
	}
	var selected map[string]bool
	if raw := ctr.GetString("selected_hosts", ""); raw != "" {
		selected = map[string]bool{}
		for _, alias := range strings.Split(raw, ",") {
			if alias = strings.TrimSpace(alias); alias != "" {
				selected[alias] = true
			}
		}
	}

	candidates, err := config.ImportSSHConfig(path, selected)
	if err != nil {
		return errorResult(err)
	}
	if !ctr.GetBool("add_hosts", false) {
		return result(candidates, fmt.Sprintf("%d candidate host(s) in %s", len(candidates), path), nil)
	}

	var added []string
	var skipped []string
	for _, c := range candidates {
		h := c.ToHost()
		if err := s.Config.AddHost(h); err != nil {
			skipped = append(skipped, c.HostID+" ("+err.Error()+")")
			continue
		}
		added = append(added, c.HostID)
	}
	msg := fmt.Sprintf("imported %d host(s)", len(added))
	if len(skipped) > 0 {
		msg += "; skipped: " + strings.Join(skipped, ", ")
	}
	return result(map[string]interface{}{"added": added, "skipped": skipped, "candidates": candidates}, msg, nil)
}

func (s *Server) hostsDiscover(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, h, err := s.hostTargetFor(ctr.GetString("host_id", ""))
	if err != nil {
		return errorResult(err)
	}
	prober := discovery.NewProber(s.SSH)
	res, err := prober.Discover(ctx, target, h.AppdataPath)
	if err != nil {
		return errorResult(err)
	}
	if err := s.Config.EditHost(h.HostID, func(stored *config.Host) { res.ApplyTo(stored) }); err != nil {
		return errorResult(err)
	}
	msg := fmt.Sprintf("discovery complete for host %s: docker %s", h.HostID, res.DockerVersion)
	if len(res.Guidance) > 0 {
		msg += " (" + strings.Join(res.Guidance, "; ") + ")"
	}
	return result(res, msg, nil)
}
