// Package mcpserver is the MCP surface: three action-discriminated tools
// (docker_hosts, docker_containers, docker_stacks) exposing the core via
// github.com/mark3labs/mcp-go. Each handler decodes its action's arguments
// into an exact parameter set, calls the typed core operation, and wraps
// the outcome in a structured result dictionary plus an optional
// human-readable text block.
package mcpserver

import (
	"github.com/artemis/dockhostd/internal/cleanup"
	"github.com/artemis/dockhostd/internal/config"
	"github.com/artemis/dockhostd/internal/docker"
	"github.com/artemis/dockhostd/internal/migrate"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/services"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/mark3labs/mcp-go/server"
)

// Server wires the core components to the MCP tool surface.
type Server struct {
	mcp *server.MCPServer

	Config   *config.Store
	SSH      *sshx.Builder
	Docker   *docker.Ops
	Services *services.Services
	Cleanup  *cleanup.Engine
	Migrate  *migrate.Engine
	Logger   *observability.Logger
}

// New builds the MCP server and registers every tool from the three
// surfaces (hosts, containers, stacks).
func New(cfg *config.Store, ssh *sshx.Builder, ops *docker.Ops, svc *services.Services, clean *cleanup.Engine, mig *migrate.Engine, logger *observability.Logger) *Server {
	s := &Server{
		Config:   cfg,
		SSH:      ssh,
		Docker:   ops,
		Services: svc,
		Cleanup:  clean,
		Migrate:  mig,
		Logger:   logger,
	}
	s.mcp = server.NewMCPServer(
		"dockhostd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)
	tools := append(s.hostTools(), append(s.containerTools(), s.stackTools()...)...)
	s.mcp.SetTools(tools...)
	return s
}

// ServeStdio runs the MCP server over stdio, the transport every tool in
// this surface is designed for (no HTTP/SSE endpoint is exposed for MCP
// itself; see internal/server for the separate debug HTTP surface).
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// hostTargetFor resolves a host_id argument into the sshx.HostTarget the
// lower layers expect, the one piece of plumbing every handler needs.
func (s *Server) hostTargetFor(hostID string) (sshx.HostTarget, *config.Host, error) {
	h, err := s.Config.GetHost(hostID)
	if err != nil {
		return sshx.HostTarget{}, nil, err
	}
	return sshx.HostTarget{HostID: h.HostID, Hostname: h.Hostname, SSHUser: h.SSHUser, SSHPort: h.SSHPort, IdentityFile: h.IdentityFile}, h, nil
}
