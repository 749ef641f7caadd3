// Package services is the thin container/stack operations layer over
// internal/docker.Ops and internal/compose: logs, deploy, ps, and the
// container lifecycle calls the MCP surface exposes. Each operation
// validates, delegates to the lower layer, and shapes the result.
package services

import (
	"bufio"
	"context"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/artemis/dockhostd/internal/compose"
	"github.com/artemis/dockhostd/internal/docker"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
)

const maxLogLines = 10000

// Services wires the stack/container operations to a shared Ops/SSH surface.
type Services struct {
	Docker *docker.Ops
	SSH    *sshx.Builder
	Logger *observability.Logger
}

func New(ops *docker.Ops, ssh *sshx.Builder, logger *observability.Logger) *Services {
	return &Services{Docker: ops, SSH: ssh, Logger: logger}
}

// LogsRequest mirrors logs(host, container, lines<=10000, follow?, since?).
type LogsRequest struct {
	Target      sshx.HostTarget
	ContainerID string
	Lines       int
	Since       string
}

// Logs returns up to Lines captured stdout/stderr lines in order. Follow mode is
// served separately by FollowLogs, since a finite slice and a cancellable
// stream have different callers (a single MCP response vs. a live feed).
func (s *Services) Logs(ctx context.Context, req LogsRequest) ([]string, error) {
	lines := req.Lines
	if lines <= 0 || lines > maxLogLines {
		lines = maxLogLines
	}
	reader, err := s.Docker.ContainerLogs(ctx, req.Target, req.ContainerID, strconv.Itoa(lines), false)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return readLines(reader, lines), nil
}

// FollowLogs streams log lines to out until ctx is cancelled or the stream
// ends, implementing logs' follow mode as a caller-cancellable sequence.
func (s *Services) FollowLogs(ctx context.Context, target sshx.HostTarget, containerID string, out chan<- string) error {
	reader, err := s.Docker.ContainerLogs(ctx, target, containerID, "0", true)
	if err != nil {
		return err
	}
	defer reader.Close()
	defer close(out)

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func readLines(r io.Reader, limit int) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var out []string
	for scanner.Scan() && len(out) < limit {
		out = append(out, scanner.Text())
	}
	return out
}

// DeployRequest mirrors deploy(host, stack_name, compose_text, env_overrides?, pull?).
type DeployRequest struct {
	Target      sshx.HostTarget
	ComposePath string // host.compose_path
	StackName   string
	ComposeText []byte
	Pull        bool
	Recreate    bool
}

// Deploy persists compose_text to {compose_path}/{stack_name}/docker-compose.yml,
// optionally pulls, then runs `up -d`, rejecting a non-empty existing
// directory unless Recreate is set.
func (s *Services) Deploy(ctx context.Context, req DeployRequest) error {
	if err := sshx.ValidateStackName(req.StackName); err != nil {
		return err
	}
	if _, err := compose.ParseBytes(req.ComposeText, req.StackName+"/docker-compose.yml", nil); err != nil {
		return err
	}

	stackDir := path.Join(req.ComposePath, req.StackName)
	if !req.Recreate {
		res, err := s.SSH.Run(ctx, req.Target, "deploy_check_empty", []string{"find", stackDir, "-mindepth", "1", "-print", "-quit"})
		if err == nil && strings.TrimSpace(res.Stdout) != "" {
			return errs.New(errs.KindValidation, "stack directory %s already exists and is non-empty; pass recreate=true to overwrite", stackDir).WithStack(req.StackName)
		}
	}

	if _, err := s.SSH.Run(ctx, req.Target, "deploy_mkdir", []string{"mkdir", "-p", stackDir}); err != nil {
		return err
	}
	composeFile := path.Join(stackDir, "docker-compose.yml")
	if _, err := s.SSH.WriteFile(ctx, req.Target, "deploy_write_compose", composeFile, req.ComposeText); err != nil {
		return err
	}

	if req.Pull {
		if _, err := s.SSH.Run(ctx, req.Target, "deploy_pull", []string{"docker", "compose", "-p", req.StackName, "-f", composeFile, "pull"}); err != nil {
			return err
		}
	}
	_, err := s.SSH.Run(ctx, req.Target, "deploy_up", []string{"docker", "compose", "-p", req.StackName, "-f", composeFile, "up", "-d"})
	return err
}

// ServiceStatus is one service's state within a deployed stack.
type ServiceStatus struct {
	ServiceName string
	ContainerID string
	State       string
	Ports       []string
}

// PS implements ps(host, stack_name): per-service state and published
// ports, grouped by the compose project label.
func (s *Services) PS(ctx context.Context, target sshx.HostTarget, stackName string) ([]ServiceStatus, error) {
	if err := sshx.ValidateStackName(stackName); err != nil {
		return nil, err
	}
	containers, err := s.Docker.ListContainers(ctx, target, true)
	if err != nil {
		return nil, err
	}
	var out []ServiceStatus
	for _, c := range containers {
		if c.Labels["com.docker.compose.project"] != stackName {
			continue
		}
		var portStrs []string
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			portStrs = append(portStrs, formatPort(p.IP, p.PublicPort, p.PrivatePort, p.Type))
		}
		out = append(out, ServiceStatus{
			ServiceName: c.Labels["com.docker.compose.service"],
			ContainerID: c.ID,
			State:       c.State,
			Ports:       portStrs,
		})
	}
	return out, nil
}

func formatPort(ip string, pub, priv uint16, proto string) string {
	if ip == "" {
		ip = "0.0.0.0"
	}
	return ip + ":" + strconv.Itoa(int(pub)) + "->" + strconv.Itoa(int(priv)) + "/" + proto
}

// Start, Stop, Restart, Remove delegate straight to internal/docker,
// exposed here so the MCP surface has one layer to call regardless of
// whether an operation is container- or stack-scoped.
func (s *Services) Start(ctx context.Context, target sshx.HostTarget, containerID string) error {
	return s.Docker.StartContainer(ctx, target, containerID)
}

func (s *Services) Stop(ctx context.Context, target sshx.HostTarget, containerID string, timeoutSeconds *int) error {
	return s.Docker.StopContainer(ctx, target, containerID, timeoutSeconds)
}

func (s *Services) Restart(ctx context.Context, target sshx.HostTarget, containerID string, timeoutSeconds *int) error {
	return s.Docker.RestartContainer(ctx, target, containerID, timeoutSeconds)
}

func (s *Services) Remove(ctx context.Context, target sshx.HostTarget, containerID string, force bool) error {
	return s.Docker.RemoveContainer(ctx, target, containerID, force)
}
