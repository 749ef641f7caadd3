package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/artemis/dockhostd/internal/cleanup"
	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/migrate"
	"github.com/artemis/dockhostd/internal/services"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// stackTools returns the docker_stacks tool: deploy/ps on a single host,
// migrate across hosts, and cleanup.
func (s *Server) stackTools() []server.ServerTool {
	tool := mcp.NewTool("docker_stacks",
		mcp.WithDescription("Operate on compose stacks: deploy, ps, migrate a stack between hosts, or run the cleanup engine"),
		mcp.WithString("action", mcp.Description("deploy | ps | migrate | cleanup"), mcp.Required()),
		mcp.WithString("host_id", mcp.Description("target host id (deploy/ps/cleanup)")),
		mcp.WithString("stack_name", mcp.Description("compose project name"), mcp.Required()),
		mcp.WithString("compose_text", mcp.Description("full docker-compose.yml contents, required for deploy")),
		mcp.WithBoolean("pull", mcp.Description("for deploy: pull images before up")),
		mcp.WithBoolean("recreate", mcp.Description("for deploy: allow overwriting a non-empty stack directory")),
		mcp.WithString("migration_id", mcp.Description("for migrate: idempotency key, auto-generated if omitted")),
		mcp.WithString("source_host_id", mcp.Description("for migrate: source host id")),
		mcp.WithString("target_host_id", mcp.Description("for migrate: target host id")),
		mcp.WithBoolean("skip_stop_source", mcp.Description("for migrate: do not stop the source stack first (unsafe)")),
		mcp.WithBoolean("start_target", mcp.Description("for migrate: bring the stack up on the target, default true")),
		mcp.WithBoolean("remove_source", mcp.Description("for migrate: remove the source stack once verified")),
		mcp.WithBoolean("dry_run", mcp.Description("for migrate: plan only, no side effects")),
		mcp.WithString("transfer_method", mcp.Description("for migrate: rsync | zfs; omit to auto-select")),
		mcp.WithNumber("verify_seconds", mcp.Description("for migrate: how long to wait for the target stack to report healthy, default 60")),
		mcp.WithString("tier", mcp.Description("for cleanup: check | safe | moderate | aggressive")),
		mcp.WithBoolean("dry_run_cleanup", mcp.Description("for cleanup: report what would be removed without removing it")),
	)
	return []server.ServerTool{{Tool: tool, Handler: s.handleStacks}}
}

func (s *Server) handleStacks(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := ctr.GetString("action", "")
	switch action {
	case "deploy":
		return s.stacksDeploy(ctx, ctr)
	case "ps":
		return s.stacksPS(ctx, ctr)
	case "migrate":
		return s.stacksMigrate(ctx, ctr)
	case "cleanup":
		return s.stacksCleanup(ctx, ctr)
	default:
		return errorResult(unknownAction(action))
	}
}

func (s *Server) stacksDeploy(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, h, err := s.hostTargetFor(ctr.GetString("host_id", ""))
	if err != nil {
		return errorResult(err)
	}
	composeText := ctr.GetString("compose_text", "")
	if composeText == "" {
		return errorResult(errs.New(errs.KindValidation, "compose_text is required"))
	}
	req := services.DeployRequest{
		Target:      target,
		ComposePath: h.ComposePath,
		StackName:   ctr.GetString("stack_name", ""),
		ComposeText: []byte(composeText),
		Pull:        ctr.GetBool("pull", false),
		Recreate:    ctr.GetBool("recreate", false),
	}
	if err := s.Services.Deploy(ctx, req); err != nil {
		return errorResult(err)
	}
	return result(nil, "stack "+req.StackName+" deployed to "+target.HostID, nil)
}

func (s *Server) stacksPS(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, _, err := s.hostTargetFor(ctr.GetString("host_id", ""))
	if err != nil {
		return errorResult(err)
	}
	statuses, err := s.Services.PS(ctx, target, ctr.GetString("stack_name", ""))
	if err != nil {
		return errorResult(err)
	}
	return result(statuses, fmt.Sprintf("%d service(s)", len(statuses)), nil)
}

func (s *Server) stacksMigrate(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	migrationID := ctr.GetString("migration_id", "")
	if migrationID == "" {
		migrationID = uuid.NewString()
	}
	req := migrate.NewRequest(
		migrationID,
		ctr.GetString("source_host_id", ""),
		ctr.GetString("target_host_id", ""),
		ctr.GetString("stack_name", ""),
	)
	req.SkipStopSource = ctr.GetBool("skip_stop_source", false)
	req.StartTarget = ctr.GetBool("start_target", true)
	req.RemoveSource = ctr.GetBool("remove_source", false)
	req.DryRun = ctr.GetBool("dry_run", false)
	switch method := ctr.GetString("transfer_method", ""); method {
	case "":
	case string(migrate.MethodRsync), string(migrate.MethodZFS):
		req.TransferMethod = migrate.TransferMethod(method)
	default:
		return errorResult(errs.New(errs.KindValidation, "transfer_method %q must be rsync or zfs", method))
	}
	if secs := ctr.GetFloat("verify_seconds", 0); secs > 0 {
		req.VerifyWindow = time.Duration(secs) * time.Second
	}

	report, err := s.Migrate.Migrate(ctx, req)
	if err != nil {
		return result(report, "", err)
	}
	return result(report, fmt.Sprintf("migration of %s reached state %s", req.StackName, report.FinalState), nil)
}

func (s *Server) stacksCleanup(ctx context.Context, ctr mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, _, err := s.hostTargetFor(ctr.GetString("host_id", ""))
	if err != nil {
		return errorResult(err)
	}
	tier := cleanup.Tier(ctr.GetString("tier", string(cleanup.TierCheck)))
	if !cleanup.ValidTier(tier) {
		return errorResult(errs.New(errs.KindValidation, "invalid cleanup tier %q", tier))
	}
	if tier == cleanup.TierCheck {
		analysis, err := s.Cleanup.Analyze(ctx, target)
		if err != nil {
			return errorResult(err)
		}
		return result(analysis, fmt.Sprintf("cleanup analysis for host %s: %d reclaimable byte(s) at safe tier", target.HostID, analysis.LevelEstimateBytes[cleanup.TierSafe]), nil)
	}
	analysis, err := s.Cleanup.Execute(ctx, target, tier, ctr.GetBool("dry_run_cleanup", false))
	if err != nil {
		return errorResult(err)
	}
	return result(analysis, fmt.Sprintf("cleanup at tier %s completed for host %s", tier, target.HostID), nil)
}
