package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/artemis/dockhostd/internal/cleanup"
	"github.com/artemis/dockhostd/internal/config"
	"github.com/artemis/dockhostd/internal/discovery"
	"github.com/artemis/dockhostd/internal/docker"
	"github.com/artemis/dockhostd/internal/dockerctx"
	"github.com/artemis/dockhostd/internal/mcpserver"
	"github.com/artemis/dockhostd/internal/migrate"
	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/server"
	"github.com/artemis/dockhostd/internal/services"
	"github.com/artemis/dockhostd/internal/sshx"
	"github.com/artemis/dockhostd/internal/transfer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	stateDir string
	logLevel string

	logger *observability.Logger
	store  *config.Store
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dockhostd",
	Short: "Remote multi-host Docker control plane over MCP",
	Long: `dockhostd manages an inventory of SSH-reachable Docker hosts and exposes
container lifecycle, compose stack deployment, migration, and cleanup
operations over the Model Context Protocol.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = observability.NewLogger(logLevel)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}

		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}
		if stateDir == "" {
			stateDir = filepath.Dir(cfgFile)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}

		store, err = config.Open(cfgFile, logger)
		if err != nil {
			return fmt.Errorf("loading host inventory: %w", err)
		}
		return nil
	},
}

// buildCore wires every layer shared by serve/cleanup/discover: rate
// limiter, audit log, SSH command builder, dialed Docker contexts, and the
// domain engines built on top of them. sink is the debug HTTP
// server's event hub when one is running (the serve command), or nil for
// the one-shot CLI commands that never start it.
func buildCore(sink observability.ProgressSink) (*sshx.Builder, *docker.Ops, *cleanup.Engine, *migrate.Engine, *services.Services, error) {
	limiter := sshx.NewRateLimiter()
	audit, err := sshx.OpenAuditLog(filepath.Join(stateDir, "audit.log"))
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	builder := sshx.NewBuilder(stateDir, limiter, audit, logger)

	mgr := dockerctx.NewManager(stateDir, logger)
	ops := docker.NewOps(mgr, logger)

	rsync := transfer.NewRsyncBackend(builder)
	zfs := transfer.NewZFSBackend(builder)

	cleanupEngine := cleanup.New(ops, logger)
	cleanupEngine.Sink = sink
	migrateEngine := migrate.New(store, builder, ops, rsync, zfs, logger)
	migrateEngine.Sink = sink
	svc := services.New(ops, builder, logger)

	return builder, ops, cleanupEngine, migrateEngine, svc, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server over stdio and the debug HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		debugAddr, _ := cmd.Flags().GetString("debug-addr")
		debugMode, _ := cmd.Flags().GetBool("debug")

		healthChecker := observability.NewHealthChecker()
		httpServer := server.NewServer(debugAddr, debugMode, logger, healthChecker)

		builder, ops, cleanupEngine, migrateEngine, svc, err := buildCore(httpServer)
		if err != nil {
			return err
		}

		activity := observability.NewSSHActivity()
		builder.Activity = activity
		healthChecker.RegisterCheck("config", true, observability.ConfigStoreCheck(func() error {
			_, err := config.Load(cfgFile)
			return err
		}))
		healthChecker.RegisterCheck("ssh", false, observability.SSHFreshnessCheck(activity, func() []string {
			snap := store.Snapshot()
			ids := make([]string, 0, len(snap.Hosts))
			for id, h := range snap.Hosts {
				if h.Enabled {
					ids = append(ids, id)
				}
			}
			return ids
		}, 15*time.Minute))
		go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)

		schedules := func() []cleanup.Schedule {
			snap := store.Snapshot()
			out := make([]cleanup.Schedule, 0, len(snap.CleanupSchedules))
			for _, sch := range snap.CleanupSchedules {
				out = append(out, cleanup.Schedule{ScheduleID: sch.ScheduleID, HostID: sch.HostID, Frequency: sch.Frequency, TimeOfDay: sch.TimeOfDay, Tier: cleanup.Tier(sch.Tier)})
			}
			return out
		}
		resolveHost := func(hostID string) (sshx.HostTarget, bool) {
			h, err := store.GetHost(hostID)
			if err != nil {
				return sshx.HostTarget{}, false
			}
			return sshx.HostTarget{HostID: h.HostID, Hostname: h.Hostname, SSHUser: h.SSHUser, SSHPort: h.SSHPort, IdentityFile: h.IdentityFile}, true
		}
		scheduler := cleanup.NewScheduler(cleanupEngine, schedules, resolveHost, logger)
		stop := make(chan struct{})
		go scheduler.Run(ctx, stop)

		if err := store.Watch(stop); err != nil {
			return err
		}

		mcp := mcpserver.New(store, builder, ops, svc, cleanupEngine, migrateEngine, logger)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			logger.Info("received shutdown signal")
			close(stop)
			cancel()
			httpServer.Stop()
			store.Close()
			os.Exit(0)
		}()

		go func() {
			logger.Info("starting debug HTTP server", zap.String("addr", debugAddr))
			if err := httpServer.Start(); err != nil {
				logger.Error("debug HTTP server error", zap.Error(err))
			}
		}()

		logger.Info("starting MCP server over stdio")
		return mcp.ServeStdio()
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover [host-id]",
	Short: "Run capability discovery against a host already in the inventory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID := args[0]
		h, err := store.GetHost(hostID)
		if err != nil {
			return err
		}

		builder, _, _, _, _, err := buildCore(nil)
		if err != nil {
			return err
		}
		target := sshx.HostTarget{HostID: h.HostID, Hostname: h.Hostname, SSHUser: h.SSHUser, SSHPort: h.SSHPort, IdentityFile: h.IdentityFile}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := discovery.NewProber(builder).Discover(ctx, target, h.AppdataPath)
		if err != nil {
			return err
		}
		fmt.Printf("host %s: docker %s, zfs_capable=%v, suggested compose_path=%s appdata_path=%s\n", hostID, res.DockerVersion, res.ZFSCapable, res.SuggestedComposePath, res.SuggestedAppdataPath)
		return nil
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Inspect the host inventory",
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts in the inventory",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap := store.Snapshot()
		fmt.Printf("Found %d host(s):\n", len(snap.Hosts))
		for _, h := range snap.Hosts {
			fmt.Printf("  - %s (%s@%s:%d) enabled=%v zfs=%v\n", h.HostID, h.SSHUser, h.Hostname, h.SSHPort, h.Enabled, h.ZFSCapable)
		}
		return nil
	},
}

var hostsImportCmd = &cobra.Command{
	Use:   "import-ssh [ssh-config-path]",
	Short: "Import candidate hosts from an OpenSSH client config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}
			path = filepath.Join(home, ".ssh", "config")
		}

		candidates, err := config.ImportSSHConfig(path, nil)
		if err != nil {
			return err
		}
		add, _ := cmd.Flags().GetBool("add")
		for _, c := range candidates {
			if !add {
				fmt.Printf("  - %s (%s@%s:%d)\n", c.HostID, c.SSHUser, c.Hostname, c.SSHPort)
				continue
			}
			if err := store.AddHost(c.ToHost()); err != nil {
				fmt.Printf("  - %s skipped: %v\n", c.HostID, err)
				continue
			}
			fmt.Printf("  - %s added\n", c.HostID)
		}
		fmt.Printf("%d candidate host(s) in %s\n", len(candidates), path)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [host-id] [tier]",
	Short: "Run the cleanup engine against a host at a given tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, tier := args[0], cleanup.Tier(args[1])
		if !cleanup.ValidTier(tier) {
			return fmt.Errorf("invalid tier %q", tier)
		}
		h, err := store.GetHost(hostID)
		if err != nil {
			return err
		}

		_, _, cleanupEngine, _, _, err := buildCore(nil)
		if err != nil {
			return err
		}
		target := sshx.HostTarget{HostID: h.HostID, Hostname: h.Hostname, SSHUser: h.SSHUser, SSHPort: h.SSHPort, IdentityFile: h.IdentityFile}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		analysis, err := cleanupEngine.Execute(ctx, target, tier, dryRun)
		if err != nil {
			return err
		}
		fmt.Printf("cleanup tier=%s host=%s reclaimed=%d byte(s)\n", tier, hostID, analysis.LevelEstimateBytes[tier])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "host inventory file (default: ~/.dockhostd/hosts.yml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory for audit logs and SSH control sockets (default: alongside --config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	serveCmd.Flags().String("debug-addr", ":8090", "listen address for the debug HTTP surface (health/metrics/events)")
	serveCmd.Flags().Bool("debug", false, "enable verbose HTTP logging")

	cleanupCmd.Flags().Bool("dry-run", false, "report what would be removed without removing it")

	hostsImportCmd.Flags().Bool("add", false, "add the candidates to the inventory instead of only listing them")

	hostsCmd.AddCommand(hostsListCmd)
	hostsCmd.AddCommand(hostsImportCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(cleanupCmd)
}
