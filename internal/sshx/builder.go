package sshx

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/observability"
	"go.uber.org/zap"
)

// HostTarget is the subset of a config.Host the builder needs; kept
// decoupled from the config package so sshx has no import-cycle back to it.
type HostTarget struct {
	HostID       string
	Hostname     string
	SSHUser      string
	SSHPort      int
	IdentityFile string
}

// Result is the outcome of one SSH invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Builder constructs and runs SSH invocations: validated,
// shell-escaped, rate-limited, audited, and multiplexed via ControlMaster.
type Builder struct {
	StateDir string // holds ControlPath sockets, e.g. ~/.dockhostd/ssh
	Limiter  *RateLimiter
	Audit    *AuditLog
	Logger   *observability.Logger

	// Activity, if set, receives a timestamp for every successful remote
	// command; the health surface's per-host freshness check reads it.
	Activity *observability.SSHActivity

	// CommandTimeout bounds a single SSH invocation, default 30s.
	CommandTimeout time.Duration

	// Exec runs the assembled `ssh` argv. Defaults to the real ssh binary;
	// tests substitute an in-memory fake here instead of faking at the
	// os/exec layer.
	Exec CommandRunner
}

func NewBuilder(stateDir string, limiter *RateLimiter, audit *AuditLog, logger *observability.Logger) *Builder {
	return &Builder{
		StateDir:       stateDir,
		Limiter:        limiter,
		Audit:          audit,
		Logger:         logger,
		CommandTimeout: 30 * time.Second,
		Exec:           execRunner{},
	}
}

func (b *Builder) controlPath(h HostTarget) string {
	return filepath.Join(b.StateDir, fmt.Sprintf("ssh-%s-%%r@%%h:%%p", h.HostID))
}

// baseArgs builds the fixed OpenSSH options applied to every invocation.
func (b *Builder) baseArgs(h HostTarget) ([]string, error) {
	if err := ValidateHostname(h.Hostname); err != nil {
		return nil, err
	}
	if h.SSHUser != "" {
		if err := ValidateUsername(h.SSHUser); err != nil {
			return nil, err
		}
	}
	port := h.SSHPort
	if port == 0 {
		port = 22
	}
	if err := ValidatePort(port); err != nil {
		return nil, err
	}
	if err := ValidateIdentityFile(h.IdentityFile); err != nil {
		return nil, err
	}

	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + b.controlPath(h),
		"-o", "ControlPersist=10m",
		"-o", "ConnectTimeout=10",
		"-p", strconv.Itoa(port),
	}
	if h.IdentityFile != "" {
		args = append(args, "-i", h.IdentityFile)
	}
	target := h.Hostname
	if h.SSHUser != "" {
		target = h.SSHUser + "@" + h.Hostname
	}
	args = append(args, target)
	return args, nil
}

// Run executes argv on the remote host as a single shell-escaped command
// line, applying the rate limiter, retry-with-backoff for Transient
// failures, and the audit log.
func (b *Builder) Run(ctx context.Context, h HostTarget, op string, argv []string) (*Result, error) {
	return b.RunLine(ctx, h, op, ShellJoin(argv))
}

// RunPipeline joins multiple already-tokenized commands with a literal
// shell pipe, each side independently argv-composed and shell-escaped, for
// the one documented case that inherently needs a remote shell pipeline:
// the ZFS send/receive transfer (`zfs send ... | ssh ... zfs
// receive ...`). Every segment still goes through ShellJoin; only the `|`
// joiner between segments is unescaped.
func (b *Builder) RunPipeline(ctx context.Context, h HostTarget, op string, segments ...[]string) (*Result, error) {
	parts := make([]string, len(segments))
	for i, seg := range segments {
		parts[i] = ShellJoin(seg)
	}
	return b.RunLine(ctx, h, op, strings.Join(parts, " | "))
}

// RunLine executes a pre-built remote command line verbatim (no further
// escaping), applying the same rate limiting, retry, and audit as Run.
func (b *Builder) RunLine(ctx context.Context, h HostTarget, op string, remoteCmd string) (*Result, error) {
	base, err := b.baseArgs(h)
	if err != nil {
		return nil, err
	}
	sshArgs := append(append([]string{}, base...), remoteCmd)

	release, err := b.Limiter.Acquire(h.HostID)
	if err != nil {
		observability.SSHRateLimited.WithLabelValues(h.HostID, op).Inc()
		b.auditAndLog(h, op, sshArgs, 0, 0, false, true)
		return nil, err
	}
	defer release()

	var res *Result
	var lastErr error
	backoffs := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

	for attempt := 0; attempt <= len(backoffs); attempt++ {
		res, lastErr = b.runOnce(ctx, h, op, sshArgs)
		if lastErr == nil {
			return res, nil
		}
		if !errs.Retriable(lastErr) || attempt == len(backoffs) {
			break
		}
		observability.RetryAttempts.WithLabelValues(op, "retry").Inc()
		select {
		case <-time.After(backoffs[attempt]):
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindTransient, ctx.Err(), "ssh %s to host %s cancelled during backoff", op, h.HostID)
		}
	}
	observability.RetryAttempts.WithLabelValues(op, "exhausted").Inc()
	return nil, lastErr
}

func (b *Builder) runner() CommandRunner {
	if b.Exec == nil {
		return execRunner{}
	}
	return b.Exec
}

func (b *Builder) runOnce(ctx context.Context, h HostTarget, op string, sshArgs []string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.CommandTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, runErr := b.runner().Run(runCtx, sshArgs, nil)
	duration := time.Since(start)
	observability.SSHCommandDuration.WithLabelValues(h.HostID).Observe(duration.Seconds())

	success := runErr == nil
	var classified error
	if runErr != nil {
		classified = classifyError(runCtx, runErr, stderr)
	}

	observability.SSHCommands.WithLabelValues(h.HostID, statusLabel(success)).Inc()
	b.auditAndLog(h, op, sshArgs, duration.Milliseconds(), exitCode, success, false)

	if runErr != nil {
		return nil, classified
	}
	return &Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (b *Builder) auditAndLog(h HostTarget, op string, argv []string, durationMS int64, exitCode int, ok, rateLimited bool) {
	if b.Activity != nil && ok {
		b.Activity.RecordSuccess(h.HostID)
	}
	if b.Audit != nil {
		_ = b.Audit.Write(AuditRecord{
			Timestamp:   time.Now().UTC(),
			HostID:      h.HostID,
			Op:          op,
			ArgvDigest:  ArgvDigest(argv),
			DurationMS:  durationMS,
			ExitCode:    exitCode,
			OK:          ok,
			RateLimited: rateLimited,
		})
	}
	if b.Logger != nil {
		b.Logger.InfoRedacted("ssh command executed",
			zap.String("host_id", h.HostID),
			zap.String("op", op),
			zap.Bool("ok", ok),
			zap.Int64("duration_ms", durationMS),
		)
	}
}

// classifyError maps a raw exec/ssh failure into the errs taxonomy.
func classifyError(ctx context.Context, err error, stderr string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Wrap(errs.KindTransient, err, "ssh command timed out")
	}
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "authentication failed"):
		return errs.Wrap(errs.KindAuth, err, "ssh authentication failed: %s", strings.TrimSpace(stderr))
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "temporary failure"),
		strings.Contains(lower, "operation timed out"):
		return errs.Wrap(errs.KindTransient, err, "transient ssh failure: %s", strings.TrimSpace(stderr))
	default:
		return errs.Wrap(errs.KindFatal, err, "ssh command failed: %s", strings.TrimSpace(stderr))
	}
}

// EnsureStateDir creates the ControlPath socket directory.
func (b *Builder) EnsureStateDir() error {
	return os.MkdirAll(b.StateDir, 0o700)
}

// WriteFile uploads content to path on the remote host by piping a
// base64 encoding of it into `base64 -d`, avoiding both a binary-unsafe
// heredoc and a dependency on scp. The remote command line is still built
// entirely from ShellJoin'd argv; only the literal base64 payload travels
// over stdin.
func (b *Builder) WriteFile(ctx context.Context, h HostTarget, op, path string, content []byte) (*Result, error) {
	encoded := base64.StdEncoding.EncodeToString(content)
	remoteCmd := ShellJoin([]string{"base64", "-d"}) + " > " + ShellEscape(path)
	return b.runWithStdin(ctx, h, op, remoteCmd, strings.NewReader(encoded))
}

// RunShell executes a literal shell script body on the remote host via
// `sh -c <script>`, the escape hatch for the one step (the migration
// engine's atomic
// directory swap) whose conditional logic cannot be expressed as a single
// argv-composed command. The caller builds script from fixed, internally
// shell-escaped path literals — never from untrusted input.
func (b *Builder) RunShell(ctx context.Context, h HostTarget, op, script string) (*Result, error) {
	return b.RunLine(ctx, h, op, ShellJoin([]string{"sh", "-c", script}))
}

func (b *Builder) runWithStdin(ctx context.Context, h HostTarget, op, remoteCmd string, stdin io.Reader) (*Result, error) {
	base, err := b.baseArgs(h)
	if err != nil {
		return nil, err
	}
	sshArgs := append(append([]string{}, base...), remoteCmd)

	release, err := b.Limiter.Acquire(h.HostID)
	if err != nil {
		observability.SSHRateLimited.WithLabelValues(h.HostID, op).Inc()
		b.auditAndLog(h, op, sshArgs, 0, 0, false, true)
		return nil, err
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, b.CommandTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, runErr := b.runner().Run(runCtx, sshArgs, stdin)
	duration := time.Since(start)
	observability.SSHCommandDuration.WithLabelValues(h.HostID).Observe(duration.Seconds())

	success := runErr == nil
	var classified error
	if runErr != nil {
		classified = classifyError(runCtx, runErr, stderr)
	}

	observability.SSHCommands.WithLabelValues(h.HostID, statusLabel(success)).Inc()
	b.auditAndLog(h, op, sshArgs, duration.Milliseconds(), exitCode, success, false)

	if runErr != nil {
		return nil, classified
	}
	return &Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}
