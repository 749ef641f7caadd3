// Package dockerctx is the Docker context manager: it maintains a
// named Docker context per host and dispatches Docker API calls to it. A
// "context" here is a live docker/docker SDK client dialing the remote
// daemon over `ssh ... docker system dial-stdio`, the same mechanism the
// real `docker context create --docker host=ssh://...` helper uses, kept
// in-process so container operations go through the Docker API instead of
// shelled-out docker CLI invocations.
package dockerctx

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/artemis/dockhostd/internal/sshx"
)

// sshConn adapts an exec'd `ssh ... docker system dial-stdio` subprocess's
// stdin/stdout into a net.Conn, following the approach docker/cli's SSH
// connection helper uses, reimplemented here (not imported) to avoid
// pulling in the full docker/cli dependency tree for one helper.
type sshConn struct {
	cmd    *exec.Cmd
	stdin  ioWriteCloser
	stdout ioReadCloser
	cancel context.CancelFunc
}

type ioWriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

type ioReadCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

func (c *sshConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *sshConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }
func (c *sshConn) Close() error {
	c.cancel()
	_ = c.stdin.Close()
	_ = c.stdout.Close()
	return c.cmd.Wait()
}
func (c *sshConn) LocalAddr() net.Addr                { return dialAddr{} }
func (c *sshConn) RemoteAddr() net.Addr               { return dialAddr{} }
func (c *sshConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshConn) SetWriteDeadline(t time.Time) error { return nil }

type dialAddr struct{}

func (dialAddr) Network() string { return "ssh" }
func (dialAddr) String() string  { return "ssh-dial-stdio" }

// dialStdio starts `ssh <opts> <user>@<host> docker system dial-stdio` and
// returns a net.Conn wrapping its stdio. It builds its own ssh argv rather
// than going through sshx.Builder: the invocation is not rate-limited or
// audited, sets no ControlPath, and does not use stateDir.
func dialStdio(ctx context.Context, target sshx.HostTarget, stateDir string) (net.Conn, error) {
	dctx, cancel := context.WithCancel(ctx)

	port := target.SSHPort
	if port == 0 {
		port = 22
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=10m",
		"-o", "ConnectTimeout=10",
		"-p", strconv.Itoa(port),
	}
	if target.IdentityFile != "" {
		args = append(args, "-i", target.IdentityFile)
	}
	dest := target.Hostname
	if target.SSHUser != "" {
		dest = target.SSHUser + "@" + target.Hostname
	}
	args = append(args, dest, "docker", "system", "dial-stdio")

	// #nosec G204 - argv tokens are all derived from validated host fields
	// (checked by config.Host.Validate/sshx.Validate* before a host is ever
	// stored); no free-form caller input reaches this argv.
	cmd := exec.CommandContext(dctx, "ssh", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errs.Wrap(errs.KindFatal, err, "opening stdin pipe for dial-stdio")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errs.Wrap(errs.KindFatal, err, "opening stdout pipe for dial-stdio")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errs.Wrap(errs.KindTransient, err, "starting dial-stdio for host %s", target.HostID)
	}

	return &sshConn{cmd: cmd, stdin: stdin, stdout: stdout, cancel: cancel}, nil
}

// dialerFunc adapts dialStdio to the signature docker/docker's
// client.WithDialContext expects.
func dialerFunc(target sshx.HostTarget, stateDir string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialStdio(ctx, target, stateDir)
	}
}

// dialSetupMu serializes client setup across all hosts (one lock, not one
// per host) so two goroutines racing to build the same host's client don't
// both spawn a dial-stdio subprocess.
var dialSetupMu sync.Mutex
