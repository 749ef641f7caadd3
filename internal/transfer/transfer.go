// Package transfer holds the transfer backends: rsync and ZFS
// implementations that report through a common Report type, both built on the SSH
// Command Builder's argv composition so every path and option is
// shell-escaped rather than interpolated into a command string.
package transfer

import (
	"strconv"
	"strings"
	"time"

	"github.com/artemis/dockhostd/internal/observability"
	"github.com/artemis/dockhostd/internal/sshx"
)

// Request is the input to the rsync backend's Transfer method; the ZFS
// backend takes a ZFSSpec instead.
type Request struct {
	Source, Target sshx.HostTarget
	// SourcePaths and TargetPaths are parallel arrays: SourcePaths[i] on
	// Source transfers to TargetPaths[i] on Target.
	SourcePaths, TargetPaths []string
	// CriticalFiles are absolute paths under SourcePaths whose checksum
	// must match post-transfer.
	CriticalFiles []string
}

// PathChecksum is one critical file's pre/post comparison.
type PathChecksum struct {
	Path    string
	Source  string
	Target  string
	Matched bool
}

// Report is the common output of either backend.
type Report struct {
	BackendID         string
	BytesTransferred  int64
	Duration          time.Duration
	Checksums         []PathChecksum
	OK                bool
	FailureReason     string
}

func sshOptsString(t sshx.HostTarget, port int) string {
	if port == 0 {
		port = t.SSHPort
	}
	if port == 0 {
		port = 22
	}
	parts := []string{
		"ssh", "-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=10",
		"-p", strconv.Itoa(port),
	}
	if t.IdentityFile != "" {
		parts = append(parts, "-i", t.IdentityFile)
	}
	return sshx.ShellJoin(parts)
}

func remoteSpec(t sshx.HostTarget, path string) string {
	if t.SSHUser != "" {
		return t.SSHUser + "@" + t.Hostname + ":" + path
	}
	return t.Hostname + ":" + path
}

// observeTransfer records a completed (or failed) backend run's duration.
func observeTransfer(r *Report) {
	status := "error"
	if r.OK {
		status = "success"
	}
	observability.TransferDuration.WithLabelValues(r.BackendID, status).Observe(r.Duration.Seconds())
}

func sumSizes(lines []string) (count int, total int64) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			continue
		}
		count++
		total += n
	}
	return count, total
}
