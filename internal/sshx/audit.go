package sshx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
)

// AuditRecord is one append-only line of the audit log. It
// never carries raw remote output or credentials — only a digest of the
// argv that was run.
type AuditRecord struct {
	Timestamp   time.Time `json:"ts"`
	HostID      string    `json:"host_id"`
	Op          string    `json:"op"`
	ArgvDigest  string    `json:"argv_digest"`
	DurationMS  int64     `json:"duration_ms"`
	ExitCode    int       `json:"exit_code"`
	OK          bool      `json:"ok"`
	RateLimited bool      `json:"rate_limited,omitempty"`
}

// AuditLog is an append-only, newline-delimited-JSON writer at a
// caller-chosen path.
type AuditLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "opening audit log %s", path)
	}
	return &AuditLog{path: path, f: f}, nil
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}

func (a *AuditLog) Write(rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindFatal, err, "marshaling audit record")
	}
	line = append(line, '\n')
	if _, err := a.f.Write(line); err != nil {
		return errs.Wrap(errs.KindFatal, err, "writing audit record")
	}
	return nil
}

// ArgvDigest hashes the command's argv so the audit trail can distinguish
// invocations without ever storing the raw (potentially sensitive) tokens.
func ArgvDigest(argv []string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(argv, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
