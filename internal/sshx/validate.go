// Package sshx is the SSH command layer: it turns a (host, argv...)
// pair into a validated, shell-escaped, rate-limited invocation of the local
// ssh binary, with connection multiplexing and an audit trail. Only the
// standardized OpenSSH command line is used; this package never implements
// its own SSH transport.
package sshx

import (
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/artemis/dockhostd/internal/errs"
	"golang.org/x/crypto/ssh"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)
	stackNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)
	shellMetaChars   = regexp.MustCompile(`[\$` + "`" + `|;&<>()\{\}\*\?\[\]!~'"\\\x00-\x1f]`)
)

// ValidateHostname enforces the RFC 1123 label(s)-or-IP-literal rule.
func ValidateHostname(h string) error {
	if len(h) == 0 || len(h) > 253 {
		return errs.New(errs.KindValidation, "hostname length out of range")
	}
	if ip := net.ParseIP(h); ip != nil {
		return nil
	}
	labels := strings.Split(h, ".")
	labelRe := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
	for _, l := range labels {
		if !labelRe.MatchString(l) {
			return errs.New(errs.KindValidation, "hostname %q is not a valid RFC 1123 name or IP literal", h)
		}
	}
	return nil
}

// ValidateUsername enforces the POSIX-ish login-name rule.
func ValidateUsername(u string) error {
	if len(u) == 0 || len(u) > 32 {
		return errs.New(errs.KindValidation, "username length out of range")
	}
	if !usernamePattern.MatchString(u) {
		return errs.New(errs.KindValidation, "username %q does not match %s", u, usernamePattern.String())
	}
	return nil
}

// ValidatePort enforces the 1-65535 range.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return errs.New(errs.KindValidation, "port %d out of range", p)
	}
	return nil
}

// ValidateRemotePath enforces: absolute, no ".." segments, no shell
// metacharacters, max 4096 chars.
func ValidateRemotePath(p string) error {
	if len(p) == 0 || len(p) > 4096 {
		return errs.New(errs.KindValidation, "remote path length out of range")
	}
	if !strings.HasPrefix(p, "/") {
		return errs.New(errs.KindValidation, "remote path %q must be absolute", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return errs.New(errs.KindValidation, "remote path %q contains a .. segment", p)
		}
	}
	if shellMetaChars.MatchString(p) {
		return errs.New(errs.KindValidation, "remote path %q contains shell metacharacters", p)
	}
	return nil
}

// ValidateStackName enforces the stack_name grammar shared with the
// compose/migration layers.
func ValidateStackName(name string) error {
	if !stackNamePattern.MatchString(name) {
		return errs.New(errs.KindValidation, "stack name %q does not match %s", name, stackNamePattern.String())
	}
	return nil
}

// ValidateIdentityFile checks that path is an absolute, existing, mode<=0600
// file containing a key that golang.org/x/crypto/ssh can parse, so a broken
// or world-readable key is rejected before it is ever referenced in an argv.
func ValidateIdentityFile(path string) error {
	if path == "" {
		return nil
	}
	if !strings.HasPrefix(path, "/") {
		return errs.New(errs.KindValidation, "identity_file %q must be an absolute path", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err, "identity_file %q does not exist", path)
	}
	if info.Mode().Perm()&^0o600 != 0 {
		return errs.New(errs.KindValidation, "identity_file %q has mode %04o, must be <= 0600", path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err, "reading identity_file %q", path)
	}
	if _, err := ssh.ParseRawPrivateKey(data); err != nil {
		return errs.Wrap(errs.KindValidation, err, "identity_file %q is not a parseable private key", path)
	}
	return nil
}
