package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"

	"github.com/artemis/dockhostd/internal/errs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// namedAddr satisfies net.Addr with a bare hostname, the only piece of
// identity knownhosts.HostKeyCallback needs to match a "Host ..." line that
// doesn't key on an IP literal.
type namedAddr string

func (n namedAddr) Network() string { return "tcp" }
func (n namedAddr) String() string  { return string(n) }

// CheckKnownHosts reports whether hostname already has a recorded
// fingerprint in the given known_hosts file. It never mutates the file —
// StrictHostKeyChecking=accept-new lets the ssh binary itself record new
// fingerprints; this is only used during capability discovery to log
// whether a host is trust-on-first-use or already pinned.
//
// knownhosts.New's HostKeyCallback can't be asked "is this host known" in
// the abstract — it only answers "does this host+key pair match" — so this
// probes it with a throwaway key. Per the callback's documented contract, a
// *knownhosts.KeyError with a non-empty Want field means the host has a
// recorded entry (under a different key, as expected for a random probe); an
// empty Want field means the host has no entry at all.
func CheckKnownHosts(knownHostsPath, hostname string) (pinned bool, err error) {
	if _, statErr := os.Stat(knownHostsPath); os.IsNotExist(statErr) {
		return false, nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return false, errs.Wrap(errs.KindFatal, err, "parsing known_hosts %s", knownHostsPath)
	}
	_, probePriv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return false, errs.Wrap(errs.KindFatal, genErr, "generating probe key for known_hosts lookup")
	}
	probePub, pubErr := ssh.NewPublicKey(probePriv.Public())
	if pubErr != nil {
		return false, errs.Wrap(errs.KindFatal, pubErr, "wrapping probe key")
	}

	cbErr := cb(hostname, namedAddr(hostname), probePub)
	if cbErr == nil {
		// The random probe key matched a recorded entry — astronomically
		// unlikely, but still means the host is pinned.
		return true, nil
	}
	var keyErr *knownhosts.KeyError
	if errors.As(cbErr, &keyErr) {
		return len(keyErr.Want) > 0, nil
	}
	return false, errs.Wrap(errs.KindFatal, cbErr, "checking known_hosts entry for %s", hostname)
}

// DefaultKnownHostsPath returns ~/.ssh/known_hosts.
func DefaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
