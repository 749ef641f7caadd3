package sshx

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/artemis/dockhostd/internal/errs"
	"golang.org/x/crypto/ssh"
	"gotest.tools/v3/assert"
)

func TestValidateHostname(t *testing.T) {
	assert.NilError(t, ValidateHostname("prod.example.com"))
	assert.NilError(t, ValidateHostname("10.0.0.10"))
	assert.NilError(t, ValidateHostname("::1"))
	assert.NilError(t, ValidateHostname("single-label"))

	assert.Assert(t, ValidateHostname("") != nil)
	assert.Assert(t, ValidateHostname("-leading.example") != nil)
	assert.Assert(t, ValidateHostname("bad_label.example") != nil)
	assert.Assert(t, ValidateHostname("host;rm -rf /") != nil)
}

func TestValidateUsername(t *testing.T) {
	assert.NilError(t, ValidateUsername("docker"))
	assert.NilError(t, ValidateUsername("_svc"))
	assert.NilError(t, ValidateUsername("backup$"))

	assert.Assert(t, ValidateUsername("") != nil)
	assert.Assert(t, ValidateUsername("1starts-with-digit") != nil)
	assert.Assert(t, ValidateUsername("Upper") != nil)
	assert.Assert(t, ValidateUsername("way-too-long-username-over-thirty-two-chars") != nil)
}

func TestValidatePort(t *testing.T) {
	assert.NilError(t, ValidatePort(1))
	assert.NilError(t, ValidatePort(65535))
	assert.Assert(t, ValidatePort(0) != nil)
	assert.Assert(t, ValidatePort(65536) != nil)
}

func TestValidateRemotePath(t *testing.T) {
	assert.NilError(t, ValidateRemotePath("/opt/compose/web"))
	assert.NilError(t, ValidateRemotePath("/tank/appdata"))

	cases := []string{
		"",
		"relative/path",
		"/opt/../etc/passwd",
		"/opt/$(whoami)",
		"/opt/web;reboot",
		"/opt/web data`id`",
		"/opt/web|tee",
	}
	for _, c := range cases {
		err := ValidateRemotePath(c)
		assert.Assert(t, err != nil, "expected rejection for %q", c)
		assert.Equal(t, errs.KindOf(err), errs.KindValidation)
	}
}

func TestValidateStackName(t *testing.T) {
	assert.NilError(t, ValidateStackName("web"))
	assert.NilError(t, ValidateStackName("Web.Stack-2_a"))

	assert.Assert(t, ValidateStackName("") != nil)
	assert.Assert(t, ValidateStackName("-leading") != nil)
	assert.Assert(t, ValidateStackName(".hidden") != nil)
	assert.Assert(t, ValidateStackName("../escape") != nil)
	assert.Assert(t, ValidateStackName("has space") != nil)
}

func writeTestKey(t *testing.T, mode os.FileMode) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	assert.NilError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	assert.NilError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	assert.NilError(t, os.WriteFile(path, pem.EncodeToMemory(block), mode))
	return path
}

func TestValidateIdentityFileAcceptsGoodKey(t *testing.T) {
	assert.NilError(t, ValidateIdentityFile(writeTestKey(t, 0o600)))
	assert.NilError(t, ValidateIdentityFile("")) // unset is fine
}

func TestValidateIdentityFileRejectsLooseMode(t *testing.T) {
	err := ValidateIdentityFile(writeTestKey(t, 0o644))
	assert.Assert(t, err != nil)
	assert.Equal(t, errs.KindOf(err), errs.KindValidation)
}

func TestValidateIdentityFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not_a_key")
	assert.NilError(t, os.WriteFile(path, []byte("hello"), 0o600))
	assert.Assert(t, ValidateIdentityFile(path) != nil)
}

func TestValidateIdentityFileRejectsRelativeAndMissing(t *testing.T) {
	assert.Assert(t, ValidateIdentityFile("keys/id_rsa") != nil)
	assert.Assert(t, ValidateIdentityFile("/nonexistent/id_rsa") != nil)
}
