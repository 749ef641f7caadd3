package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

const sampleSSHConfig = `
# personal boxes
Host nas
    HostName 10.0.0.20
    User admin
    Port 2222

Host web-*
    User deploy

Host github.com
    User git

Host localhost
    User me

Host bare-alias

Host Prod Box
    HostName prod.example.com
    User docker
`

func writeSSHConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestImportSSHConfigSkipsWildcardsAndVCSHosts(t *testing.T) {
	candidates, err := ImportSSHConfig(writeSSHConfig(t, sampleSSHConfig), nil)
	assert.NilError(t, err)

	byID := map[string]CandidateHost{}
	for _, c := range candidates {
		byID[c.HostID] = c
	}
	assert.Equal(t, len(candidates), 3)
	_, hasWildcard := byID["web-"]
	assert.Assert(t, !hasWildcard)
	_, hasGithub := byID["github-com"]
	assert.Assert(t, !hasGithub)
	_, hasLocalhost := byID["localhost"]
	assert.Assert(t, !hasLocalhost)
}

func TestImportSSHConfigFillsFieldsAndDefaults(t *testing.T) {
	candidates, err := ImportSSHConfig(writeSSHConfig(t, sampleSSHConfig), nil)
	assert.NilError(t, err)

	byID := map[string]CandidateHost{}
	for _, c := range candidates {
		byID[c.HostID] = c
	}

	nas := byID["nas"]
	assert.Equal(t, nas.Hostname, "10.0.0.20")
	assert.Equal(t, nas.SSHUser, "admin")
	assert.Equal(t, nas.SSHPort, 2222)

	// No HostName falls back to the alias itself; no Port falls back to 22.
	bare := byID["bare-alias"]
	assert.Equal(t, bare.Hostname, "bare-alias")
	assert.Equal(t, bare.SSHPort, 22)

	// Aliases are slug-normalized into valid host_ids.
	prod := byID["prod-box"]
	assert.Equal(t, prod.Hostname, "prod.example.com")
	assert.Equal(t, prod.SSHUser, "docker")
}

func TestImportSSHConfigSelectedFilter(t *testing.T) {
	candidates, err := ImportSSHConfig(writeSSHConfig(t, sampleSSHConfig), map[string]bool{"nas": true})
	assert.NilError(t, err)
	assert.Equal(t, len(candidates), 1)
	assert.Equal(t, candidates[0].HostID, "nas")
}

func TestCandidateToHostIsAddable(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "hosts.yml"), testLogger(t))
	assert.NilError(t, err)

	c := CandidateHost{HostID: "nas", Hostname: "10.0.0.20", SSHUser: "admin", SSHPort: 2222}
	assert.NilError(t, store.AddHost(c.ToHost()))

	h, err := store.GetHost("nas")
	assert.NilError(t, err)
	assert.Assert(t, h.Enabled)
	assert.Equal(t, h.SSHPort, 2222)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, slugify("Prod Box"), "prod-box")
	assert.Equal(t, slugify("NAS_01"), "nas_01")
	assert.Equal(t, slugify("!!!"), "host")
}
