package config

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/artemis/dockhostd/internal/errs"
)

var slugSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

var skipHostPatterns = map[string]bool{
	"localhost":     true,
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
}

// CandidateHost is a host discovered from an SSH config file, not yet
// validated or added to the store.
type CandidateHost struct {
	HostID   string
	Hostname string
	SSHUser  string
	SSHPort  int
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugSanitizer.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "host"
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// ImportSSHConfig parses an OpenSSH client config file into host
// candidates: wildcard patterns, localhost, and common VCS hosts are
// skipped; selected restricts the result to the given `Host` aliases when
// non-empty.
func ImportSSHConfig(path string, selected map[string]bool) ([]CandidateHost, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "opening ssh config %s", path)
	}
	defer f.Close()

	var candidates []CandidateHost
	var alias, hostname, user string
	var port int

	flush := func() {
		if alias == "" {
			return
		}
		if strings.ContainsAny(alias, "*?") {
			return
		}
		if skipHostPatterns[strings.ToLower(alias)] {
			return
		}
		if len(selected) > 0 && !selected[alias] {
			return
		}
		h := hostname
		if h == "" {
			h = alias
		}
		if skipHostPatterns[strings.ToLower(h)] {
			return
		}
		p := port
		if p == 0 {
			p = 22
		}
		candidates = append(candidates, CandidateHost{
			HostID:   slugify(alias),
			Hostname: h,
			SSHUser:  user,
			SSHPort:  p,
		})
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.ToLower(fields[0])
		value := strings.Join(fields[1:], " ")

		switch key {
		case "host":
			flush()
			alias, hostname, user, port = value, "", "", 0
		case "hostname":
			hostname = value
		case "user":
			user = value
		case "port":
			if p, err := strconv.Atoi(value); err == nil {
				port = p
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, err, "scanning ssh config %s", path)
	}
	return candidates, nil
}

// ToHost converts a discovered candidate into a Host record ready for
// AddHost, with capability-discovery fields left empty for the prober to
// fill.
func (c CandidateHost) ToHost() *Host {
	return &Host{
		HostID:   c.HostID,
		Hostname: c.Hostname,
		SSHUser:  c.SSHUser,
		SSHPort:  c.SSHPort,
		Enabled:  true,
	}
}
