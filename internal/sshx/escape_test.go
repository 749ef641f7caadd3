package sshx

import "testing"

func TestShellEscapeSafeTokensUnquoted(t *testing.T) {
	for _, tok := range []string{"docker", "/opt/stacks/app", "host-1:22", "KEY=value", "com.docker.compose.project"} {
		if got := ShellEscape(tok); got != tok {
			t.Errorf("ShellEscape(%q) = %q, want unquoted passthrough", tok, got)
		}
	}
}

func TestShellEscapeQuotesUnsafeTokens(t *testing.T) {
	cases := map[string]string{
		"":              "''",
		"a b":           "'a b'",
		"$(rm -rf /)":   "'$(rm -rf /)'",
		"it's":          `'it'\''s'`,
		"a;b":           "'a;b'",
	}
	for in, want := range cases {
		if got := ShellEscape(in); got != want {
			t.Errorf("ShellEscape(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShellJoinRoundTripsArgv(t *testing.T) {
	got := ShellJoin([]string{"docker", "compose", "-p", "my app", "up", "-d"})
	want := "docker compose -p 'my app' up -d"
	if got != want {
		t.Errorf("ShellJoin = %q, want %q", got, want)
	}
}
