package sshx

import "strings"

// ShellEscape quotes a single token for safe inclusion in the one remote
// command line that ssh passes to the far end's shell. Every other argv in
// this codebase is passed as a real argv vector to os/exec and never
// touches a shell; only the remote command line is a string, and it is
// built by escaping each token individually and joining with spaces, never
// by interpolating raw values.
func ShellEscape(tok string) string {
	if tok == "" {
		return "''"
	}
	if isSafeUnquoted(tok) {
		return tok
	}
	return "'" + strings.ReplaceAll(tok, "'", `'\''`) + "'"
}

// ShellJoin escapes and joins argv into the single remote command line.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = ShellEscape(a)
	}
	return strings.Join(parts, " ")
}

func isSafeUnquoted(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '@' || r == '=':
		default:
			return false
		}
	}
	return true
}
