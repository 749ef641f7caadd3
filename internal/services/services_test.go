package services

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestReadLinesRespectsLimit(t *testing.T) {
	r := strings.NewReader("one\ntwo\nthree\nfour\n")
	lines := readLines(r, 2)
	assert.Equal(t, len(lines), 2)
	assert.Equal(t, lines[0], "one")
	assert.Equal(t, lines[1], "two")
}

func TestFormatPortDefaultsWildcardIP(t *testing.T) {
	s := formatPort("", 8080, 80, "tcp")
	assert.Equal(t, s, "0.0.0.0:8080->80/tcp")
}

func TestFormatPortPreservesExplicitIP(t *testing.T) {
	s := formatPort("127.0.0.1", 9000, 9000, "udp")
	assert.Equal(t, s, "127.0.0.1:9000->9000/udp")
}
