package compose

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestSplitShortVolume(t *testing.T) {
	cases := []struct {
		in                          string
		source, destination, mode string
	}{
		{"web_data:/var/lib/data", "web_data", "/var/lib/data", ""},
		{"./conf:/etc/nginx/conf.d:ro", "./conf", "/etc/nginx/conf.d", "ro"},
		{"/srv/app:/data", "/srv/app", "/data", ""},
	}
	for _, c := range cases {
		source, dest, mode := splitShortVolume(c.in)
		assert.Equal(t, source, c.source)
		assert.Equal(t, dest, c.destination)
		assert.Equal(t, mode, c.mode)
	}
}

func TestIsPathlike(t *testing.T) {
	assert.Assert(t, isPathlike("/srv/app"))
	assert.Assert(t, isPathlike("./conf"))
	assert.Assert(t, isPathlike("../shared"))
	assert.Assert(t, !isPathlike("web_data"))
	assert.Assert(t, !isPathlike("db-volume"))
}

func TestRewriteSourcePlaceholder(t *testing.T) {
	got, changed := rewriteSource("${APPDATA_PATH}/db/data", "/mnt/target", "db", nil)
	assert.Assert(t, changed)
	assert.Equal(t, got, "/mnt/target/db/data")
}

func TestRewriteSourceDescendant(t *testing.T) {
	old := []string{"/opt/appdata"}
	got, changed := rewriteSource("/opt/appdata/web/conf", "/mnt/target", "web", old)
	assert.Assert(t, changed)
	assert.Equal(t, got, "/mnt/target/web/conf")
}

func TestRewriteSourceExactMatchFallsBackToBasename(t *testing.T) {
	old := []string{"/opt/appdata/web"}
	got, changed := rewriteSource("/opt/appdata/web", "/mnt/target", "web", old)
	assert.Assert(t, changed)
	assert.Equal(t, got, "/mnt/target/web/web")
}

func TestRewriteSourceUnrelatedUnchanged(t *testing.T) {
	old := []string{"/opt/appdata"}
	got, changed := rewriteSource("/var/run/docker.sock", "/mnt/target", "web", old)
	assert.Assert(t, !changed)
	assert.Equal(t, got, "/var/run/docker.sock")
}

func TestRewriteSourceRelativeAnchoredUnderAppdata(t *testing.T) {
	// The real caller (migrate.Engine) always passes an absolute source-host
	// appdata root as old, e.g. []string{source.AppdataPath} — a relative
	// bind source like "./conf" never literally matches that absolute path
	// and must be rebased by its implicit {appdata}/{stack}/ anchor instead.
	old := []string{"/opt/appdata"}
	got, changed := rewriteSource("./conf", "/mnt/target-appdata", "web", old)
	assert.Assert(t, changed)
	assert.Equal(t, got, "/mnt/target-appdata/web/conf")
}

func TestRewriteForMigrationRewritesRelativeBindSource(t *testing.T) {
	src := []byte(`
services:
  web:
    image: nginx
    volumes:
      - ./conf:/etc/nginx/conf.d:ro
      - web_data:/usr/share/nginx/html
`)
	out, err := RewriteForMigration(src, "/opt/appdata", "web", []string{"/opt/appdata"})
	assert.NilError(t, err)
	text := string(out)
	assert.Assert(t, strings.Contains(text, "/opt/appdata/web/conf:/etc/nginx/conf.d:ro"), text)
	assert.Assert(t, strings.Contains(text, "web_data:/usr/share/nginx/html"), text)
}

func TestRewriteForMigrationPreservesNamedVolumes(t *testing.T) {
	src := []byte(`
services:
  web:
    image: nginx
    volumes:
      - ./conf:/etc/nginx/conf.d:ro
      - web_data:/usr/share/nginx/html
`)
	out, err := RewriteForMigration(src, "/mnt/target", "web", []string{"."})
	assert.NilError(t, err)
	text := string(out)
	assert.Assert(t, strings.Contains(text, "web_data:/usr/share/nginx/html"), text)
}

func TestRewriteForMigrationSubstitutesPlaceholderShortForm(t *testing.T) {
	src := []byte(`
services:
  db:
    image: postgres
    volumes:
      - ${APPDATA_PATH}/db/data:/var/lib/postgresql/data
      - db_backups:/backups
`)
	out, err := RewriteForMigration(src, "/mnt/target", "db", []string{"/opt/appdata"})
	assert.NilError(t, err)
	text := string(out)
	assert.Assert(t, strings.Contains(text, "/mnt/target/db/data:/var/lib/postgresql/data"), text)
	assert.Assert(t, strings.Contains(text, "db_backups:/backups"), text)
}

func TestRewriteForMigrationIsIdempotent(t *testing.T) {
	src := []byte(`
services:
  db:
    image: postgres
    volumes:
      - /opt/appdata/db/data:/var/lib/postgresql/data
`)
	old := []string{"/opt/appdata"}
	first, err := RewriteForMigration(src, "/mnt/target", "db", old)
	assert.NilError(t, err)

	second, err := RewriteForMigration(first, "/mnt/target", "db", old)
	assert.NilError(t, err)
	assert.DeepEqual(t, first, second)
}
