package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakowske/net-servers/internal/corerr"
)

func TestResolve_AbsoluteBase(t *testing.T) {
	p, err := Resolve("/srv/net-servers/development", "")
	require.NoError(t, err)

	assert.Equal(t, "/srv/net-servers/development", p.Base)
	assert.Equal(t, "/srv/net-servers/development/config/users.yaml", p.UsersYAML)
	assert.Equal(t, "/srv/net-servers/development/config/services/services.yaml", p.ServicesYAML)
	assert.Equal(t, "/srv/net-servers/development/state/certificates", p.CertificatesDir)
	assert.Equal(t, "/srv/net-servers/development/state/mail", p.MailStateDir)
	assert.Equal(t, "/srv/net-servers/development/state/apache/auth", p.ApacheAuthDir)
	assert.Equal(t, "/srv/net-servers/development/state/dns/zones", p.DNSZonesDir)
}

func TestResolve_RelativeBaseUsesFrozenCwd(t *testing.T) {
	p, err := Resolve("envs/testing", "/home/dev/project")
	require.NoError(t, err)

	assert.Equal(t, "/home/dev/project/envs/testing", p.Base)
}

func TestResolve_ProducesAbsolutePaths(t *testing.T) {
	p, err := Resolve("relative/path", "/cwd")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p.Base))
}

func TestMailboxDir(t *testing.T) {
	p, err := Resolve("/srv/net-servers/development", "")
	require.NoError(t, err)

	assert.Equal(t, "/srv/net-servers/development/state/mail/local.dev/admin", p.MailboxDir("local.dev", "admin"))
}

func TestHtdigestFile(t *testing.T) {
	p, err := Resolve("/srv/net-servers/development", "")
	require.NoError(t, err)

	assert.Equal(t, "/srv/net-servers/development/state/apache/auth/WebDAV Secure Area.htdigest", p.HtdigestFile("WebDAV Secure Area"))
}

func TestZoneFiles(t *testing.T) {
	p, err := Resolve("/srv/net-servers/development", "")
	require.NoError(t, err)

	assert.Equal(t, "/srv/net-servers/development/state/dns/zones/db.local.dev.zone", p.ZoneFile("local.dev"))
	assert.Equal(t, "/srv/net-servers/development/state/dns/zones/db.local.dev.rev", p.ReverseZoneFile("local.dev"))
}

func TestConflicts(t *testing.T) {
	a, err := Resolve("/srv/net-servers/shared", "")
	require.NoError(t, err)
	b, err := Resolve("/srv/net-servers/shared", "")
	require.NoError(t, err)
	c, err := Resolve("/srv/net-servers/other", "")
	require.NoError(t, err)

	assert.True(t, Conflicts(a, b))
	assert.False(t, Conflicts(a, c))
}

func TestResolve_CleansPath(t *testing.T) {
	p, err := Resolve("/srv/net-servers/../net-servers/development/", "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/net-servers/development", p.Base)
}

func TestResolve_ErrorKind(t *testing.T) {
	// A base path that is empty resolves against cwd, so force the error
	// path by supplying a cwd that is itself not absolute — Resolve must
	// still surface PATH_NOT_ABSOLUTE rather than silently joining onto a
	// relative cwd.
	_, err := Resolve("relative", "also/relative")
	require.Error(t, err)
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, corerr.PathNotAbsolute, ce.Kind)
}
