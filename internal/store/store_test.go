package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/schema"
)

func newTestStore(t *testing.T) (*Store, *paths.Paths) {
	t.Helper()
	p, err := paths.Resolve(t.TempDir(), "")
	require.NoError(t, err)
	return New(p, nil), p
}

func TestInitializeDefaults_WritesEveryDocument(t *testing.T) {
	s, p := newTestStore(t)

	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	for _, f := range []string{p.GlobalYAML, p.DomainsYAML, p.UsersYAML, p.ServicesYAML, p.EnvironmentsYAML, p.SecretsYAML} {
		_, err := os.Stat(f)
		assert.NoError(t, err, "expected %s to exist", f)
	}

	global, err := s.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "local.dev", global.System.Domain)

	// Calling it again must not overwrite an existing document.
	require.NoError(t, s.SaveGlobal(&schema.GlobalConfig{System: schema.GlobalSystem{
		Domain: "changed.dev", AdminEmail: "admin@local.dev", Timezone: "UTC",
	}}))
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))
	global, err = s.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "changed.dev", global.System.Domain, "InitializeDefaults must not clobber an existing file")
}

func TestSaveGlobal_AtomicWriteAndBackup(t *testing.T) {
	s, p := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	// First mutating write after the initial create should produce a .bak.
	require.NoError(t, s.SaveGlobal(&schema.GlobalConfig{System: schema.GlobalSystem{
		Domain: "local.dev", AdminEmail: "ops@local.dev", Timezone: "America/Denver",
	}}))

	_, err := os.Stat(p.GlobalYAML + ".bak")
	assert.NoError(t, err)

	_, err = os.Stat(p.GlobalYAML + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")

	global, err := s.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "ops@local.dev", global.System.AdminEmail)
}

func TestSaveGlobal_RejectsInvalidDocument(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	err := s.SaveGlobal(&schema.GlobalConfig{System: schema.GlobalSystem{
		Domain: "not a domain", AdminEmail: "admin@local.dev", Timezone: "UTC",
	}})
	assert.Error(t, err)

	// The on-disk document must be unchanged.
	global, err := s.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "local.dev", global.System.Domain)
}

func TestCache_ReusedUntilFileChanges(t *testing.T) {
	s, p := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	first, err := s.LoadGlobal()
	require.NoError(t, err)

	// Mutate the file directly on disk, bypassing the store, without
	// changing its size — the cache should still be consulted unless mtime
	// or size differ. To force a real change we rewrite with different
	// content (and therefore size) via SaveGlobal, which invalidates.
	require.NoError(t, s.SaveGlobal(&schema.GlobalConfig{System: schema.GlobalSystem{
		Domain: "local.dev", AdminEmail: "changed@local.dev", Timezone: "UTC",
	}}))

	second, err := s.LoadGlobal()
	require.NoError(t, err)
	assert.NotEqual(t, first.System.AdminEmail, second.System.AdminEmail)

	s.InvalidateCache(p.GlobalYAML)
	third, err := s.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, second.System.AdminEmail, third.System.AdminEmail)
}

func TestSaveUsers_ValidatesAgainstDomains(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	err := s.SaveUsers(&schema.UsersDocument{Users: []schema.User{
		{Username: "alice", Email: "alice@local.dev", Domains: []string{"ghost.dev"}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_domains_exist")

	require.NoError(t, s.SaveUsers(&schema.UsersDocument{Users: []schema.User{
		{Username: "alice", Email: "alice@local.dev", Domains: []string{"local.dev"}},
	}}))
	users, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "alice", users.Users[0].Username)
}

func TestTransaction_CommitsAllOrNothing(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	err := s.Transaction(func(tx *Txn) error {
		tx.SetDomains(&schema.DomainsDocument{Domains: []schema.Domain{
			{Name: "local.dev"}, {Name: "example.test"},
		}})
		tx.SetUsers(&schema.UsersDocument{Users: []schema.User{
			{Username: "bob", Email: "bob@example.test", Domains: []string{"example.test"}},
		}})
		return nil
	})
	require.NoError(t, err)

	domains, err := s.LoadDomains()
	require.NoError(t, err)
	assert.Len(t, domains.Domains, 2)

	users, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "bob", users.Users[0].Username)
}

func TestTransaction_RollsBackOnCompositeValidationFailure(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	before, err := s.LoadUsers()
	require.NoError(t, err)

	err = s.Transaction(func(tx *Txn) error {
		// Removes local.dev from domains.yaml while users.yaml still (in
		// this same transaction) has a user referencing it — must fail
		// composite validation and write neither document.
		tx.SetDomains(&schema.DomainsDocument{Domains: []schema.Domain{{Name: "other.test"}}})
		tx.SetUsers(&schema.UsersDocument{Users: []schema.User{
			{Username: "admin", Email: "admin@local.dev", Domains: []string{"local.dev"}},
		}})
		return nil
	})
	require.Error(t, err)

	domains, err := s.LoadDomains()
	require.NoError(t, err)
	require.Len(t, domains.Domains, 1)
	assert.Equal(t, "local.dev", domains.Domains[0].Name, "domains.yaml must be unchanged after a failed transaction")

	after, err := s.LoadUsers()
	require.NoError(t, err)
	assert.Equal(t, before.Users, after.Users, "users.yaml must be unchanged after a failed transaction")
}

func TestTransaction_FuncErrorAbortsBeforeValidation(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	sentinel := assert.AnError
	err := s.Transaction(func(tx *Txn) error {
		tx.SetDomains(&schema.DomainsDocument{Domains: []schema.Domain{{Name: "local.dev"}, {Name: "other.test"}}})
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	domains, err := s.LoadDomains()
	require.NoError(t, err)
	assert.Len(t, domains.Domains, 1)
}

func TestRestoreBackup(t *testing.T) {
	s, p := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	require.NoError(t, s.SaveGlobal(&schema.GlobalConfig{System: schema.GlobalSystem{
		Domain: "local.dev", AdminEmail: "changed@local.dev", Timezone: "UTC",
	}}))

	require.NoError(t, s.RestoreBackup(p.GlobalYAML))

	global, err := s.LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, "admin@local.dev", global.System.AdminEmail)
}

func TestSecretsWrittenWithRestrictivePermissions(t *testing.T) {
	s, p := newTestStore(t)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	info, err := os.Stat(p.SecretsYAML)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(filepath.Dir(p.SecretsYAML))
	require.NoError(t, err)
}
