// Package paths computes the canonical on-disk layout for an environment
// (spec.md §4.1, §6). It is a pure function from an environment's base
// path (and a working directory, for a relative one) to a populated Paths
// value; it never touches the filesystem
// itself beyond the os.Getwd() call used to resolve a relative base path at
// the moment an environment is first loaded.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lakowske/net-servers/internal/corerr"
)

// Paths is the fully resolved set of filesystem locations for one
// environment. Every field is an absolute path.
type Paths struct {
	Base string

	ConfigDir   string
	StateDir    string
	LogsDir     string
	CodeDir     string

	GlobalYAML       string
	UsersYAML        string
	DomainsYAML      string
	EnvironmentsYAML string
	SecretsYAML      string
	ServicesYAML     string

	CertificatesDir string
	MailStateDir    string
	ApacheAuthDir   string
	DNSZonesDir     string
}

// Resolve computes Paths for the given environment base path. If
// base is relative, it is resolved against cwd (the process working
// directory at the moment the environment is first loaded, per spec.md
// §4.1) and the result is frozen into the returned Paths — callers must not
// re-resolve it later even if the process cwd changes.
func Resolve(base string, cwd string) (*Paths, error) {
	abs := base
	if !filepath.IsAbs(abs) {
		if cwd == "" {
			var err error
			cwd, err = os.Getwd()
			if err != nil {
				return nil, corerr.Wrap(corerr.PathNotAbsolute, err, "failed to resolve process working directory", nil)
			}
		}
		abs = filepath.Join(cwd, abs)
	}
	abs = filepath.Clean(abs)
	if !filepath.IsAbs(abs) {
		return nil, corerr.New(corerr.PathNotAbsolute, fmt.Sprintf("base path %q did not resolve to an absolute path", base), map[string]any{"base": base})
	}

	configDir := filepath.Join(abs, "config")
	stateDir := filepath.Join(abs, "state")

	return &Paths{
		Base: abs,

		ConfigDir: configDir,
		StateDir:  stateDir,
		LogsDir:   filepath.Join(abs, "logs"),
		CodeDir:   filepath.Join(abs, "code"),

		GlobalYAML:       filepath.Join(configDir, "global.yaml"),
		UsersYAML:        filepath.Join(configDir, "users.yaml"),
		DomainsYAML:      filepath.Join(configDir, "domains.yaml"),
		EnvironmentsYAML: filepath.Join(configDir, "environments.yaml"),
		SecretsYAML:      filepath.Join(configDir, "secrets.yaml"),
		ServicesYAML:     filepath.Join(configDir, "services", "services.yaml"),

		CertificatesDir: filepath.Join(stateDir, "certificates"),
		MailStateDir:    filepath.Join(stateDir, "mail"),
		ApacheAuthDir:   filepath.Join(stateDir, "apache", "auth"),
		DNSZonesDir:     filepath.Join(stateDir, "dns", "zones"),
	}, nil
}

// CertificateDir returns the directory a given domain's certificate triple
// is stored under.
func (p *Paths) CertificateDir(domain string) string {
	return filepath.Join(p.CertificatesDir, domain)
}

// MailboxDir returns the mailbox directory for a user on a domain, per the
// invariant in spec.md §3 (User): "<mail_state>/<domain>/<username>/".
func (p *Paths) MailboxDir(domain, username string) string {
	return filepath.Join(p.MailStateDir, domain, username)
}

// HtdigestFile returns the path of the htdigest file for a given realm.
func (p *Paths) HtdigestFile(realm string) string {
	return filepath.Join(p.ApacheAuthDir, realm+".htdigest")
}

// ZoneFile returns the forward zone file path for a domain.
func (p *Paths) ZoneFile(domain string) string {
	return filepath.Join(p.DNSZonesDir, "db."+domain+".zone")
}

// ReverseZoneFile returns the reverse zone file path for a domain.
func (p *Paths) ReverseZoneFile(domain string) string {
	return filepath.Join(p.DNSZonesDir, "db."+domain+".rev")
}

// Conflicts reports whether two resolved base paths are the same absolute
// location — spec.md §4.1's PATH_CONFLICT condition.
func Conflicts(a, b *Paths) bool {
	return a.Base == b.Base
}
