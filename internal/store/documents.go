package store

import (
	"os"

	"github.com/lakowske/net-servers/internal/schema"
)

// LoadGlobal reads global.yaml, using the cache when the file is unchanged.
func (s *Store) LoadGlobal() (*schema.GlobalConfig, error) {
	return readCached(s, s.paths.GlobalYAML, schema.ParseGlobalConfig)
}

// SaveGlobal validates and atomically writes global.yaml.
func (s *Store) SaveGlobal(cfg *schema.GlobalConfig) error {
	return s.writeAtomic(s.paths.GlobalYAML, cfg.Emit, cfg.Validate)
}

// LoadUsers reads users.yaml.
func (s *Store) LoadUsers() (*schema.UsersDocument, error) {
	return readCached(s, s.paths.UsersYAML, schema.ParseUsersDocument)
}

// SaveUsers validates users.yaml against the current domains.yaml (a user's
// domains must exist) and atomically writes it.
func (s *Store) SaveUsers(doc *schema.UsersDocument) error {
	return s.writeAtomic(s.paths.UsersYAML, doc.Emit, func() error {
		return doc.Validate(s.domainExists)
	})
}

func (s *Store) domainExists(name string) bool {
	domains, err := s.LoadDomains()
	if err != nil {
		return false
	}
	for _, d := range domains.Domains {
		if d.Name == name {
			return true
		}
	}
	return false
}

// LoadDomains reads domains.yaml.
func (s *Store) LoadDomains() (*schema.DomainsDocument, error) {
	return readCached(s, s.paths.DomainsYAML, schema.ParseDomainsDocument)
}

// SaveDomains validates and atomically writes domains.yaml.
func (s *Store) SaveDomains(doc *schema.DomainsDocument) error {
	return s.writeAtomic(s.paths.DomainsYAML, doc.Emit, doc.Validate)
}

// LoadServices reads services.yaml.
func (s *Store) LoadServices() (*schema.ServicesDocument, error) {
	return readCached(s, s.paths.ServicesYAML, schema.ParseServicesDocument)
}

// SaveServices validates and atomically writes services.yaml.
func (s *Store) SaveServices(doc *schema.ServicesDocument) error {
	return s.writeAtomic(s.paths.ServicesYAML, doc.Emit, doc.Validate)
}

// LoadEnvironments reads environments.yaml.
func (s *Store) LoadEnvironments() (*schema.EnvironmentsDocument, error) {
	return readCached(s, s.paths.EnvironmentsYAML, schema.ParseEnvironmentsDocument)
}

// SaveEnvironments validates and atomically writes environments.yaml.
func (s *Store) SaveEnvironments(doc *schema.EnvironmentsDocument) error {
	return s.writeAtomic(s.paths.EnvironmentsYAML, doc.Emit, doc.Validate)
}

// LoadSecrets reads secrets.yaml. Callers must never log the result without
// calling Redact first.
func (s *Store) LoadSecrets() (*schema.SecretBundle, error) {
	return readCached(s, s.paths.SecretsYAML, schema.ParseSecretBundle)
}

// SaveSecrets atomically writes secrets.yaml with 0600 permissions. Secret
// bundles have no cross-document invariant to validate.
func (s *Store) SaveSecrets(sb *schema.SecretBundle) error {
	return s.writeAtomic(s.paths.SecretsYAML, sb.Emit, nil)
}

// InitializeDefaults writes every YAML document that does not yet exist
// under p.ConfigDir with the minimal valid defaults from spec.md §4.3's
// initialize_defaults operation. Existing files are left untouched.
func (s *Store) InitializeDefaults(domain, adminEmail string) error {
	if !exists(s.paths.GlobalYAML) {
		if err := s.SaveGlobal(schema.DefaultGlobalConfig(domain, adminEmail)); err != nil {
			return err
		}
	}
	if !exists(s.paths.DomainsYAML) {
		if err := s.SaveDomains(&schema.DomainsDocument{Domains: []schema.Domain{
			{Name: domain, CertificateMode: schema.CertModeSelfSigned},
		}}); err != nil {
			return err
		}
	}
	if !exists(s.paths.UsersYAML) {
		enabled := true
		doc := &schema.UsersDocument{Users: []schema.User{
			{Username: "admin", Email: adminEmail, Domains: []string{domain}, Roles: []string{"admin"}, Enabled: &enabled},
		}}
		if err := s.writeAtomic(s.paths.UsersYAML, doc.Emit, nil); err != nil {
			return err
		}
	}
	if !exists(s.paths.ServicesYAML) {
		if err := s.SaveServices(&schema.ServicesDocument{}); err != nil {
			return err
		}
	}
	if !exists(s.paths.EnvironmentsYAML) {
		if err := s.writeAtomic(s.paths.EnvironmentsYAML, (&schema.EnvironmentsDocument{}).Emit, nil); err != nil {
			return err
		}
	}
	if !exists(s.paths.SecretsYAML) {
		if err := s.SaveSecrets(&schema.SecretBundle{}); err != nil {
			return err
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
