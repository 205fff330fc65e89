package schema

import "gopkg.in/yaml.v3"

// GlobalConfig is the per-environment system-wide document (spec.md §3).
// It is created once per environment and mutated only by explicit user
// action — synchronizers read it but never write it.
type GlobalConfig struct {
	System GlobalSystem `yaml:"system"`
	// Defaults holds free-form per-service default sections the spec
	// reserves for future service configuration (spec.md §3: "free-form
	// key/value sections reserved for service defaults"). Unknown keys are
	// preserved verbatim rather than rejected, per spec.md §9's per-record
	// unknown-field policy for this document.
	Defaults map[string]map[string]any `yaml:"defaults,omitempty"`
}

// GlobalSystem holds the mandatory system-wide fields.
type GlobalSystem struct {
	Domain     string `yaml:"domain"`
	AdminEmail string `yaml:"admin_email"`
	Timezone   string `yaml:"timezone"`
}

// ParseGlobalConfig parses raw YAML bytes into a GlobalConfig. A YAML
// decode failure is returned as a single FieldError; per-field checks are
// left to Validate, which accumulates one FieldError per failing field.
func ParseGlobalConfig(data []byte) (*GlobalConfig, error) {
	var cfg GlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, FieldErrors{{Path: "$", Rule: "yaml", Msg: err.Error()}}
	}
	return &cfg, nil
}

// Validate checks GlobalConfig's invariants, returning every violation
// found.
func (g *GlobalConfig) Validate() error {
	var errs FieldErrors

	if !IsFQDN(g.System.Domain) {
		errs.Add("system.domain", "fqdn_format", "must be a valid fully-qualified domain name")
	}
	if !IsEmail(g.System.AdminEmail) {
		errs.Add("system.admin_email", "email_format", "must be a valid RFC-5322 address")
	}
	if g.System.Timezone == "" {
		errs.Add("system.timezone", "required", "must not be empty")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Emit produces canonical YAML for GlobalConfig: stable key order (the
// struct's declared field order), two-space indent, LF line endings, and a
// trailing newline.
func (g *GlobalConfig) Emit() ([]byte, error) {
	return emitCanonical(g)
}

// DefaultGlobalConfig returns the documented minimal default written by
// Store.InitializeDefaults when global.yaml is missing (spec.md §4.3).
func DefaultGlobalConfig(domain, adminEmail string) *GlobalConfig {
	return &GlobalConfig{
		System: GlobalSystem{
			Domain:     domain,
			AdminEmail: adminEmail,
			Timezone:   "UTC",
		},
	}
}
