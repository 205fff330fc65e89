package schema

import "gopkg.in/yaml.v3"

// SecretBundle holds sensitive material distinct from ordinary config
// (spec.md §3). The Config Store writes it to secrets.yaml with stricter
// file permissions (0600) and it must never appear in a log line or error
// context — internal/secretsafe is the enforcement point for that rule.
type SecretBundle struct {
	// UserPasswords maps "<username>" to a plaintext password used to
	// derive password_hashes entries when a user is created or a password
	// is rotated. Stored here rather than in users.yaml so that
	// users.yaml can be safely shared/reviewed without leaking secrets.
	UserPasswords map[string]string `yaml:"user_passwords,omitempty"`

	// ACMEAccountKey is the PEM-encoded ACME account private key used by
	// the Certificate Manager's ACME mode.
	ACMEAccountKey string `yaml:"acme_account_key,omitempty"`

	// RNDCKey is the shared secret used to authenticate the DNS
	// container's rndc control channel for zone reloads.
	RNDCKey string `yaml:"rndc_key,omitempty"`

	// MasterKeyPath records the location of a master key file. The field
	// is only stored and emitted: nothing in this module reads the file or
	// encrypts with it, and secrets.yaml itself is written as plain YAML
	// with 0600 permissions.
	MasterKeyPath string `yaml:"master_key_path,omitempty"`
}

// ParseSecretBundle parses secrets.yaml.
func ParseSecretBundle(data []byte) (*SecretBundle, error) {
	var sb SecretBundle
	if err := yaml.Unmarshal(data, &sb); err != nil {
		return nil, FieldErrors{{Path: "$", Rule: "yaml", Msg: err.Error()}}
	}
	return &sb, nil
}

// Emit produces canonical YAML for the secret bundle. Callers are
// responsible for writing the result with 0600 permissions — the codec
// itself has no file-mode concept.
func (sb *SecretBundle) Emit() ([]byte, error) {
	return emitCanonical(sb)
}

// Redact returns a copy of the bundle with every secret field blanked,
// safe to log or to surface in --json diagnostic output.
func (sb *SecretBundle) Redact() *SecretBundle {
	redacted := &SecretBundle{MasterKeyPath: sb.MasterKeyPath}
	if len(sb.UserPasswords) > 0 {
		redacted.UserPasswords = make(map[string]string, len(sb.UserPasswords))
		for user := range sb.UserPasswords {
			redacted.UserPasswords[user] = "[redacted]"
		}
	}
	if sb.ACMEAccountKey != "" {
		redacted.ACMEAccountKey = "[redacted]"
	}
	if sb.RNDCKey != "" {
		redacted.RNDCKey = "[redacted]"
	}
	return redacted
}
