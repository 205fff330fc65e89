package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PasswordScheme identifies how a value in User.PasswordHashes was
// produced. "digest-{realm}" is stored with the realm folded into the map
// key itself (e.g. "digest-WebDAV Secure Area") per spec.md §3.
type PasswordScheme string

const (
	SchemePlain      PasswordScheme = "plain"
	SchemeSHA512Crypt PasswordScheme = "sha512-crypt"
)

// DigestScheme builds the password_hashes map key used for a given realm.
func DigestScheme(realm string) string {
	return "digest-" + realm
}

// User is one entry in users.yaml (spec.md §3).
type User struct {
	Username       string            `yaml:"username"`
	Email          string            `yaml:"email"`
	Domains        []string          `yaml:"domains"`
	Roles          []string          `yaml:"roles,omitempty"`
	MailboxQuota   string            `yaml:"mailbox_quota,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
	PasswordHashes map[string]string `yaml:"password_hashes,omitempty"`
}

// UsersDocument is the top-level shape of users.yaml.
type UsersDocument struct {
	Users []User `yaml:"users"`
}

// IsEnabled returns the effective enabled state, defaulting to true when
// the field is omitted (spec.md §3: "enabled (default true)").
func (u User) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// IsAdmin reports whether the user has the "admin" role, which spec.md §3
// says "grants cross-domain write".
func (u User) IsAdmin() bool {
	for _, r := range u.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// ParseUsersDocument parses users.yaml.
func ParseUsersDocument(data []byte) (*UsersDocument, error) {
	var doc UsersDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, FieldErrors{{Path: "$", Rule: "yaml", Msg: err.Error()}}
	}
	return &doc, nil
}

// Emit produces canonical YAML for the users document.
func (d *UsersDocument) Emit() ([]byte, error) {
	return emitCanonical(d)
}

// Validate checks every invariant from spec.md §3 and §4.2: unique
// usernames, DNS-label-safe lowercase usernames, RFC-5322 emails, a
// non-empty domain set per user, and (via domainExists) that every
// referenced domain exists.
//
// domainExists is supplied by the caller (the Config Store composes it from
// the domains document) so this package stays free of a dependency on the
// Domain type's storage — it only needs to ask "does this name exist".
func (d *UsersDocument) Validate(domainExists func(name string) bool) error {
	var errs FieldErrors

	names := make([]string, len(d.Users))
	for i, u := range d.Users {
		names[i] = u.Username
	}
	for _, dup := range UniqueStrings(names) {
		errs.Addf(fmt.Sprintf("users[?].username=%s", dup), "unique_usernames", "username %q is used by more than one user", dup)
	}

	for i, u := range d.Users {
		path := fmt.Sprintf("users[%d]", i)

		if u.Username == "" {
			errs.Add(path+".username", "required", "must not be empty")
		} else if !IsDNSLabelSafe(u.Username) {
			errs.Add(path+".username", "dns_label_safe", "must be lowercase and DNS-label-safe")
		}

		if !IsEmail(u.Email) {
			errs.Add(path+".email", "email_format", "must be a valid RFC-5322 address")
		}

		if len(u.Domains) == 0 {
			errs.Add(path+".domains", "required", "must list at least one domain")
		}
		if domainExists != nil {
			for j, dom := range u.Domains {
				if !domainExists(dom) {
					errs.Addf(fmt.Sprintf("%s.domains[%d]", path, j), "user_domains_exist", "domain %q does not exist", dom)
				}
			}
		}

		for scheme := range u.PasswordHashes {
			if scheme != string(SchemePlain) && scheme != string(SchemeSHA512Crypt) && !isDigestScheme(scheme) {
				errs.Addf(path+".password_hashes", "password_scheme", "unrecognized password scheme %q", scheme)
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func isDigestScheme(scheme string) bool {
	return len(scheme) > len("digest-") && scheme[:len("digest-")] == "digest-"
}
