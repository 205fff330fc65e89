package schema

import "time"

// Certificate is the metadata record for one domain's certificate triple
// (spec.md §3). The PEM material itself lives on disk under
// <state>/certificates/<domain>/ — this struct is what the Certificate
// Manager hands to synchronizers and the admin API, not a YAML document of
// its own.
type Certificate struct {
	Domain            string          `yaml:"domain" json:"domain"`
	Mode              CertificateMode `yaml:"mode" json:"mode"`
	NotBefore         time.Time       `yaml:"not_before" json:"not_before"`
	NotAfter          time.Time       `yaml:"not_after" json:"not_after"`
	FingerprintSHA256 string          `yaml:"fingerprint_sha256" json:"fingerprint_sha256"`
}

// ExpiresWithin reports whether the certificate's remaining validity is
// less than or equal to d — used by the Certificate Manager's 30-day
// renewal window (spec.md §4.10).
func (c Certificate) ExpiresWithin(d time.Duration, now time.Time) bool {
	return !c.NotAfter.After(now.Add(d))
}

// IsExpired reports whether the certificate's NotAfter has already passed.
func (c Certificate) IsExpired(now time.Time) bool {
	return now.After(c.NotAfter)
}
