package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// CertificateMode is the set of supported certificate provisioning modes
// for a domain (spec.md §3, §4.10).
type CertificateMode string

const (
	CertModeNone       CertificateMode = "none"
	CertModeSelfSigned CertificateMode = "self_signed"
	CertModeACME       CertificateMode = "acme"
)

func (m CertificateMode) valid() bool {
	switch m {
	case CertModeNone, CertModeSelfSigned, CertModeACME, "":
		return true
	default:
		return false
	}
}

// MXRecord is one entry in Domain.MXRecords, preserving order (spec.md §3:
// "ordered list of hostnames").
type MXRecord struct {
	Host     string `yaml:"host"`
	Priority int    `yaml:"priority"`
	// External marks an MX target that is a literal FQDN outside this
	// configuration's domains, exempting it from the mx_targets_resolve
	// invariant (spec.md §3).
	External bool `yaml:"external,omitempty"`
}

// Domain is one entry in domains.yaml (spec.md §3).
type Domain struct {
	Name            string            `yaml:"name"`
	MXRecords       []MXRecord        `yaml:"mx_records,omitempty"`
	ARecords        map[string]string `yaml:"a_records,omitempty"`
	Enabled         *bool             `yaml:"enabled,omitempty"`
	CertificateMode CertificateMode   `yaml:"certificate_mode,omitempty"`
	Aliases         map[string]string `yaml:"aliases,omitempty"`
	ReverseZone     bool              `yaml:"reverse_zone,omitempty"`
}

// DomainsDocument is the top-level shape of domains.yaml.
type DomainsDocument struct {
	Domains []Domain `yaml:"domains"`
}

// IsEnabled defaults to true, mirroring User.IsEnabled.
func (d Domain) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// EffectiveCertificateMode defaults to "none".
func (d Domain) EffectiveCertificateMode() CertificateMode {
	if d.CertificateMode == "" {
		return CertModeNone
	}
	return d.CertificateMode
}

// ParseDomainsDocument parses domains.yaml.
func ParseDomainsDocument(data []byte) (*DomainsDocument, error) {
	var doc DomainsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, FieldErrors{{Path: "$", Rule: "yaml", Msg: err.Error()}}
	}
	return &doc, nil
}

// Emit produces canonical YAML for the domains document.
func (d *DomainsDocument) Emit() ([]byte, error) {
	return emitCanonical(d)
}

// Validate checks every invariant from spec.md §3: unique domain names,
// FQDN-shaped names, and that every non-external MX target resolves to a
// defined a_records entry somewhere in the document (mx_targets_resolve).
func (d *DomainsDocument) Validate() error {
	var errs FieldErrors

	names := make([]string, len(d.Domains))
	for i, dom := range d.Domains {
		names[i] = dom.Name
	}
	for _, dup := range UniqueStrings(names) {
		errs.Addf("domains[?]", "unique_domain_names", "domain %q is declared more than once", dup)
	}

	shortNames := make(map[string]bool)
	for _, dom := range d.Domains {
		for short := range dom.ARecords {
			shortNames[short+"."+dom.Name] = true
		}
	}

	for i, dom := range d.Domains {
		path := fmt.Sprintf("domains[%d]", i)

		if !IsFQDN(dom.Name) {
			errs.Add(path+".name", "fqdn_format", "must be a valid fully-qualified domain name")
		}
		if !dom.EffectiveCertificateMode().valid() {
			errs.Addf(path+".certificate_mode", "certificate_mode", "unrecognized certificate mode %q", dom.CertificateMode)
		}
		for short, ip := range dom.ARecords {
			if ip == "" {
				errs.Addf(fmt.Sprintf("%s.a_records[%s]", path, short), "required", "short name %q must map to a non-empty IPv4 address", short)
			}
		}

		for j, mx := range dom.MXRecords {
			mxPath := fmt.Sprintf("%s.mx_records[%d]", path, j)
			if mx.Host == "" {
				errs.Add(mxPath+".host", "required", "must not be empty")
				continue
			}
			if mx.External {
				continue
			}
			if !shortNames[mx.Host] {
				errs.Addf(mxPath+".host", "mx_targets_resolve", "MX target %q does not resolve to a defined a_records entry and is not marked external", mx.Host)
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
