package schema

import (
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var environmentNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// PortMapping is one entry in Environment.PortMappings for a container.
type PortMapping struct {
	ContainerPort int    `yaml:"container_port"`
	HostPort      int    `yaml:"host_port"`
	Protocol      string `yaml:"protocol"`
}

// Environment is one entry in environments.yaml (spec.md §3, §4.4).
type Environment struct {
	Name            string                   `yaml:"name"`
	Description     string                   `yaml:"description,omitempty"`
	BasePath        string                   `yaml:"base_path"`
	Domain          string                   `yaml:"domain"`
	AdminEmail      string                   `yaml:"admin_email"`
	Enabled         bool                     `yaml:"enabled"`
	Current         bool                     `yaml:"current,omitempty"`
	Tags            []string                 `yaml:"tags,omitempty"`
	CreatedAt       time.Time                `yaml:"created_at"`
	LastUsed        *time.Time               `yaml:"last_used,omitempty"`
	CertificateMode CertificateMode          `yaml:"certificate_mode,omitempty"`
	PortMappings    map[string][]PortMapping `yaml:"port_mappings,omitempty"`
}

// EnvironmentsDocument is the top-level shape of environments.yaml.
type EnvironmentsDocument struct {
	Environments []Environment `yaml:"environments"`
}

// ParseEnvironmentsDocument parses environments.yaml.
func ParseEnvironmentsDocument(data []byte) (*EnvironmentsDocument, error) {
	var doc EnvironmentsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, FieldErrors{{Path: "$", Rule: "yaml", Msg: err.Error()}}
	}
	return &doc, nil
}

// Emit produces canonical YAML for the environments document.
func (d *EnvironmentsDocument) Emit() ([]byte, error) {
	return emitCanonical(d)
}

// Current returns the environment marked current, if any.
func (d *EnvironmentsDocument) Current() (Environment, bool) {
	for _, e := range d.Environments {
		if e.Current {
			return e, true
		}
	}
	return Environment{}, false
}

// Validate checks the invariants from spec.md §3: exactly one current
// environment, the current environment must be enabled, names must match
// the allowed pattern and be unique, and no two enabled environments may
// resolve to the same base_path (the PATH_CONFLICT detection is performed
// by internal/paths once base paths are resolved — this only checks the
// raw, possibly-relative strings for an obvious duplicate).
func (d *EnvironmentsDocument) Validate() error {
	var errs FieldErrors

	names := make([]string, len(d.Environments))
	currentCount := 0
	basePaths := make(map[string][]string)
	for i, e := range d.Environments {
		names[i] = e.Name
		if e.Current {
			currentCount++
		}
		if e.Enabled {
			basePaths[e.BasePath] = append(basePaths[e.BasePath], e.Name)
		}
	}
	for _, dup := range UniqueStrings(names) {
		errs.Addf("environments[?]", "unique_names", "environment %q is declared more than once", dup)
	}
	if currentCount == 0 && len(d.Environments) > 0 {
		errs.Add("environments", "current_required", "exactly one environment must be marked current")
	}
	if currentCount > 1 {
		errs.Add("environments", "current_required", "more than one environment is marked current")
	}
	for base, names := range basePaths {
		if len(names) > 1 {
			errs.Addf("environments[?].base_path", "PATH_CONFLICT", "base_path %q is shared by enabled environments %v", base, names)
		}
	}

	for i, e := range d.Environments {
		path := fmt.Sprintf("environments[%d]", i)
		if !environmentNamePattern.MatchString(e.Name) {
			errs.Add(path+".name", "env_name_format", "must match [a-z][a-z0-9-]*")
		}
		if e.BasePath == "" {
			errs.Add(path+".base_path", "required", "must not be empty")
		}
		if e.Current && !e.Enabled {
			errs.Add(path+".enabled", "current_must_be_enabled", "the current environment must be enabled")
		}
		if !IsEmail(e.AdminEmail) {
			errs.Add(path+".admin_email", "email_format", "must be a valid RFC-5322 address")
		}
		for container, mappings := range e.PortMappings {
			for j, m := range mappings {
				mPath := fmt.Sprintf("%s.port_mappings[%s][%d]", path, container, j)
				if !IsValidPort(m.ContainerPort) {
					errs.Addf(mPath+".container_port", "port_ranges", "container_port %d is out of range", m.ContainerPort)
				}
				if !IsValidPort(m.HostPort) {
					errs.Addf(mPath+".host_port", "port_ranges", "host_port %d is out of range", m.HostPort)
				}
				if !IsValidProtocol(m.Protocol) {
					errs.Addf(mPath+".protocol", "port_ranges", "unrecognized protocol %q", m.Protocol)
				}
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
