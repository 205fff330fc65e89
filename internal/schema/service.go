package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ContainerPort is one declared port a service's container exposes.
type ContainerPort struct {
	ContainerPort int    `yaml:"container_port"`
	Protocol      string `yaml:"protocol"`
}

// ServiceConfig is one entry in services/services.yaml (spec.md §3).
type ServiceConfig struct {
	Name         string            `yaml:"name"`
	ContainerRef string            `yaml:"container_ref"`
	SSLRequested bool              `yaml:"ssl_requested"`
	Ports        []ContainerPort   `yaml:"ports,omitempty"`
	Settings     map[string]any    `yaml:"settings,omitempty"`
}

// ServicesDocument is the top-level shape of services/services.yaml.
type ServicesDocument struct {
	Services []ServiceConfig `yaml:"services"`
}

var validContainerRefs = map[string]bool{
	"apache": true,
	"mail":   true,
	"dns":    true,
}

// ParseServicesDocument parses services/services.yaml.
func ParseServicesDocument(data []byte) (*ServicesDocument, error) {
	var doc ServicesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, FieldErrors{{Path: "$", Rule: "yaml", Msg: err.Error()}}
	}
	return &doc, nil
}

// Emit produces canonical YAML for the services document.
func (d *ServicesDocument) Emit() ([]byte, error) {
	return emitCanonical(d)
}

// Validate checks that every service names a supported container_ref and
// declares sane ports ("port_ranges" from spec.md §4.2).
func (d *ServicesDocument) Validate() error {
	var errs FieldErrors

	names := make([]string, len(d.Services))
	for i, s := range d.Services {
		names[i] = s.Name
	}
	for _, dup := range UniqueStrings(names) {
		errs.Addf("services[?]", "unique_service_names", "service %q is declared more than once", dup)
	}

	for i, s := range d.Services {
		path := fmt.Sprintf("services[%d]", i)
		if s.Name == "" {
			errs.Add(path+".name", "required", "must not be empty")
		}
		if !validContainerRefs[s.ContainerRef] {
			errs.Addf(path+".container_ref", "container_ref", "unrecognized container_ref %q", s.ContainerRef)
		}
		for j, p := range s.Ports {
			pPath := fmt.Sprintf("%s.ports[%d]", path, j)
			if !IsValidPort(p.ContainerPort) {
				errs.Addf(pPath+".container_port", "port_ranges", "container_port %d is out of range", p.ContainerPort)
			}
			if !IsValidProtocol(p.Protocol) {
				errs.Addf(pPath+".protocol", "port_ranges", "unrecognized protocol %q", p.Protocol)
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// FindByContainerRef returns the ServiceConfig declaring the given
// container_ref, if any.
func (d *ServicesDocument) FindByContainerRef(ref string) (ServiceConfig, bool) {
	for _, s := range d.Services {
		if s.ContainerRef == ref {
			return s, true
		}
	}
	return ServiceConfig{}, false
}
