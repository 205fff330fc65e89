// Package environment implements the Environment Manager (spec.md §4.4):
// registering, enabling, switching between, and validating the named
// environments that can share one running process.
package environment

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
)

// Switched is the event emitted to C5/C6/C11 subscribers whenever the
// current environment changes.
type Switched struct {
	Previous string
	Current  string
	Paths    *paths.Paths
}

// Listener receives Switched events. The File Watcher, Synchronizer
// Framework and Container Supervisor each register one.
type Listener func(Switched)

// Manager owns environments.yaml, read and written directly at the
// process-level registry path rather than under any one environment's
// base_path. It keeps no resolved Paths in memory; Current resolves the
// current environment's Paths each time it is called.
type Manager struct {
	logger *zap.Logger

	// registryPath is the environments.yaml file itself: the single shared
	// registry, independent of any one environment's own base_path.
	registryPath string

	listeners []Listener

	cwd string
}

// New creates a Manager whose environments.yaml lives at registryPath, and
// whose relative base_path resolution uses cwd (or the process working
// directory if cwd is empty) "at the moment an environment is first
// loaded", per spec.md §4.1.
func New(registryPath string, cwd string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, registryPath: registryPath, cwd: cwd}
}

// Subscribe registers a listener for EnvironmentSwitched events.
func (m *Manager) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

func (m *Manager) load() (*schema.EnvironmentsDocument, error) {
	data, err := os.ReadFile(m.overlayOrPrimary())
	if err != nil {
		if os.IsNotExist(err) {
			return &schema.EnvironmentsDocument{}, nil
		}
		return nil, corerr.Wrap(corerr.IOTransient, err, "failed to read environments registry", map[string]any{"path": m.registryPath})
	}
	return schema.ParseEnvironmentsDocument(data)
}

// overlayOrPrimary implements spec.md §4.4's personal overlay rule: an
// environments.local.yaml next to environments.yaml, if present, fully
// replaces the shipped default for this process.
func (m *Manager) overlayOrPrimary() string {
	overlay := overlayPath(m.registryPath)
	if _, err := os.Stat(overlay); err == nil {
		return overlay
	}
	return m.registryPath
}

// overlayPath turns ".../environments.yaml" into ".../environments.local.yaml".
func overlayPath(registryPath string) string {
	ext := filepath.Ext(registryPath)
	base := strings.TrimSuffix(registryPath, ext)
	return base + ".local" + ext
}

func (m *Manager) save(doc *schema.EnvironmentsDocument) error {
	if err := doc.Validate(); err != nil {
		return corerr.Wrap(corerr.ConfigValidate, err, "environments.yaml invalid", nil)
	}
	data, err := doc.Emit()
	if err != nil {
		return err
	}
	tmp := m.registryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return corerr.Wrap(corerr.IOFatal, err, "failed to write environments registry", map[string]any{"path": tmp})
	}
	if err := os.Rename(tmp, m.registryPath); err != nil {
		return corerr.Wrap(corerr.IOFatal, err, "failed to install environments registry", map[string]any{"path": m.registryPath})
	}
	return nil
}

// List returns every registered environment.
func (m *Manager) List() ([]schema.Environment, error) {
	doc, err := m.load()
	if err != nil {
		return nil, err
	}
	return doc.Environments, nil
}

// Info returns one environment by name.
func (m *Manager) Info(name string) (schema.Environment, error) {
	doc, err := m.load()
	if err != nil {
		return schema.Environment{}, err
	}
	for _, e := range doc.Environments {
		if e.Name == name {
			return e, nil
		}
	}
	return schema.Environment{}, corerr.New(corerr.EnvNotFound, "environment not found", map[string]any{"name": name})
}

// Current returns the environment currently marked current, along with its
// resolved Paths.
func (m *Manager) Current() (schema.Environment, *paths.Paths, error) {
	doc, err := m.load()
	if err != nil {
		return schema.Environment{}, nil, err
	}
	env, ok := doc.Current()
	if !ok {
		return schema.Environment{}, nil, corerr.New(corerr.EnvNotFound, "no current environment is set", nil)
	}
	p, err := paths.Resolve(env.BasePath, m.cwd)
	if err != nil {
		return schema.Environment{}, nil, err
	}
	return env, p, nil
}

// Add registers a new environment. It does not mark it current.
func (m *Manager) Add(env schema.Environment) error {
	doc, err := m.load()
	if err != nil {
		return err
	}
	for _, e := range doc.Environments {
		if e.Name == env.Name {
			return corerr.New(corerr.ConfigValidate, "environment already exists", map[string]any{"name": env.Name})
		}
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	doc.Environments = append(doc.Environments, env)
	return m.save(doc)
}

// Remove deletes an environment by name. It refuses to remove the current
// environment (ENV_CURRENT_REMOVE) or the last enabled one
// (ENV_LAST_REMAINING), per spec.md §4.4.
func (m *Manager) Remove(name string) error {
	doc, err := m.load()
	if err != nil {
		return err
	}
	idx := -1
	enabledCount := 0
	for i, e := range doc.Environments {
		if e.Name == name {
			idx = i
		}
		if e.Enabled {
			enabledCount++
		}
	}
	if idx == -1 {
		return corerr.New(corerr.EnvNotFound, "environment not found", map[string]any{"name": name})
	}
	target := doc.Environments[idx]
	if target.Current {
		return corerr.New(corerr.EnvCurrentRemove, "cannot remove the current environment", map[string]any{"name": name})
	}
	if target.Enabled && enabledCount <= 1 {
		return corerr.New(corerr.EnvLastRemaining, "cannot remove the last enabled environment", map[string]any{"name": name})
	}
	doc.Environments = append(doc.Environments[:idx], doc.Environments[idx+1:]...)
	return m.save(doc)
}

// Enable marks an environment enabled.
func (m *Manager) Enable(name string) error {
	return m.setEnabled(name, true)
}

// Disable marks an environment disabled. It refuses to disable the current
// environment.
func (m *Manager) Disable(name string) error {
	doc, err := m.load()
	if err != nil {
		return err
	}
	for _, e := range doc.Environments {
		if e.Name == name && e.Current {
			return corerr.New(corerr.EnvCurrentRemove, "cannot disable the current environment", map[string]any{"name": name})
		}
	}
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	doc, err := m.load()
	if err != nil {
		return err
	}
	found := false
	for i := range doc.Environments {
		if doc.Environments[i].Name == name {
			doc.Environments[i].Enabled = enabled
			found = true
		}
	}
	if !found {
		return corerr.New(corerr.EnvNotFound, "environment not found", map[string]any{"name": name})
	}
	return m.save(doc)
}

// Switch makes name the current environment: it fails with ENV_NOT_FOUND or
// ENV_NOT_ENABLED, otherwise stamps last_used, persists the change,
// invalidates the Config Store's cache for the newly current environment,
// and emits a Switched event to every subscriber (spec.md §4.4).
func (m *Manager) Switch(name string, invalidate *store.Store) error {
	doc, err := m.load()
	if err != nil {
		return err
	}

	var previous string
	found := false
	targetIdx := -1
	for i := range doc.Environments {
		if doc.Environments[i].Current {
			previous = doc.Environments[i].Name
		}
		if doc.Environments[i].Name == name {
			found = true
			targetIdx = i
		}
	}
	if !found {
		return corerr.New(corerr.EnvNotFound, "environment not found", map[string]any{"name": name})
	}
	if !doc.Environments[targetIdx].Enabled {
		return corerr.New(corerr.EnvNotEnabled, "environment is not enabled", map[string]any{"name": name})
	}

	now := time.Now()
	for i := range doc.Environments {
		doc.Environments[i].Current = doc.Environments[i].Name == name
		if doc.Environments[i].Name == name {
			doc.Environments[i].LastUsed = &now
		}
	}
	if err := m.save(doc); err != nil {
		return err
	}

	p, err := paths.Resolve(doc.Environments[targetIdx].BasePath, m.cwd)
	if err != nil {
		return err
	}
	if invalidate != nil {
		invalidate.InvalidateCache(p.GlobalYAML)
		invalidate.InvalidateCache(p.UsersYAML)
		invalidate.InvalidateCache(p.DomainsYAML)
		invalidate.InvalidateCache(p.ServicesYAML)
		invalidate.InvalidateCache(p.EnvironmentsYAML)
		invalidate.InvalidateCache(p.SecretsYAML)
	}

	m.logger.Info("environment switched", zap.String("from", previous), zap.String("to", name))
	event := Switched{Previous: previous, Current: name, Paths: p}
	for _, l := range m.listeners {
		l(event)
	}
	return nil
}

// Validate checks the full registry's invariants (spec.md §4.4's validate
// operation) plus that every enabled environment's base_path resolves
// without conflicting with another enabled environment's.
func (m *Manager) Validate() error {
	doc, err := m.load()
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	resolved := make([]*paths.Paths, 0, len(doc.Environments))
	names := make([]string, 0, len(doc.Environments))
	for _, e := range doc.Environments {
		if !e.Enabled {
			continue
		}
		p, err := paths.Resolve(e.BasePath, m.cwd)
		if err != nil {
			return err
		}
		for i, other := range resolved {
			if paths.Conflicts(p, other) {
				return corerr.New(corerr.PathConflict, "two enabled environments resolve to the same base path", map[string]any{
					"environments": []string{names[i], e.Name},
					"base_path":    p.Base,
				})
			}
		}
		resolved = append(resolved, p)
		names = append(names, e.Name)
	}
	return nil
}

// Init writes a minimal environments.yaml with a single enabled, current
// "development" environment if none exists yet, or if force is set.
func (m *Manager) Init(basePath, domain, adminEmail string, force bool) error {
	if !force {
		if _, err := os.Stat(m.registryPath); err == nil {
			return corerr.New(corerr.ConfigValidate, "environments registry already exists, pass force to overwrite", map[string]any{"path": m.registryPath})
		}
	}
	doc := &schema.EnvironmentsDocument{Environments: []schema.Environment{
		{
			Name:       "development",
			BasePath:   basePath,
			Domain:     domain,
			AdminEmail: adminEmail,
			Enabled:    true,
			Current:    true,
			CreatedAt:  time.Now(),
		},
	}}
	return m.save(doc)
}
