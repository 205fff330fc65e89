// Package container implements the Container Supervisor (spec.md §4.11):
// translation from typed service/environment config into the external
// container runtime's argument vector, and the build/run/stop/remove/logs/
// list/test operations (plus their all-container batch variants) that
// drive it.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/ports"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
)

// Supervisor owns one environment's container lifecycle.
type Supervisor struct {
	store       *store.Store
	paths       *paths.Paths
	ports       *ports.Allocator
	environment string
	runtimeCmd  string
	logger      *zap.Logger

	// runner executes the runtime binary. Overridable in tests so no real
	// container runtime needs to be present.
	runner func(ctx context.Context, name string, args ...string) (string, error)
}

// New creates a Supervisor. runtimeCmd is the external runtime binary
// ("docker" or "podman"); environment is the environment this Supervisor
// manages containers for.
func New(s *store.Store, p *paths.Paths, allocator *ports.Allocator, environment, runtimeCmd string, logger *zap.Logger) *Supervisor {
	if runtimeCmd == "" {
		runtimeCmd = "docker"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		store:       s,
		paths:       p,
		ports:       allocator,
		environment: environment,
		runtimeCmd:  runtimeCmd,
		logger:      logger,
		runner:      runExternal,
	}
}

// ImageTag computes the image tag for a container ref: "<name>:<environment>".
func (s *Supervisor) ImageTag(containerRef string) string {
	return fmt.Sprintf("%s:%s", containerRef, s.environment)
}

// ContainerName computes the runtime container name:
// "net-servers-<name>-<environment>".
func (s *Supervisor) ContainerName(containerRef string) string {
	return fmt.Sprintf("net-servers-%s-%s", containerRef, s.environment)
}

// BuildContextDir is the source directory a container ref's image is built
// from: "<code>/<container_ref>".
func (s *Supervisor) BuildContextDir(containerRef string) string {
	return filepath.Join(s.paths.CodeDir, containerRef)
}

// Build builds containerRef's image. rebuild passes the runtime's no-cache
// hint; otherwise builds are idempotent (the runtime's own layer cache
// makes a no-op build cheap).
func (s *Supervisor) Build(ctx context.Context, containerRef string, rebuild bool) (string, error) {
	args := []string{"build", "-t", s.ImageTag(containerRef)}
	if rebuild {
		args = append(args, "--no-cache")
	}
	args = append(args, s.BuildContextDir(containerRef))
	return s.run(ctx, args...)
}

// RunOptions carries the inputs needed to compute one container's full
// argument vector.
type RunOptions struct {
	Global      *schema.GlobalConfig
	Service     schema.ServiceConfig
	Certificate *schema.Certificate
	Siblings    []schema.Environment
	Environment schema.Environment
	ForcePort   bool
}

// Run starts containerRef, computing port bindings via the Port
// Allocator, volume bindings for config/state/logs/code, and environment
// variables derived from global config, the service's settings, and
// certificate paths.
func (s *Supervisor) Run(ctx context.Context, opts RunOptions) (string, error) {
	containerRef := opts.Service.ContainerRef

	bindings, args, err := s.portArgs(opts)
	if err != nil {
		return "", err
	}
	if err := s.ports.CheckStart(opts.Environment, opts.Siblings, bindings, opts.ForcePort); err != nil {
		return "", err
	}

	runArgs := []string{"run", "-d", "--name", s.ContainerName(containerRef)}
	runArgs = append(runArgs, args...)
	runArgs = append(runArgs, s.volumeArgs(containerRef)...)
	runArgs = append(runArgs, s.envArgs(opts)...)
	runArgs = append(runArgs, s.ImageTag(containerRef))

	return s.run(ctx, runArgs...)
}

func (s *Supervisor) portArgs(opts RunOptions) ([]ports.Binding, []string, error) {
	var bindings []ports.Binding
	var args []string
	for _, p := range opts.Service.Ports {
		host, err := s.ports.Resolve(opts.Environment, opts.Service.ContainerRef, p.ContainerPort, p.Protocol)
		if err != nil {
			return nil, nil, err
		}
		bindings = append(bindings, ports.Binding{
			ContainerRef:  opts.Service.ContainerRef,
			ContainerPort: p.ContainerPort,
			Protocol:      p.Protocol,
			HostPort:      host,
		})
		args = append(args, "-p", fmt.Sprintf("%d:%d/%s", host, p.ContainerPort, p.Protocol))
	}
	return bindings, args, nil
}

// volumeArgs binds config (read-only), state (read-write), logs
// (read-write), and, for the development environment, the source code
// directory read-write; every other environment mounts code read-only.
func (s *Supervisor) volumeArgs(containerRef string) []string {
	codeMode := "ro"
	if s.environment == "development" {
		codeMode = "rw"
	}
	return []string{
		"-v", fmt.Sprintf("%s:/config:ro", s.paths.ConfigDir),
		"-v", fmt.Sprintf("%s:/state:rw", s.paths.StateDir),
		"-v", fmt.Sprintf("%s:/logs:rw", s.paths.LogsDir),
		"-v", fmt.Sprintf("%s:/code:%s", s.BuildContextDir(containerRef), codeMode),
	}
}

// containerPath rewrites a host-absolute path under s.paths.StateDir into
// its location inside the container, where volumeArgs mounts StateDir at
// /state. Keeping this derived, rather than hardcoding "/state/..." prefixes
// at each call site, means a change to paths.Paths' layout can't silently
// desync the two.
func (s *Supervisor) containerPath(hostPath string) string {
	rel, err := filepath.Rel(s.paths.StateDir, hostPath)
	if err != nil {
		return hostPath
	}
	return filepath.Join("/state", rel)
}

func (s *Supervisor) envArgs(opts RunOptions) []string {
	env := map[string]string{}
	if opts.Global != nil {
		env["DOMAIN"] = opts.Global.System.Domain
		env["ADMIN_EMAIL"] = opts.Global.System.AdminEmail
		env["TZ"] = opts.Global.System.Timezone
	}
	for k, v := range opts.Service.Settings {
		env[strings.ToUpper(k)] = renderSetting(v)
	}
	if opts.Certificate != nil {
		containerDir := s.containerPath(s.paths.CertificateDir(opts.Certificate.Domain))
		env["SSL_ENABLED"] = "true"
		env["SSL_CERT_FILE"] = filepath.Join(containerDir, "cert.pem")
		env["SSL_KEY_FILE"] = filepath.Join(containerDir, "privkey.pem")
	} else {
		env["SSL_ENABLED"] = "false"
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}
	return args
}

// renderSetting renders a free-form service setting value as the runtime
// expects it on the command line: booleans always as "true"/"false".
func renderSetting(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Stop gracefully stops containerRef.
func (s *Supervisor) Stop(ctx context.Context, containerRef string) (string, error) {
	return s.run(ctx, "stop", s.ContainerName(containerRef))
}

// Remove removes containerRef's stopped container. force passes -f.
func (s *Supervisor) Remove(ctx context.Context, containerRef string, force bool) (string, error) {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, s.ContainerName(containerRef))
	return s.run(ctx, args...)
}

// Logs returns containerRef's runtime logs, tail most-recent lines (0 for
// all available).
func (s *Supervisor) Logs(ctx context.Context, containerRef string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, s.ContainerName(containerRef))
	return s.run(ctx, args...)
}

// List lists every container this environment manages.
func (s *Supervisor) List(ctx context.Context) (string, error) {
	filter := fmt.Sprintf("name=net-servers-.*-%s$", s.environment)
	return s.run(ctx, "ps", "-a", "--filter", filter, "--format", "{{.Names}}\t{{.Status}}\t{{.Ports}}")
}

// Test runs testCmd inside containerRef via the runtime's exec facility.
func (s *Supervisor) Test(ctx context.Context, containerRef string, testCmd []string) (string, error) {
	args := append([]string{"exec", s.ContainerName(containerRef)}, testCmd...)
	return s.run(ctx, args...)
}

// BatchResult is one container's outcome within a batch operation.
type BatchResult struct {
	ContainerRef string
	Output       string
	Err          error
}

// BatchError aggregates per-container failures from a batch operation so
// the caller can report a nonzero exit status without losing which
// containers failed.
type BatchError struct {
	Results []BatchResult
}

func (e *BatchError) Error() string {
	var names []string
	for _, r := range e.Results {
		if r.Err != nil {
			names = append(names, r.ContainerRef)
		}
	}
	return fmt.Sprintf("%d of %d containers failed: %s", len(names), len(e.Results), strings.Join(names, ", "))
}

// batch runs op against every service in services, isolating failures: one
// container's failure does not prevent the rest from running, and the
// aggregate result names every failure.
func batch(services []schema.ServiceConfig, op func(schema.ServiceConfig) (string, error)) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(services))
	failed := false
	for _, svc := range services {
		out, err := op(svc)
		results = append(results, BatchResult{ContainerRef: svc.ContainerRef, Output: out, Err: err})
		if err != nil {
			failed = true
		}
	}
	if failed {
		return results, &BatchError{Results: results}
	}
	return results, nil
}

// BuildAll builds every registered service's image.
func (s *Supervisor) BuildAll(ctx context.Context, services []schema.ServiceConfig, rebuild bool) ([]BatchResult, error) {
	return batch(services, func(svc schema.ServiceConfig) (string, error) {
		return s.Build(ctx, svc.ContainerRef, rebuild)
	})
}

// StartAll runs every registered service's container. optsFor supplies the
// per-service RunOptions (it needs the certificate and sibling-environment
// context the caller already has loaded).
func (s *Supervisor) StartAll(ctx context.Context, services []schema.ServiceConfig, optsFor func(schema.ServiceConfig) RunOptions) ([]BatchResult, error) {
	return batch(services, func(svc schema.ServiceConfig) (string, error) {
		return s.Run(ctx, optsFor(svc))
	})
}

// StopAll stops every registered service's container.
func (s *Supervisor) StopAll(ctx context.Context, services []schema.ServiceConfig) ([]BatchResult, error) {
	return batch(services, func(svc schema.ServiceConfig) (string, error) {
		return s.Stop(ctx, svc.ContainerRef)
	})
}

// RemoveAll removes every registered service's container.
func (s *Supervisor) RemoveAll(ctx context.Context, services []schema.ServiceConfig, force bool) ([]BatchResult, error) {
	return batch(services, func(svc schema.ServiceConfig) (string, error) {
		return s.Remove(ctx, svc.ContainerRef, force)
	})
}

// CleanAll stops and force-removes every registered service's container,
// continuing past a stop failure so a container that is already stopped
// (or already gone) still gets its remove attempt.
func (s *Supervisor) CleanAll(ctx context.Context, services []schema.ServiceConfig) ([]BatchResult, error) {
	return batch(services, func(svc schema.ServiceConfig) (string, error) {
		stopOut, _ := s.Stop(ctx, svc.ContainerRef)
		rmOut, rmErr := s.Remove(ctx, svc.ContainerRef, true)
		out := stopOut + rmOut
		if rmErr != nil {
			return out, rmErr
		}
		return out, nil
	})
}

func (s *Supervisor) run(ctx context.Context, args ...string) (string, error) {
	out, err := s.runner(ctx, s.runtimeCmd, args...)
	if err != nil {
		return out, corerr.Wrap(corerr.RuntimeError, err, "container runtime command failed", map[string]any{
			"command": s.runtimeCmd, "args": args, "output": out,
		})
	}
	return out, nil
}

// runExternal is the default runner, grounded on the executor idiom used
// elsewhere in this codebase: a dedicated stderr buffer alongside stdout
// so both are available to the caller without CombinedOutput's
// interleaving.
func runExternal(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	return output, err
}
