// Package ports resolves host ports for container bindings and detects
// conflicts before a container starts (spec.md §4.12).
package ports

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lakowske/net-servers/internal/bookkeeping"
	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/schema"
)

// Recorder persists automatic port allocations so a restarted daemon can
// recover the same host port instead of reprobing from scratch.
// *bookkeeping.Store implements this.
type Recorder interface {
	RecordPortAllocation(bookkeeping.PortAllocation) error
	GetPortAllocation(environment, containerRef string, containerPort int, protocol string) (*bookkeeping.PortAllocation, bool, error)
}

// DefaultPort is one entry of a container_ref's hardcoded default
// container-port-equals-host-port table, bundled with the Container
// Supervisor rather than the service definition file so every environment
// gets sane ports without having to declare them.
type DefaultPort struct {
	ContainerPort int
	Protocol      string
}

// DefaultPortTable is keyed by container_ref. It is consulted as the
// second tier of Resolve's precedence, after explicit environment
// mappings and before automatic range allocation.
var DefaultPortTable = map[string][]DefaultPort{
	"apache": {{ContainerPort: 80, Protocol: "tcp"}, {ContainerPort: 443, Protocol: "tcp"}},
	"mail": {
		{ContainerPort: 25, Protocol: "tcp"},
		{ContainerPort: 143, Protocol: "tcp"},
		{ContainerPort: 587, Protocol: "tcp"},
		{ContainerPort: 993, Protocol: "tcp"},
	},
	"dns": {{ContainerPort: 53, Protocol: "tcp"}, {ContainerPort: 53, Protocol: "udp"}},
}

// AutoRange is the host port range automatic allocation draws from when
// neither an explicit mapping nor a default-table entry applies (spec.md
// §4.12's example: "testing 8100-8999").
type AutoRange struct {
	Start, End int
}

// DefaultAutoRange is used when no per-environment range is configured.
var DefaultAutoRange = AutoRange{Start: 8100, End: 8999}

// Prober reports whether a host port is currently bound. The default
// implementation (Probe) binds and immediately releases the port; it is
// swappable in tests.
type Prober func(hostPort int, protocol string) (inUse bool, err error)

// Allocator resolves and probes host ports for one environment's
// containers, against the full set of known environments so it can tell a
// conflict against a sibling net-servers environment apart from a
// conflict against an unrelated process.
type Allocator struct {
	ranges   map[string]AutoRange // per-environment override; falls back to DefaultAutoRange
	probe    Prober
	cache    map[cacheKey]int
	recorder Recorder
}

type cacheKey struct {
	environment   string
	containerRef  string
	containerPort int
	protocol      string
}

// New creates an Allocator. ranges may be nil.
func New(ranges map[string]AutoRange) *Allocator {
	return &Allocator{ranges: ranges, probe: Probe, cache: make(map[cacheKey]int)}
}

// WithProber overrides the port-probing function (used by tests to avoid
// binding real sockets).
func (a *Allocator) WithProber(p Prober) *Allocator {
	a.probe = p
	return a
}

// WithRecorder attaches a bookkeeping store, making automatic allocations
// observable and recoverable across a daemon restart.
func (a *Allocator) WithRecorder(r Recorder) *Allocator {
	a.recorder = r
	return a
}

// Resolve computes the host port for (environment, container_ref,
// container_port, protocol), following spec.md §4.12's precedence:
// explicit environment mapping, then the container_ref's default table,
// then automatic allocation in the environment's range.
func (a *Allocator) Resolve(env schema.Environment, containerRef string, containerPort int, protocol string) (int, error) {
	key := cacheKey{env.Name, containerRef, containerPort, protocol}
	if v, ok := a.cache[key]; ok {
		return v, nil
	}

	if mappings, ok := env.PortMappings[containerRef]; ok {
		for _, m := range mappings {
			if m.ContainerPort == containerPort && strings.EqualFold(m.Protocol, protocol) {
				a.cache[key] = m.HostPort
				return m.HostPort, nil
			}
		}
	}

	for _, d := range DefaultPortTable[containerRef] {
		if d.ContainerPort == containerPort && strings.EqualFold(d.Protocol, protocol) {
			a.cache[key] = d.ContainerPort
			return d.ContainerPort, nil
		}
	}

	host, err := a.autoAllocate(env.Name, key)
	if err != nil {
		return 0, err
	}
	a.cache[key] = host
	return host, nil
}

// autoAllocate picks the first free port in the environment's range,
// starting from a deterministic offset derived from the binding's
// identity so repeated calls for the same binding (across process
// restarts, before any cache is warm) tend to land on the same port.
func (a *Allocator) autoAllocate(environment string, key cacheKey) (int, error) {
	if a.recorder != nil {
		if prev, ok, err := a.recorder.GetPortAllocation(environment, key.containerRef, key.containerPort, key.protocol); err == nil && ok {
			if inUse, err := a.probe(prev.HostPort, key.protocol); err == nil && !inUse {
				a.recordAllocation(environment, key, prev.HostPort)
				return prev.HostPort, nil
			}
		}
	}

	r, ok := a.ranges[environment]
	if !ok {
		r = DefaultAutoRange
	}
	width := r.End - r.Start + 1
	if width <= 0 {
		return 0, corerr.New(corerr.PortConflict, "automatic port range is empty", map[string]any{"environment": environment})
	}

	offset := int(hashKey(key) % uint32(width))
	for i := 0; i < width; i++ {
		candidate := r.Start + (offset+i)%width
		claimed := false
		for _, v := range a.cache {
			if v == candidate {
				claimed = true
				break
			}
		}
		if claimed {
			continue
		}
		inUse, err := a.probe(candidate, key.protocol)
		if err != nil {
			return 0, err
		}
		if !inUse {
			a.recordAllocation(environment, key, candidate)
			return candidate, nil
		}
	}
	return 0, corerr.New(corerr.PortConflict, "no free port available in automatic allocation range", map[string]any{
		"environment": environment, "range_start": r.Start, "range_end": r.End,
	})
}

// recordAllocation persists an automatic allocation, best-effort: the
// bookkeeping store is an audit trail, not the source of truth for the
// allocation itself, so a write failure here never fails Resolve.
func (a *Allocator) recordAllocation(environment string, key cacheKey, hostPort int) {
	if a.recorder == nil {
		return
	}
	_ = a.recorder.RecordPortAllocation(bookkeeping.PortAllocation{
		Environment:   environment,
		ContainerRef:  key.containerRef,
		ContainerPort: key.containerPort,
		Protocol:      key.protocol,
		HostPort:      hostPort,
		CreatedAt:     time.Now(),
	})
}

func hashKey(k cacheKey) uint32 {
	s := fmt.Sprintf("%s|%s|%d|%s", k.environment, k.containerRef, k.containerPort, k.protocol)
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Probe reports whether hostPort is currently bound, by attempting to
// bind it and releasing it immediately on success.
func Probe(hostPort int, protocol string) (bool, error) {
	addr := net.JoinHostPort("", strconv.Itoa(hostPort))
	switch strings.ToLower(protocol) {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return true, nil
		}
		_ = conn.Close()
		return false, nil
	default:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return true, nil
		}
		_ = ln.Close()
		return false, nil
	}
}

// Binding is one port a container intends to publish.
type Binding struct {
	ContainerRef  string
	ContainerPort int
	Protocol      string
	HostPort      int
}

// CheckStart probes every binding's host port before a container starts.
// A port already claimed by a sibling net-servers environment (determined
// by recomputing that environment's own bindings and finding a match)
// surfaces as PORT_CONFLICT with a hint naming the owner; a port held by
// an unrelated process is fatal unless force is set.
func (a *Allocator) CheckStart(env schema.Environment, siblings []schema.Environment, bindings []Binding, force bool) error {
	for _, b := range bindings {
		inUse, err := a.probe(b.HostPort, b.Protocol)
		if err != nil {
			return err
		}
		if !inUse {
			continue
		}

		owner := a.findOwner(env.Name, siblings, b)
		if owner != "" {
			return corerr.New(corerr.PortConflict, fmt.Sprintf("host port %d is already bound by environment %q", b.HostPort, owner), map[string]any{
				"host_port": b.HostPort, "protocol": b.Protocol, "container_ref": b.ContainerRef,
				"owner_environment": owner,
				"hint":               fmt.Sprintf("stop environment %q or remap the port in this environment's port_mappings", owner),
			})
		}
		if !force {
			return corerr.New(corerr.PortConflict, fmt.Sprintf("host port %d is already bound by a process outside net-servers", b.HostPort), map[string]any{
				"host_port": b.HostPort, "protocol": b.Protocol, "container_ref": b.ContainerRef,
				"hint": "pass --force-port to bind anyway",
			})
		}
	}
	return nil
}

func (a *Allocator) findOwner(selfEnv string, siblings []schema.Environment, b Binding) string {
	for _, sib := range siblings {
		if sib.Name == selfEnv || !sib.Enabled {
			continue
		}
		if host, err := a.Resolve(sib, b.ContainerRef, b.ContainerPort, b.Protocol); err == nil && host == b.HostPort {
			return sib.Name
		}
	}
	return ""
}
