// Package reload implements the Reload Coordinator (spec.md §4.13): a
// per-container mailbox of pending reload requests, collapsing any
// request that arrives while a reload is already in flight into a single
// follow-up, retrying a failed graceful reload with backoff before
// escalating, and tracking each container's Idle/Reloading/Failed state.
package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/bookkeeping"
	"github.com/lakowske/net-servers/internal/corerr"
)

// Recorder persists reload-history rows so a restarted daemon can recover
// the outcome of reloads it ran before it died. *bookkeeping.Store
// implements this.
type Recorder interface {
	RecordReloadEvent(bookkeeping.ReloadEvent) error
}

// State is a container's position in the Idle -> Reloading -> Idle/Failed
// state machine.
type State string

const (
	Idle      State = "idle"
	Reloading State = "reloading"
	Failed    State = "failed"
)

// Execer runs a graceful command inside a container, mirroring
// internal/container.Supervisor.Test's signature so the Coordinator can
// depend on an interface instead of the concrete Supervisor type.
type Execer interface {
	Test(ctx context.Context, containerRef string, cmd []string) (string, error)
}

// GracefulCommands maps a container_ref to the graceful-reload command
// sent through the runtime ("exec <container> <graceful-cmd>" per
// spec.md §4.13). FullCmd is used for a full reload; PartialCmd, if set,
// is used for the lighter variant synchronizers like internal/mailsync
// request when only an alias table changed.
type GracefulCommands struct {
	FullCmd    []string
	PartialCmd []string
}

// DefaultGracefulCommands are grounded on each container's conventional
// control-socket reload invocation.
var DefaultGracefulCommands = map[string]GracefulCommands{
	"apache": {FullCmd: []string{"apachectl", "graceful"}},
	"mail":   {FullCmd: []string{"doveadm", "reload"}},
	"dns":    {FullCmd: []string{"rndc", "reload"}},
}

var backoffDelays = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

type mailbox struct {
	mu          sync.Mutex
	state       State
	pendingFull *bool
}

// Coordinator is the Reload Coordinator. Safe for concurrent use.
type Coordinator struct {
	exec     Execer
	commands map[string]GracefulCommands
	logger   *zap.Logger
	sleep    func(time.Duration)
	recorder Recorder

	mu         sync.Mutex
	containers map[string]*mailbox
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCommands overrides the default graceful-command table.
func WithCommands(commands map[string]GracefulCommands) Option {
	return func(c *Coordinator) { c.commands = commands }
}

// WithRecorder attaches a bookkeeping store so every reload attempt is
// recorded and observable after a restart.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// New creates a Coordinator. exec carries out the graceful reload command;
// in production this is an internal/container.Supervisor.
func New(exec Execer, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		exec:       exec,
		commands:   DefaultGracefulCommands,
		logger:     logger,
		sleep:      time.Sleep,
		containers: make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) record(container string, full bool, state string, attempt int, err error) {
	if c.recorder == nil {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if recErr := c.recorder.RecordReloadEvent(bookkeeping.ReloadEvent{
		Container:     container,
		RequestedFull: full,
		State:         state,
		Attempt:       attempt,
		Error:         errMsg,
		CreatedAt:     time.Now(),
	}); recErr != nil {
		c.logger.Warn("failed to record reload event", zap.String("container", container), zap.Error(recErr))
	}
}

func (c *Coordinator) mailboxFor(container string) *mailbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb, ok := c.containers[container]
	if !ok {
		mb = &mailbox{state: Idle}
		c.containers[container] = mb
	}
	return mb
}

// State reports container's current state ("idle" if never seen).
func (c *Coordinator) State(container string) State {
	mb := c.mailboxFor(container)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.state
}

// Clear resets a Failed container back to Idle, re-enabling automatic
// reloads. Outside this package's tests nothing calls it: the container
// start/stop paths do not reset a Failed state.
func (c *Coordinator) Clear(container string) {
	mb := c.mailboxFor(container)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.state == Failed {
		mb.state = Idle
	}
}

// RequestReload implements internal/syncfw.Reloader. A request against a
// Failed container is suppressed (logged, not delivered) until Clear is
// called. A request against a container already Reloading collapses into
// a single pending follow-up, upgraded to full if any collapsed request
// asked for full. Otherwise it starts a new reload in the background and
// returns immediately — spec.md §4.13 does not make reload synchronous
// with the synchronizer that requested it.
func (c *Coordinator) RequestReload(ctx context.Context, container string, full bool) error {
	mb := c.mailboxFor(container)

	mb.mu.Lock()
	switch mb.state {
	case Failed:
		mb.mu.Unlock()
		c.logger.Warn("suppressing automatic reload for failed container",
			zap.String("container", container))
		return nil
	case Reloading:
		if mb.pendingFull == nil {
			v := full
			mb.pendingFull = &v
		} else if full {
			v := true
			mb.pendingFull = &v
		}
		mb.mu.Unlock()
		return nil
	default:
		mb.state = Reloading
		mb.mu.Unlock()
	}

	go c.runLoop(ctx, container, mb, full)
	return nil
}

func (c *Coordinator) runLoop(ctx context.Context, container string, mb *mailbox, full bool) {
	for {
		err := c.attemptWithRetry(ctx, container, full)

		mb.mu.Lock()
		if err != nil {
			mb.state = Failed
			mb.pendingFull = nil
			mb.mu.Unlock()
			c.record(container, full, string(Failed), len(backoffDelays)+1, err)
			c.logger.Error("reload failed after retries, escalating",
				zap.String("container", container), zap.Error(err))
			return
		}
		if mb.pendingFull != nil {
			full = *mb.pendingFull
			mb.pendingFull = nil
			mb.mu.Unlock()
			continue
		}
		mb.state = Idle
		mb.mu.Unlock()
		return
	}
}

func (c *Coordinator) attemptWithRetry(ctx context.Context, container string, full bool) error {
	var lastErr error
	for attempt := 0; attempt <= len(backoffDelays); attempt++ {
		err := c.reloadOnce(ctx, container, full)
		if err == nil {
			c.record(container, full, string(Idle), attempt, nil)
			return nil
		}
		lastErr = err
		c.record(container, full, string(Reloading), attempt, err)
		if attempt < len(backoffDelays) {
			c.sleep(backoffDelays[attempt])
		}
	}
	return corerr.Wrap(corerr.ReloadFailed, lastErr, fmt.Sprintf("reload of %q failed after %d attempts", container, len(backoffDelays)+1), map[string]any{
		"container": container,
	})
}

func (c *Coordinator) reloadOnce(ctx context.Context, container string, full bool) error {
	cmds, ok := c.commands[container]
	if !ok {
		return corerr.New(corerr.RuntimeError, fmt.Sprintf("no graceful reload command configured for container %q", container), map[string]any{"container": container})
	}
	cmd := cmds.FullCmd
	if !full && len(cmds.PartialCmd) > 0 {
		cmd = cmds.PartialCmd
	}
	_, err := c.exec.Test(ctx, container, cmd)
	return err
}
