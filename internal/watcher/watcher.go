// Package watcher implements the File Watcher (spec.md §4.5): it observes
// the config directory and its services/ subdirectory, resolves raw filesystem events to one
// of a fixed set of logical channels, debounces bursts per channel, and
// dispatches to a registered handler cooperatively.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/paths"
)

// Channel is one of the fixed logical config channels spec.md §4.5 names.
type Channel string

const (
	ChannelUsers        Channel = "users"
	ChannelDomains      Channel = "domains"
	ChannelGlobal       Channel = "global"
	ChannelServices     Channel = "services"
	ChannelSecrets      Channel = "secrets"
	ChannelEnvironments Channel = "environments"
)

var allChannels = []Channel{ChannelUsers, ChannelDomains, ChannelGlobal, ChannelServices, ChannelSecrets, ChannelEnvironments}

// Handler reacts to a channel's debounced change. It must be idempotent:
// the watcher may call it again for the same underlying change if a
// second event lands inside the debounce window after the first dispatch
// has already started.
type Handler func(ctx context.Context, ch Channel)

// DefaultDebounce is the coalescing window spec.md §4.5 specifies.
const DefaultDebounce = 250 * time.Millisecond

// Watcher observes one environment's config directory.
type Watcher struct {
	paths    *paths.Paths
	debounce time.Duration
	logger   *zap.Logger

	fsw *fsnotify.Watcher

	handlersMu sync.RWMutex
	handlers   map[Channel]Handler

	trigger map[Channel]chan struct{}
	timerMu sync.Mutex
	timers  map[Channel]*time.Timer

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a Watcher rooted at p.ConfigDir. Call Register for each
// channel before Start, then Start to begin observing.
func New(p *paths.Paths, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, corerr.Wrap(corerr.RuntimeUnavailable, err, "failed to create filesystem watcher", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		paths:    p,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		handlers: make(map[Channel]Handler),
		trigger:  make(map[Channel]chan struct{}),
		timers:   make(map[Channel]*time.Timer),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, ch := range allChannels {
		w.trigger[ch] = make(chan struct{}, 1)
	}
	return w, nil
}

// Register installs the handler invoked whenever ch's debounced window
// elapses. Registering after Start is safe; the next dispatch uses the new
// handler.
func (w *Watcher) Register(ch Channel, h Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[ch] = h
}

// Start begins watching the config directory and its services/
// subdirectory (fsnotify is not recursive, so every directory that can
// contain a watched file is added explicitly), and spawns one dispatch
// loop per channel so that channels proceed in parallel while each
// channel's own dispatches are strictly serialized, per spec.md §4.5.
func (w *Watcher) Start() error {
	for _, dir := range []string{w.paths.ConfigDir, filepath.Dir(w.paths.ServicesYAML)} {
		if err := w.fsw.Add(dir); err != nil {
			return corerr.Wrap(corerr.RuntimeUnavailable, err, "failed to watch config directory", map[string]any{"dir": dir})
		}
	}

	w.wg.Add(1)
	go w.watchLoop()

	for _, ch := range allChannels {
		w.wg.Add(1)
		go w.dispatchLoop(ch)
	}
	return nil
}

// Close drains pending debounced events, stops accepting new filesystem
// events, and waits for every in-flight handler to finish before
// returning, per spec.md §4.5's cancellation semantics.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() {
		_ = w.fsw.Close()
		w.flushPendingTimers()
		close(w.stopCh)
		w.cancel()
	})
	w.wg.Wait()
	return nil
}

// flushPendingTimers fires, immediately and synchronously, any debounce
// timer that had not yet elapsed when Close was called — rather than
// waiting out the remainder of its window — so that a change observed
// just before shutdown is still dispatched exactly once.
func (w *Watcher) flushPendingTimers() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	for ch, t := range w.timers {
		if t.Stop() {
			select {
			case w.trigger[ch] <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	ch, ok := w.channelFor(event.Name)
	if !ok {
		return
	}
	// fsnotify delivers a Remove on some editors' save-via-rename sequence;
	// re-add the watch if the directory itself survived so later writes
	// are still observed, mirroring the reopen-on-Remove idiom used for
	// rotated log files elsewhere in this codebase's ancestry.
	if event.Op&fsnotify.Remove == fsnotify.Remove {
		_ = w.fsw.Add(filepath.Dir(event.Name))
	}
	w.scheduleDispatch(ch)
}

func (w *Watcher) channelFor(name string) (Channel, bool) {
	switch filepath.Base(name) {
	case filepath.Base(w.paths.UsersYAML):
		return ChannelUsers, true
	case filepath.Base(w.paths.DomainsYAML):
		return ChannelDomains, true
	case filepath.Base(w.paths.GlobalYAML):
		return ChannelGlobal, true
	case filepath.Base(w.paths.ServicesYAML):
		return ChannelServices, true
	case filepath.Base(w.paths.SecretsYAML):
		return ChannelSecrets, true
	case filepath.Base(w.paths.EnvironmentsYAML):
		return ChannelEnvironments, true
	default:
		return "", false
	}
}

// scheduleDispatch (re)starts ch's debounce timer. A burst of events within
// the debounce window collapses to the single dispatch that fires after
// the window's quiet period.
func (w *Watcher) scheduleDispatch(ch Channel) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if t, ok := w.timers[ch]; ok {
		t.Stop()
	}
	w.timers[ch] = time.AfterFunc(w.debounce, func() {
		select {
		case w.trigger[ch] <- struct{}{}:
		default:
			// a dispatch is already pending for this channel; it will pick
			// up the latest state when it runs since handlers re-read from
			// the store rather than from the event itself.
		}
	})
}

// dispatchLoop is the one worker per channel that makes same-channel
// dispatches cooperative: it never invokes the handler again until the
// previous invocation has returned.
func (w *Watcher) dispatchLoop(ch Channel) {
	defer w.wg.Done()
	for {
		select {
		case <-w.trigger[ch]:
			w.handlersMu.RLock()
			h := w.handlers[ch]
			w.handlersMu.RUnlock()
			if h != nil {
				h(w.ctx, ch)
			}
		case <-w.stopCh:
			// Drain one more pending trigger, if any, before exiting, so a
			// debounce timer that fired just before Close is not lost.
			select {
			case <-w.trigger[ch]:
				w.handlersMu.RLock()
				h := w.handlers[ch]
				w.handlersMu.RUnlock()
				if h != nil {
					h(w.ctx, ch)
				}
			default:
			}
			return
		}
	}
}
