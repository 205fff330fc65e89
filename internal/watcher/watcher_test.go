package watcher

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lakowske/net-servers/internal/paths"
)

func newTestWatcher(t *testing.T, debounce time.Duration) (*Watcher, *paths.Paths) {
	t.Helper()
	p, err := paths.Resolve(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(p.ConfigDir, 0o755))
	require.NoError(t, os.MkdirAll(p.ConfigDir+"/services", 0o755))

	w, err := New(p, debounce, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, p
}

func TestWatcher_DebouncesBurstIntoSingleDispatch(t *testing.T) {
	w, p := newTestWatcher(t, 50*time.Millisecond)

	var count atomic.Int32
	done := make(chan struct{}, 10)
	w.Register(ChannelUsers, func(ctx context.Context, ch Channel) {
		count.Add(1)
		done <- struct{}{}
	})
	require.NoError(t, w.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(p.UsersYAML, []byte("users: []\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(1), count.Load(), "a burst within the debounce window must dispatch once")
}

func TestWatcher_ChannelResolution(t *testing.T) {
	w, p := newTestWatcher(t, 20*time.Millisecond)

	var mu sync.Mutex
	seen := map[Channel]bool{}
	record := func(ch Channel) Handler {
		return func(ctx context.Context, c Channel) {
			mu.Lock()
			seen[ch] = true
			mu.Unlock()
		}
	}
	for _, ch := range allChannels {
		w.Register(ch, record(ch))
	}
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(p.DomainsYAML, []byte("domains: []\n"), 0o644))
	require.NoError(t, os.WriteFile(p.ServicesYAML, []byte("services: []\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[ChannelDomains] && seen[ChannelServices]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_CloseDrainsAndStops(t *testing.T) {
	w, p := newTestWatcher(t, 30*time.Millisecond)

	var count atomic.Int32
	w.Register(ChannelGlobal, func(ctx context.Context, ch Channel) { count.Add(1) })
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(p.GlobalYAML, []byte("system: {}\n"), 0o644))
	time.Sleep(10 * time.Millisecond) // inside the debounce window, before the timer fires

	require.NoError(t, w.Close())
	require.Equal(t, int32(1), count.Load(), "a pending debounced event must still dispatch before Close returns")
}
