package syncfw

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakowske/net-servers/internal/watcher"
)

type fakeSync struct {
	name     string
	channels []watcher.Channel
	priority int
	planFn   func() (Plan, error)
	applyFn  func(Plan) ([]ReloadRequest, error)

	mu      sync.Mutex
	applied int
	planned int
}

func (f *fakeSync) Name() string                { return f.name }
func (f *fakeSync) Channels() []watcher.Channel { return f.channels }
func (f *fakeSync) Priority() int               { return f.priority }

func (f *fakeSync) Plan(ctx context.Context) (Plan, error) {
	f.mu.Lock()
	f.planned++
	f.mu.Unlock()
	if f.planFn != nil {
		return f.planFn()
	}
	return Plan{}, nil
}

func (f *fakeSync) Apply(ctx context.Context, plan Plan) ([]ReloadRequest, error) {
	f.mu.Lock()
	f.applied++
	f.mu.Unlock()
	if f.applyFn != nil {
		return f.applyFn(plan)
	}
	return nil, ApplyPlan(plan)
}

type recordingReloader struct {
	mu   sync.Mutex
	reqs []ReloadRequest
}

func (r *recordingReloader) RequestReload(ctx context.Context, container string, full bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, ReloadRequest{Container: container, Full: full})
	return nil
}

func TestApplyPlan_WritesAndSkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	plan := Plan{Files: []FileAction{{Path: path, Content: []byte("hello\n"), Mode: 0o644}}}
	require.NoError(t, ApplyPlan(plan))

	info1, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, ApplyPlan(plan))
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "re-applying identical content must not touch the file")

	plan2 := Plan{Files: []FileAction{{Path: path, Content: []byte("changed\n"), Mode: 0o644}}}
	require.NoError(t, ApplyPlan(plan2))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "changed\n", string(data))
}

func TestApplyPlan_Delete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.NoError(t, ApplyPlan(Plan{Files: []FileAction{{Path: path, Delete: true}}}))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting an already-absent file is not an error.
	require.NoError(t, ApplyPlan(Plan{Files: []FileAction{{Path: path, Delete: true}}}))
}

func TestRegistry_ReconcileRunsCertsBeforeDependents(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	cert := &fakeSync{name: "certmanager", priority: 0, applyFn: func(Plan) ([]ReloadRequest, error) {
		record("certmanager")
		return nil, nil
	}}
	mail := &fakeSync{name: "mail", priority: 1, applyFn: func(Plan) ([]ReloadRequest, error) {
		record("mail")
		return []ReloadRequest{{Container: "mail", Full: true}}, nil
	}}
	httpAuth := &fakeSync{name: "http", priority: 1, applyFn: func(Plan) ([]ReloadRequest, error) {
		record("http")
		return []ReloadRequest{{Container: "apache", Full: false}}, nil
	}}

	reloader := &recordingReloader{}
	reg := New(reloader, nil)
	reg.Register(cert)
	reg.Register(mail)
	reg.Register(httpAuth)

	aggErr, err := reg.ReconcileAll(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, aggErr)

	require.Len(t, order, 3)
	assert.Equal(t, "certmanager", order[0], "priority-0 synchronizer must complete before priority-1 ones start")

	reloader.mu.Lock()
	defer reloader.mu.Unlock()
	assert.Len(t, reloader.reqs, 2)
}

func TestRegistry_DryRunDoesNotApply(t *testing.T) {
	s := &fakeSync{name: "mail", planFn: func() (Plan, error) {
		return Plan{Files: []FileAction{{Path: "/tmp/should-not-exist-net-servers", Content: []byte("x")}}}, nil
	}}
	reg := New(nil, nil)
	reg.Register(s)

	plans, aggErr := reg.DryRun(context.Background())
	require.Nil(t, aggErr)
	require.Contains(t, plans, "mail")
	assert.Equal(t, 0, s.applied, "dry run must never call Apply")
}

func TestRegistry_AggregatesFileErrors(t *testing.T) {
	good := &fakeSync{name: "good"}
	bad := &fakeSync{name: "bad", applyFn: func(Plan) ([]ReloadRequest, error) {
		return nil, errors.New("disk full")
	}}

	reg := New(nil, nil)
	reg.Register(good)
	reg.Register(bad)

	aggErr, err := reg.ReconcileAll(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, aggErr)
	require.Len(t, aggErr.Errors, 1)
	assert.Equal(t, "bad", aggErr.Errors[0].Synchronizer)
}

func TestRegistry_ForChannel(t *testing.T) {
	mail := &fakeSync{name: "mail", channels: []watcher.Channel{watcher.ChannelUsers, watcher.ChannelDomains}}
	dns := &fakeSync{name: "dns", channels: []watcher.Channel{watcher.ChannelDomains}}

	reg := New(nil, nil)
	reg.Register(mail)
	reg.Register(dns)

	subs := reg.ForChannel(watcher.ChannelDomains)
	names := []string{subs[0].Name(), subs[1].Name()}
	assert.ElementsMatch(t, []string{"mail", "dns"}, names)

	subs = reg.ForChannel(watcher.ChannelUsers)
	require.Len(t, subs, 1)
	assert.Equal(t, "mail", subs[0].Name())
}
