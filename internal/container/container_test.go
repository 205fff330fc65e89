package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/ports"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
)

type recordedCall struct {
	name string
	args []string
}

func newFixture(t *testing.T, environment string) (*Supervisor, *[]recordedCall) {
	t.Helper()
	p, err := paths.Resolve(t.TempDir(), "")
	require.NoError(t, err)
	s := store.New(p, nil)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))

	alloc := ports.New(nil).WithProber(func(hostPort int, protocol string) (bool, error) { return false, nil })
	sup := New(s, p, alloc, environment, "docker", nil)

	var calls []recordedCall
	sup.runner = func(ctx context.Context, name string, args ...string) (string, error) {
		calls = append(calls, recordedCall{name: name, args: args})
		return "ok", nil
	}
	return sup, &calls
}

func TestImageTagAndContainerName(t *testing.T) {
	sup, _ := newFixture(t, "testing")
	assert.Equal(t, "apache:testing", sup.ImageTag("apache"))
	assert.Equal(t, "net-servers-apache-testing", sup.ContainerName("apache"))
}

func TestBuild_PassesNoCacheOnlyWhenRebuildRequested(t *testing.T) {
	sup, calls := newFixture(t, "testing")

	_, err := sup.Build(context.Background(), "apache", false)
	require.NoError(t, err)
	assert.NotContains(t, (*calls)[0].args, "--no-cache")

	_, err = sup.Build(context.Background(), "apache", true)
	require.NoError(t, err)
	assert.Contains(t, (*calls)[1].args, "--no-cache")
}

func TestRun_ComputesPortsVolumesAndEnv(t *testing.T) {
	sup, calls := newFixture(t, "development")
	env := schema.Environment{Name: "development", Enabled: true}
	svc := schema.ServiceConfig{
		Name:         "apache",
		ContainerRef: "apache",
		Ports:        []schema.ContainerPort{{ContainerPort: 80, Protocol: "tcp"}},
		Settings:     map[string]any{"debug": true},
	}
	global := schema.DefaultGlobalConfig("local.dev", "admin@local.dev")
	cert := &schema.Certificate{Domain: "local.dev"}

	_, err := sup.Run(context.Background(), RunOptions{
		Global: global, Service: svc, Certificate: cert,
		Environment: env, Siblings: []schema.Environment{env},
	})
	require.NoError(t, err)

	args := (*calls)[0].args
	assert.Contains(t, args, "-p")
	joined := joinArgs(args)
	assert.Contains(t, joined, "80:80/tcp")
	assert.Contains(t, joined, "/code:rw")
	assert.Contains(t, joined, "DEBUG=true")
	assert.Contains(t, joined, "SSL_ENABLED=true")
}

func TestRun_ProductionCodeVolumeIsReadOnly(t *testing.T) {
	sup, calls := newFixture(t, "production")
	env := schema.Environment{Name: "production", Enabled: true}
	svc := schema.ServiceConfig{Name: "apache", ContainerRef: "apache"}

	_, err := sup.Run(context.Background(), RunOptions{
		Service: svc, Environment: env, Siblings: []schema.Environment{env},
	})
	require.NoError(t, err)
	assert.Contains(t, joinArgs((*calls)[0].args), "/code:ro")
}

func TestRun_SurfacesPortConflictFromAllocator(t *testing.T) {
	p, err := paths.Resolve(t.TempDir(), "")
	require.NoError(t, err)
	s := store.New(p, nil)
	require.NoError(t, s.InitializeDefaults("local.dev", "admin@local.dev"))
	alloc := ports.New(nil).WithProber(func(hostPort int, protocol string) (bool, error) { return true, nil })
	sup := New(s, p, alloc, "staging", "docker", nil)

	self := schema.Environment{Name: "staging", Enabled: true}
	svc := schema.ServiceConfig{Name: "apache", ContainerRef: "apache", Ports: []schema.ContainerPort{{ContainerPort: 80, Protocol: "tcp"}}}

	_, err = sup.Run(context.Background(), RunOptions{Service: svc, Environment: self, Siblings: []schema.Environment{self}})
	require.Error(t, err)
}

func TestStopRemoveLogsList(t *testing.T) {
	sup, calls := newFixture(t, "testing")
	ctx := context.Background()

	_, err := sup.Stop(ctx, "apache")
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "net-servers-apache-testing"}, (*calls)[0].args)

	_, err = sup.Remove(ctx, "apache", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"rm", "-f", "net-servers-apache-testing"}, (*calls)[1].args)

	_, err = sup.Logs(ctx, "apache", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"logs", "--tail", "50", "net-servers-apache-testing"}, (*calls)[2].args)

	_, err = sup.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ps", (*calls)[3].args[0])
}

func TestBatchOperations_IsolateFailuresAndAggregate(t *testing.T) {
	sup, _ := newFixture(t, "testing")
	sup.runner = func(ctx context.Context, name string, args ...string) (string, error) {
		if len(args) > 0 && args[len(args)-1] == "net-servers-mail-testing" {
			return "boom", assert.AnError
		}
		return "ok", nil
	}

	services := []schema.ServiceConfig{
		{Name: "apache", ContainerRef: "apache"},
		{Name: "mail", ContainerRef: "mail"},
	}

	results, err := sup.StopAll(context.Background(), services)
	require.Error(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Contains(t, batchErr.Error(), "mail")
}

func joinArgs(args []string) string {
	out := ""
	for _, a := range args {
		out += a + " "
	}
	return out
}
