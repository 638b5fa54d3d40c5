package embedded

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/embeddedbroker/pkg/config"
	"github.com/marmos91/embeddedbroker/pkg/metrics"
	"github.com/marmos91/embeddedbroker/pkg/portalloc"
	"github.com/marmos91/embeddedbroker/pkg/provision"
)

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.StartupTimeout = 100 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ProbeTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	return cfg
}

type testServer struct {
	*Server
	graph    *fakeGraph
	launcher *fakeLauncher
	prober   *fakeProber
	metrics  *recordingMetrics
	baseDir  string
}

func newTestServer(t *testing.T, cfg config.Config, prober *fakeProber, graph *fakeGraph) *testServer {
	t.Helper()
	if graph == nil {
		graph = &fakeGraph{}
	}
	base := t.TempDir()
	ts := &testServer{
		graph:    graph,
		launcher: &fakeLauncher{graph: graph},
		prober:   prober,
		metrics:  &recordingMetrics{},
		baseDir:  base,
	}
	srv, err := New(cfg,
		WithLauncher(ts.launcher),
		WithProber(prober),
		WithProvisioner(provision.New(provision.WithBaseDir(base))),
		WithMetrics(ts.metrics),
	)
	require.NoError(t, err)
	ts.Server = srv
	return ts
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_AllocatesDistinctResources(t *testing.T) {
	ts := newTestServer(t, fastConfig(), &fakeProber{}, nil)
	defer ts.Close(context.Background())

	assert.Equal(t, StateConstructed, ts.State())
	assert.NotEmpty(t, ts.ID())

	ports := []int{ts.WebPort(), ts.TCPPort(), ts.StoragePort(), ts.CoordinationPort()}
	seen := map[int]bool{}
	for _, p := range ports {
		assert.Greater(t, p, 0)
		assert.LessOrEqual(t, p, portalloc.MaxPort)
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}

	res := ts.Resources()
	assert.NotEqual(t, res.StorageDir, res.CoordinationDir)
	assert.DirExists(t, res.StorageDir)
	assert.DirExists(t, res.CoordinationDir)
	assertEmptyDir(t, res.StorageDir)

	spec := ts.launcher.lastSpec()
	assert.Equal(t, res, spec.Resources)
	assert.Equal(t, ts.Config(), spec.Config)
}

func TestNew_URLs(t *testing.T) {
	ts := newTestServer(t, fastConfig(), &fakeProber{}, nil)
	defer ts.Close(context.Background())

	assert.Equal(t, "http://"+portalloc.FormatAddr("127.0.0.1", ts.WebPort()), ts.WebServiceURL())
	assert.Equal(t, "pulsar://"+portalloc.FormatAddr("127.0.0.1", ts.TCPPort()), ts.BrokerServiceURL())
}

func TestNew_ExplicitPortsAreHonored(t *testing.T) {
	alloc := portalloc.New("127.0.0.1")
	storagePort, err := alloc.Allocate()
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.StoragePort = storagePort

	ts := newTestServer(t, cfg, &fakeProber{}, nil)
	defer ts.Close(context.Background())

	assert.Equal(t, storagePort, ts.StoragePort())
	assert.NotEqual(t, storagePort, ts.CoordinationPort())
	assert.NotEqual(t, storagePort, ts.WebPort())
	assert.NotEqual(t, storagePort, ts.TCPPort())
}

func TestNew_ExplicitPortHeldByLiveInstanceConflicts(t *testing.T) {
	first := newTestServer(t, fastConfig(), &fakeProber{}, nil)

	cfg := fastConfig()
	cfg.CoordinationPort = first.CoordinationPort()
	_, err := New(cfg,
		WithLauncher(&fakeLauncher{graph: &fakeGraph{}}),
		WithProber(&fakeProber{}),
		WithProvisioner(provision.New(provision.WithBaseDir(t.TempDir()))),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, portalloc.ErrPortConflict)

	require.NoError(t, first.Close(context.Background()))
	assert.False(t, portalloc.Leased(cfg.CoordinationPort))

	second := newTestServer(t, cfg, &fakeProber{}, nil)
	defer second.Close(context.Background())
	assert.Equal(t, cfg.CoordinationPort, second.CoordinationPort())
	assert.True(t, portalloc.Leased(cfg.CoordinationPort))
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"jitter above one", func(c *config.Config) { c.PollJitter = 2 }},
		{"port out of range", func(c *config.Config) { c.StoragePort = 70000 }},
		{"same explicit ports", func(c *config.Config) { c.StoragePort = 4000; c.CoordinationPort = 4000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			tt.mutate(&cfg)
			launcher := &fakeLauncher{graph: &fakeGraph{}}

			srv, err := New(cfg, WithLauncher(launcher), WithProber(&fakeProber{}))
			require.Error(t, err)
			assert.Nil(t, srv)
			assert.ErrorIs(t, err, ErrConstruction)
			assert.Empty(t, launcher.specs)
		})
	}
}

func TestNew_LaunchFailureReleasesEverything(t *testing.T) {
	base := t.TempDir()
	launchErr := errors.New("coordination service refused to start")
	launcher := &fakeLauncher{err: launchErr}

	srv, err := New(fastConfig(),
		WithLauncher(launcher),
		WithProber(&fakeProber{}),
		WithProvisioner(provision.New(provision.WithBaseDir(base))),
	)
	require.Error(t, err)
	assert.Nil(t, srv)
	assert.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, launchErr)

	assertEmptyDir(t, base)

	res := launcher.lastSpec().Resources
	assert.False(t, portalloc.Leased(res.WebPort))
	assert.False(t, portalloc.Leased(res.TCPPort))
	assert.False(t, portalloc.Leased(res.StoragePort))
	assert.False(t, portalloc.Leased(res.CoordinationPort))
}

func TestNew_ProvisionFailureCleansUp(t *testing.T) {
	prov := &fakeProvisioner{failAfter: 1}
	launcher := &fakeLauncher{graph: &fakeGraph{}}

	_, err := New(fastConfig(), WithLauncher(launcher), WithProber(&fakeProber{}), WithProvisioner(prov))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConstruction)
	assert.Len(t, prov.created, 1)
	assert.Equal(t, 1, prov.cleanups)
	assert.Empty(t, launcher.specs)
}

func TestStart_ReadyAfterFailedProbes(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupTimeout = 5 * time.Second
	ts := newTestServer(t, cfg, &fakeProber{failures: 2}, nil)
	defer ts.Close(context.Background())

	res, err := ts.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StartReady, res)
	assert.Equal(t, StateReady, ts.State())

	assert.EqualValues(t, 1, ts.graph.starts.Load())
	assert.EqualValues(t, 0, ts.graph.closes.Load())
	assert.EqualValues(t, 3, ts.prober.calls.Load())
	assert.Equal(t, []bool{false, false, true}, ts.metrics.probes)
	assert.Equal(t, []string{metrics.ResultReady}, ts.metrics.startups)
}

func TestStart_TimeoutShutsDownExactlyOnce(t *testing.T) {
	ts := newTestServer(t, fastConfig(), &fakeProber{failures: -1}, nil)

	began := time.Now()
	res, err := ts.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StartTimedOut, res)
	assert.GreaterOrEqual(t, time.Since(began), ts.Config().StartupTimeout)
	assert.Equal(t, StateFailedStartup, ts.State())
	assert.EqualValues(t, 1, ts.graph.closes.Load())
	assert.Greater(t, ts.prober.calls.Load(), int32(1))

	require.NoError(t, ts.Close(context.Background()))
	assert.EqualValues(t, 1, ts.graph.closes.Load(), "close after a failed start must not shut down again")
	assert.Equal(t, StateClosed, ts.State())
	assert.Equal(t, []string{metrics.ResultTimedOut}, ts.metrics.startups)
	assert.Equal(t, 1, ts.metrics.shutdowns)
}

func TestStart_ProbesOnceWhenAlreadyPastDeadline(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupTimeout = time.Nanosecond
	prober := &fakeProber{failures: -1, onProbe: func(int32) { time.Sleep(time.Millisecond) }}
	ts := newTestServer(t, cfg, prober, nil)
	defer ts.Close(context.Background())

	res, err := ts.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StartTimedOut, res)
	assert.EqualValues(t, 1, prober.calls.Load())
}

func TestStart_CancelledContext(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prober := &fakeProber{failures: -1, onProbe: func(call int32) {
		if call == 2 {
			cancel()
		}
	}}
	ts := newTestServer(t, cfg, prober, nil)

	res, err := ts.Start(ctx)
	assert.Equal(t, StartCancelled, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailedStartup, ts.State())
	assert.EqualValues(t, 1, ts.graph.closes.Load())

	require.NoError(t, ts.Close(context.Background()))
	assert.EqualValues(t, 1, ts.graph.closes.Load())
}

func TestStart_GraphStartFailure(t *testing.T) {
	startErr := errors.New("web port in use")
	ts := newTestServer(t, fastConfig(), &fakeProber{}, &fakeGraph{startErr: startErr})

	res, err := ts.Start(context.Background())
	assert.Equal(t, StartFailed, res)
	assert.ErrorIs(t, err, startErr)
	assert.Equal(t, StateFailedStartup, ts.State())
	assert.EqualValues(t, 0, ts.prober.calls.Load())
	assert.EqualValues(t, 1, ts.graph.closes.Load())

	require.NoError(t, ts.Close(context.Background()))
	assert.EqualValues(t, 1, ts.graph.closes.Load())
}

func TestStart_OnlyOnce(t *testing.T) {
	ts := newTestServer(t, fastConfig(), &fakeProber{}, nil)

	res, err := ts.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StartReady, res)

	_, err = ts.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, ts.Close(context.Background()))
	_, err = ts.Start(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.EqualValues(t, 1, ts.graph.starts.Load())
}

func TestClose_DuringStart(t *testing.T) {
	graph := &fakeGraph{startBlock: make(chan struct{})}
	ts := newTestServer(t, fastConfig(), &fakeProber{}, graph)

	done := make(chan StartResult, 1)
	go func() {
		res, _ := ts.Start(context.Background())
		done <- res
	}()

	require.Eventually(t, func() bool { return graph.starts.Load() == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, ts.Close(context.Background()), ErrStartInProgress)
	assert.Equal(t, StateStarting, ts.State())

	close(graph.startBlock)
	assert.Equal(t, StartReady, <-done)
	require.NoError(t, ts.Close(context.Background()))
	assert.EqualValues(t, 1, graph.closes.Load())
}

func TestClose_Idempotent(t *testing.T) {
	graph := &fakeGraph{}
	prov := &fakeProvisioner{failAfter: -1}
	srv, err := New(fastConfig(),
		WithLauncher(&fakeLauncher{graph: graph}),
		WithProber(&fakeProber{}),
		WithProvisioner(prov),
	)
	require.NoError(t, err)

	require.NoError(t, srv.Close(context.Background()))
	require.NoError(t, srv.Close(context.Background()))

	assert.Equal(t, StateClosed, srv.State())
	assert.EqualValues(t, 1, graph.closes.Load())
	assert.Equal(t, 1, prov.cleanups)
}

func TestClose_RemovesDirsAndReleasesPorts(t *testing.T) {
	ts := newTestServer(t, fastConfig(), &fakeProber{}, nil)
	res := ts.Resources()
	require.True(t, portalloc.Leased(res.WebPort))

	require.NoError(t, ts.Close(context.Background()))

	assert.NoDirExists(t, res.StorageDir)
	assert.NoDirExists(t, res.CoordinationDir)
	assertEmptyDir(t, ts.baseDir)
	assert.False(t, portalloc.Leased(res.WebPort))
	assert.False(t, portalloc.Leased(res.TCPPort))
}

func TestClose_ReportsShutdownAndCleanupErrors(t *testing.T) {
	closeErr := errors.New("broker hung")
	cleanupErr := errors.New("directory busy")
	graph := &fakeGraph{closeErr: closeErr}
	prov := &fakeProvisioner{failAfter: -1, err: cleanupErr}

	srv, err := New(fastConfig(),
		WithLauncher(&fakeLauncher{graph: graph}),
		WithProber(&fakeProber{}),
		WithProvisioner(prov),
	)
	require.NoError(t, err)

	err = srv.Close(context.Background())
	assert.ErrorIs(t, err, closeErr)
	assert.ErrorIs(t, err, cleanupErr)
	assert.Equal(t, StateClosed, srv.State())
}

func TestClose_SurfacesStartupShutdownError(t *testing.T) {
	closeErr := errors.New("broker hung")
	graph := &fakeGraph{closeErr: closeErr}
	ts := newTestServer(t, fastConfig(), &fakeProber{failures: -1}, graph)

	res, err := ts.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StartTimedOut, res)

	assert.ErrorIs(t, ts.Close(context.Background()), closeErr)
	assert.EqualValues(t, 1, graph.closes.Load())
}

func TestAdminClient_AfterClose(t *testing.T) {
	ts := newTestServer(t, fastConfig(), &fakeProber{}, nil)

	client, err := ts.AdminClient()
	require.NoError(t, err)
	assert.Equal(t, ts.WebServiceURL(), client.BaseURL())
	require.NoError(t, client.Close())

	require.NoError(t, ts.Close(context.Background()))
	_, err = ts.AdminClient()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPollDelay(t *testing.T) {
	s := &Server{jitter: func() float64 { return 0.5 }}
	s.cfg.PollInterval = 10 * time.Second

	assert.Equal(t, 10*time.Second, s.pollDelay())

	s.cfg.PollJitter = 0.2
	assert.Equal(t, 11*time.Second, s.pollDelay())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "failed_startup", StateFailedStartup.String())
	assert.Equal(t, "timed_out", StartTimedOut.String())
	assert.Equal(t, metrics.ResultCancelled, metricResult(StartCancelled))
	assert.Equal(t, metrics.ResultFailed, metricResult(StartFailed))
}
