package embedded

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeGraph counts lifecycle calls.
type fakeGraph struct {
	startErr error
	closeErr error

	// startBlock, when set, blocks Start until closed.
	startBlock chan struct{}

	starts atomic.Int32
	closes atomic.Int32
}

func (g *fakeGraph) Start(ctx context.Context) error {
	g.starts.Add(1)
	if g.startBlock != nil {
		select {
		case <-g.startBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.startErr
}

func (g *fakeGraph) Close(context.Context) error {
	g.closes.Add(1)
	return g.closeErr
}

type fakeLauncher struct {
	graph *fakeGraph
	err   error

	mu    sync.Mutex
	specs []LaunchSpec
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Graph, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.graph, nil
}

func (l *fakeLauncher) lastSpec() LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

// fakeProber fails the first failures probes, then succeeds. A negative
// failures count never succeeds.
type fakeProber struct {
	failures int32
	calls    atomic.Int32

	// onProbe runs before each probe returns.
	onProbe func(call int32)
}

var errNotReady = errors.New("connection refused")

func (p *fakeProber) Probe(context.Context) error {
	call := p.calls.Add(1)
	if p.onProbe != nil {
		p.onProbe(call)
	}
	if p.failures < 0 || call <= p.failures {
		return errNotReady
	}
	return nil
}

// fakeProvisioner fails after a number of directories.
type fakeProvisioner struct {
	failAfter int
	created   []string
	cleanups  int
	err       error
}

func (p *fakeProvisioner) NewScopedDirectory(purpose string) (string, error) {
	if p.failAfter >= 0 && len(p.created) >= p.failAfter {
		return "", errors.New("disk full")
	}
	dir := "/scoped/" + purpose
	p.created = append(p.created, dir)
	return dir, nil
}

func (p *fakeProvisioner) Cleanup() error {
	p.cleanups++
	return p.err
}

// recordingMetrics captures lifecycle observations.
type recordingMetrics struct {
	mu        sync.Mutex
	probes    []bool
	startups  []string
	shutdowns int
}

func (m *recordingMetrics) ObserveProbe(healthy bool) {
	m.mu.Lock()
	m.probes = append(m.probes, healthy)
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveStartup(result string, _ time.Duration) {
	m.mu.Lock()
	m.startups = append(m.startups, result)
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveShutdown(error) {
	m.mu.Lock()
	m.shutdowns++
	m.mu.Unlock()
}
