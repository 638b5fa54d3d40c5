package ensemble

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/embeddedbroker/pkg/coordination"
	"github.com/marmos91/embeddedbroker/pkg/ledger"
	"github.com/marmos91/embeddedbroker/pkg/portalloc"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	claims := portalloc.New("127.0.0.1").NewClaims()
	t.Cleanup(claims.Release)

	coordPort, err := claims.Claim(0)
	require.NoError(t, err)
	storagePort, err := claims.Claim(0)
	require.NoError(t, err)

	root := t.TempDir()
	return Config{
		Host:             "127.0.0.1",
		CoordinationPort: coordPort,
		StoragePort:      storagePort,
		CoordinationDir:  filepath.Join(root, "coordination"),
		StorageDir:       filepath.Join(root, "storage"),
		ReadyTimeout:     5 * time.Second,
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	valid := testConfig(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no host", func(c *Config) { c.Host = "" }},
		{"zero port", func(c *Config) { c.StoragePort = 0 }},
		{"same ports", func(c *Config) { c.StoragePort = c.CoordinationPort }},
		{"no dir", func(c *Config) { c.StorageDir = "" }},
		{"same dir", func(c *Config) { c.StorageDir = c.CoordinationDir }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestEnsemble_StartStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))

	coord, err := coordination.NewClient(e.CoordinationURL())
	require.NoError(t, err)
	defer func() { _ = coord.Close() }()
	require.NoError(t, coord.Put(ctx, "k", []byte("v")))

	store, err := ledger.NewClient(e.StorageURL())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	id, err := store.Append(ctx, "t", 0, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	assert.ErrorIs(t, e.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx), "Stop is idempotent")
	assert.ErrorIs(t, e.Start(ctx), ErrStopped)

	assert.Error(t, coord.Health(ctx))
	assert.Error(t, store.Health(ctx))
	assert.FileExists(t, filepath.Join(cfg.StorageDir, ledger.DatabaseFile))
}

func TestEnsemble_StartFailsOnBoundPort(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	ln, err := net.Listen("tcp", portalloc.FormatAddr(cfg.Host, cfg.StoragePort))
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	e, err := New(cfg)
	require.NoError(t, err)
	require.Error(t, e.Start(ctx))

	// The coordination port and store were released by the failed start.
	probe, err := net.Listen("tcp", portalloc.FormatAddr(cfg.Host, cfg.CoordinationPort))
	require.NoError(t, err)
	_ = probe.Close()

	reopened, err := coordination.Open(cfg.CoordinationDir)
	require.NoError(t, err)
	_ = reopened.Close()

	assert.NoError(t, e.Stop(ctx))
}

func TestEnsemble_StopBeforeStart(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)
	assert.NoError(t, e.Stop(context.Background()))
}

func TestEnsemble_StartCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(testConfig(t))
	require.NoError(t, err)
	assert.Error(t, e.Start(ctx))
}
