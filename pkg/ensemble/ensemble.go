// Package ensemble runs the lower tier of an embedded broker: the
// coordination service and the ledger service, each on its own port and
// directory, as a single-node ensemble.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marmos91/embeddedbroker/internal/logger"
	"github.com/marmos91/embeddedbroker/pkg/api"
	"github.com/marmos91/embeddedbroker/pkg/coordination"
	"github.com/marmos91/embeddedbroker/pkg/ledger"
	"github.com/marmos91/embeddedbroker/pkg/portalloc"
)

// Replication settings of a single-node ensemble.
const (
	EnsembleSize = 1
	WriteQuorum  = 1
	AckQuorum    = 1
)

const (
	readyInitialInterval = 20 * time.Millisecond
	readyMaxInterval     = 500 * time.Millisecond

	// DefaultReadyTimeout bounds the wait for both services to answer.
	DefaultReadyTimeout = 15 * time.Second
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("ensemble: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("ensemble: stopped")
)

// Config describes where the ensemble binds and stores its data.
type Config struct {
	Host             string
	CoordinationPort int
	StoragePort      int
	CoordinationDir  string
	StorageDir       string

	// ReadyTimeout bounds the readiness wait in Start.
	// Default: 15s
	ReadyTimeout time.Duration

	// Server configures both HTTP servers.
	Server api.ServerConfig
}

func (c *Config) validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.CoordinationPort <= 0 || c.CoordinationPort > portalloc.MaxPort {
		errs = append(errs, fmt.Errorf("invalid coordination port %d", c.CoordinationPort))
	}
	if c.StoragePort <= 0 || c.StoragePort > portalloc.MaxPort {
		errs = append(errs, fmt.Errorf("invalid storage port %d", c.StoragePort))
	}
	if c.CoordinationPort == c.StoragePort {
		errs = append(errs, fmt.Errorf("coordination and storage share port %d", c.StoragePort))
	}
	if c.CoordinationDir == "" || c.StorageDir == "" {
		errs = append(errs, errors.New("both directories are required"))
	}
	if c.CoordinationDir != "" && c.CoordinationDir == c.StorageDir {
		errs = append(errs, errors.New("coordination and storage share a directory"))
	}
	return errors.Join(errs...)
}

// Ensemble is the lower tier. It is configured by New and runs between
// Start and Stop.
type Ensemble struct {
	cfg Config

	mu          sync.Mutex
	started     bool
	stopped     bool
	coordStore  *coordination.Store
	ledgerStore *ledger.Store
	coordSrv    *coordination.Server
	ledgerSrv   *ledger.Server
}

// New validates cfg and returns an ensemble that has not started.
func New(cfg Config) (*Ensemble, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ensemble: invalid config: %w", err)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Ensemble{cfg: cfg}, nil
}

// CoordinationURL is the base URL of the coordination service.
func (e *Ensemble) CoordinationURL() string {
	return "http://" + portalloc.FormatAddr(e.cfg.Host, e.cfg.CoordinationPort)
}

// StorageURL is the base URL of the ledger service.
func (e *Ensemble) StorageURL() string {
	return "http://" + portalloc.FormatAddr(e.cfg.Host, e.cfg.StoragePort)
}

// Start opens both stores, binds both ports, and waits until both services
// answer their health endpoint. On any failure everything already started
// is stopped again and the error is returned.
func (e *Ensemble) Start(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	defer func() {
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if stopErr := e.stopLocked(stopCtx); stopErr != nil {
				logger.Warn("Ensemble cleanup after failed start", logger.Err(stopErr))
			}
		}
	}()

	if e.coordStore, err = coordination.Open(e.cfg.CoordinationDir); err != nil {
		return err
	}
	if e.ledgerStore, err = ledger.Open(e.cfg.StorageDir); err != nil {
		return err
	}

	e.coordSrv = coordination.NewServer(e.coordStore, e.cfg.Server)
	if err = e.coordSrv.Listen(portalloc.FormatAddr(e.cfg.Host, e.cfg.CoordinationPort)); err != nil {
		return err
	}
	e.ledgerSrv = ledger.NewServer(e.ledgerStore, e.cfg.Server)
	if err = e.ledgerSrv.Listen(portalloc.FormatAddr(e.cfg.Host, e.cfg.StoragePort)); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Ensemble services listening",
		logger.KeyCoordinationPort, e.cfg.CoordinationPort,
		logger.KeyStoragePort, e.cfg.StoragePort,
	)

	return e.waitReady(ctx)
}

// waitReady polls both health endpoints with exponential backoff.
func (e *Ensemble) waitReady(ctx context.Context) error {
	coord, err := coordination.NewClient(e.CoordinationURL())
	if err != nil {
		return err
	}
	defer func() { _ = coord.Close() }()

	store, err := ledger.NewClient(e.StorageURL())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	check := func() error {
		if err := coord.Health(ctx); err != nil {
			return fmt.Errorf("coordination: %w", err)
		}
		if err := store.Health(ctx); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(readyInitialInterval),
		backoff.WithMaxInterval(readyMaxInterval),
		backoff.WithMaxElapsedTime(e.cfg.ReadyTimeout),
	)
	if err := backoff.Retry(check, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("ensemble not ready after %s: %w", e.cfg.ReadyTimeout, err)
	}
	return nil
}

// Stop shuts both services down and closes both stores. It is idempotent.
func (e *Ensemble) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked(ctx)
}

func (e *Ensemble) stopLocked(ctx context.Context) error {
	if e.stopped {
		return nil
	}
	e.stopped = true

	var errs []error
	if e.ledgerSrv != nil {
		errs = append(errs, e.ledgerSrv.Stop(ctx))
	}
	if e.coordSrv != nil {
		errs = append(errs, e.coordSrv.Stop(ctx))
	}
	if e.ledgerStore != nil {
		errs = append(errs, e.ledgerStore.Close())
	}
	if e.coordStore != nil {
		errs = append(errs, e.coordStore.Close())
	}

	if e.started {
		logger.Debug("Ensemble stopped")
	}
	return errors.Join(errs...)
}
