// Package embedded runs a single-node message broker inside the host
// process, typically for integration tests.
//
// New allocates four ports and two scoped directories, launches the
// dependency graph and returns a Server in the Constructed state. Start
// starts the broker and blocks until a readiness probe succeeds or the
// startup deadline passes. Close shuts everything down and releases the
// ports and directories.
//
//	srv, err := embedded.New(config.Default())
//	if err != nil { ... }
//	defer srv.Close(ctx)
//	if res, err := srv.Start(ctx); err != nil || res != embedded.StartReady { ... }
package embedded

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/embeddedbroker/internal/logger"
	"github.com/marmos91/embeddedbroker/internal/telemetry"
	"github.com/marmos91/embeddedbroker/pkg/apiclient"
	"github.com/marmos91/embeddedbroker/pkg/broker"
	"github.com/marmos91/embeddedbroker/pkg/config"
	"github.com/marmos91/embeddedbroker/pkg/health"
	"github.com/marmos91/embeddedbroker/pkg/metrics"
	"github.com/marmos91/embeddedbroker/pkg/portalloc"
	"github.com/marmos91/embeddedbroker/pkg/provision"
)

// Directory purposes, part of the scoped directory names.
const (
	StorageDirPurpose      = "storage-log"
	CoordinationDirPurpose = "coordination"
)

// Server is the handle of one embedded broker instance.
type Server struct {
	cfg       config.Config
	resources Resources

	graph       Graph
	prober      Prober
	provisioner Provisioner
	claims      *portalloc.Claims
	metrics     metrics.Lifecycle
	jitter      func() float64

	lc *logger.LogContext

	mu       sync.Mutex
	state    State
	startErr error
}

// New builds an instance from cfg: it applies defaults, validates, claims
// ports, provisions directories and launches the dependency graph. Any
// failure releases whatever was acquired and returns an error wrapping
// ErrConstruction.
func New(cfg config.Config, opts ...Option) (srv *Server, err error) {
	o := options{
		launcher: LocalLauncher{},
		metrics:  metrics.Noop{},
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(&o)
	}

	config.ApplyDefaults(&cfg)
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConstruction, err)
	}

	id := uuid.NewString()
	lc := &logger.LogContext{InstanceID: id, Component: "embedded"}
	ctx := logger.WithContext(context.Background(), lc)

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConstruct,
		attribute.String(telemetry.AttrInstanceID, id),
	)
	defer span.End()

	// Everything acquired is released in reverse order if construction
	// fails part way.
	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		telemetry.RecordError(span, err)
		for i := len(undo) - 1; i >= 0; i-- {
			if undoErr := undo[i](); undoErr != nil {
				logger.WarnCtx(ctx, "Construction rollback step failed", logger.Err(undoErr))
			}
		}
		err = fmt.Errorf("%w: %w", ErrConstruction, err)
	}()

	prov := o.provisioner
	if prov == nil {
		prov = provision.New()
	}
	undo = append(undo, prov.Cleanup)

	storageDir, err := prov.NewScopedDirectory(StorageDirPurpose)
	if err != nil {
		return nil, err
	}
	coordDir, err := prov.NewScopedDirectory(CoordinationDirPurpose)
	if err != nil {
		return nil, err
	}

	alloc := o.allocator
	if alloc == nil {
		alloc = portalloc.New(cfg.BindHost)
	}
	claims := alloc.NewClaims()
	undo = append(undo, func() error { claims.Release(); return nil })

	// Explicit ports first, so auto-allocated ones steer around them.
	coordPort, err := claims.Claim(cfg.CoordinationPort)
	if err != nil {
		return nil, fmt.Errorf("coordination port: %w", err)
	}
	storagePort, err := claims.Claim(cfg.StoragePort)
	if err != nil {
		return nil, fmt.Errorf("storage port: %w", err)
	}
	webPort, err := claims.Claim(0)
	if err != nil {
		return nil, fmt.Errorf("web port: %w", err)
	}
	tcpPort, err := claims.Claim(0)
	if err != nil {
		return nil, fmt.Errorf("tcp port: %w", err)
	}

	res := Resources{
		InstanceID:       id,
		Host:             cfg.BindHost,
		WebPort:          webPort,
		TCPPort:          tcpPort,
		StoragePort:      storagePort,
		CoordinationPort: coordPort,
		StorageDir:       storageDir,
		CoordinationDir:  coordDir,
	}
	span.SetAttributes(
		attribute.Int(telemetry.AttrWebPort, webPort),
		attribute.Int(telemetry.AttrTCPPort, tcpPort),
		attribute.Int(telemetry.AttrStoragePort, storagePort),
		attribute.Int(telemetry.AttrCoordinationPort, coordPort),
	)
	logger.DebugCtx(ctx, "Allocated instance resources",
		logger.KeyWebPort, webPort,
		logger.KeyTCPPort, tcpPort,
		logger.KeyStoragePort, storagePort,
		logger.KeyCoordinationPort, coordPort,
		"storage_dir", storageDir,
		"coordination_dir", coordDir,
	)

	graph, err := o.launcher.Launch(ctx, LaunchSpec{Resources: res, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("launch dependencies: %w", err)
	}
	if graph == nil {
		return nil, errors.New("launch dependencies: launcher returned no graph")
	}
	undo = append(undo, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return graph.Close(shutdownCtx)
	})

	srv = &Server{
		cfg:         cfg,
		resources:   res,
		graph:       graph,
		prober:      o.prober,
		provisioner: prov,
		claims:      claims,
		metrics:     o.metrics,
		jitter:      o.jitter,
		lc:          lc,
		state:       StateConstructed,
	}
	if srv.prober == nil {
		srv.prober = health.NewProber(
			health.AdminClientFactory(srv.WebServiceURL(), cfg.ProbeTimeout),
			health.WithTimeout(cfg.ProbeTimeout),
		)
	}

	logger.InfoCtx(ctx, "Embedded broker constructed",
		logger.KeyWebPort, webPort,
		logger.KeyTCPPort, tcpPort,
	)
	return srv, nil
}

// Start starts the broker and waits until it is ready.
//
// It probes readiness every PollInterval (plus optional jitter). The
// returned result tells the outcomes apart:
//   - StartReady, nil: the broker is healthy.
//   - StartTimedOut, nil: no probe succeeded within StartupTimeout; the
//     dependencies were shut down exactly once.
//   - StartCancelled, ctx.Err(): ctx ended the wait; the dependencies were
//     shut down.
//   - StartFailed, err: the dependencies could not be started.
//
// Start may only be called once, on a Constructed server.
func (s *Server) Start(ctx context.Context) (StartResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateConstructed:
	case StateClosed:
		s.mu.Unlock()
		return StartFailed, ErrClosed
	default:
		s.mu.Unlock()
		return StartFailed, ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	began := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanStart,
		attribute.String(telemetry.AttrInstanceID, s.resources.InstanceID),
	)
	defer span.End()
	ctx = s.logContext(ctx)

	result, err := s.start(ctx)

	span.SetAttributes(attribute.String(telemetry.AttrResult, result.String()))
	telemetry.RecordError(span, err)
	s.metrics.ObserveStartup(metricResult(result), time.Since(began))
	return result, err
}

func (s *Server) start(ctx context.Context) (StartResult, error) {
	logger.InfoCtx(ctx, "Starting embedded broker",
		logger.KeyWebPort, s.resources.WebPort,
		logger.KeyTimeout, s.cfg.StartupTimeout,
	)

	if err := s.graph.Start(ctx); err != nil {
		logger.ErrorCtx(ctx, "Failed to start broker", logger.Err(err))
		shutdownErr := s.shutdown(ctx)
		s.finishStart(StateFailedStartup, shutdownErr)
		return StartFailed, errors.Join(fmt.Errorf("start broker: %w", err), shutdownErr)
	}

	loopStart := time.Now()
	for attempt := 1; ; attempt++ {
		err := s.prober.Probe(ctx)
		s.metrics.ObserveProbe(err == nil)
		if err == nil {
			s.finishStart(StateReady, nil)
			logger.InfoCtx(ctx, "Embedded broker ready",
				logger.KeyAttempt, attempt,
				logger.Elapsed(loopStart),
			)
			return StartReady, nil
		}

		if ctx.Err() != nil {
			return s.cancelled(ctx)
		}

		elapsed := time.Since(loopStart)
		if elapsed > s.cfg.StartupTimeout {
			logger.ErrorCtx(ctx, "Embedded broker did not become ready in time",
				logger.KeyAttempt, attempt,
				logger.KeyElapsed, elapsed.Round(time.Millisecond),
				logger.KeyTimeout, s.cfg.StartupTimeout,
				logger.Err(err),
			)
			shutdownErr := s.shutdown(ctx)
			s.finishStart(StateFailedStartup, shutdownErr)
			return StartTimedOut, nil
		}

		logger.InfoCtx(ctx, "Waiting for broker",
			logger.KeyAttempt, attempt,
			logger.KeyElapsed, elapsed.Round(time.Millisecond),
			logger.Err(err),
		)

		timer := time.NewTimer(s.pollDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.cancelled(ctx)
		case <-timer.C:
		}
	}
}

func (s *Server) cancelled(ctx context.Context) (StartResult, error) {
	logger.WarnCtx(ctx, "Embedded broker start cancelled", logger.Err(ctx.Err()))
	shutdownErr := s.shutdown(ctx)
	s.finishStart(StateFailedStartup, shutdownErr)
	return StartCancelled, ctx.Err()
}

// pollDelay is PollInterval plus up to PollJitter*PollInterval.
func (s *Server) pollDelay() time.Duration {
	d := s.cfg.PollInterval
	if s.cfg.PollJitter > 0 {
		d += time.Duration(s.cfg.PollJitter * s.jitter() * float64(s.cfg.PollInterval))
	}
	return d
}

func (s *Server) finishStart(state State, startErr error) {
	s.mu.Lock()
	s.state = state
	s.startErr = startErr
	s.mu.Unlock()
}

// shutdown closes the dependency graph within ShutdownTimeout. It ignores
// the caller's cancellation so a cancelled Start still cleans up.
func (s *Server) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	logger.InfoCtx(ctx, "Shutting down embedded broker dependencies")
	err := s.graph.Close(shutdownCtx)
	s.metrics.ObserveShutdown(err)
	if err != nil {
		logger.ErrorCtx(ctx, "Dependency shutdown failed", logger.Err(err))
		return fmt.Errorf("shutdown dependencies: %w", err)
	}
	return nil
}

// Close shuts the dependency graph down (unless a failed Start already did),
// removes the instance's directories and releases its ports.
//
// Close returns ErrStartInProgress while Start runs and nil on a closed
// Server. Shutdown and cleanup errors are joined.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case StateStarting:
		s.mu.Unlock()
		return ErrStartInProgress
	case StateClosed:
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	startErr := s.startErr
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanClose,
		attribute.String(telemetry.AttrInstanceID, s.resources.InstanceID),
		attribute.String(telemetry.AttrState, prev.String()),
	)
	defer span.End()
	ctx = s.logContext(ctx)

	var errs []error
	if prev == StateFailedStartup {
		// Already shut down by Start; report how that went.
		errs = append(errs, startErr)
	} else {
		errs = append(errs, s.shutdown(ctx))
	}

	if err := s.provisioner.Cleanup(); err != nil {
		logger.WarnCtx(ctx, "Failed to remove instance directories", logger.Err(err))
		errs = append(errs, fmt.Errorf("cleanup directories: %w", err))
	}
	s.claims.Release()

	err := errors.Join(errs...)
	telemetry.RecordError(span, err)
	logger.InfoCtx(ctx, "Embedded broker closed")
	return err
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the instance id.
func (s *Server) ID() string { return s.resources.InstanceID }

// WebPort is the admin HTTP port.
func (s *Server) WebPort() int { return s.resources.WebPort }

// TCPPort is the broker data port.
func (s *Server) TCPPort() int { return s.resources.TCPPort }

// StoragePort is the ledger service port.
func (s *Server) StoragePort() int { return s.resources.StoragePort }

// CoordinationPort is the coordination service port.
func (s *Server) CoordinationPort() int { return s.resources.CoordinationPort }

// Resources returns the ports and directories owned by the instance.
func (s *Server) Resources() Resources { return s.resources }

// Config returns the effective configuration.
func (s *Server) Config() config.Config { return s.cfg }

// Graph returns the launched dependency graph.
func (s *Server) Graph() Graph { return s.graph }

// WebServiceURL is the admin endpoint, http://<host>:<webPort>.
func (s *Server) WebServiceURL() string {
	return broker.WebScheme + "://" + portalloc.FormatAddr(s.resources.Host, s.resources.WebPort)
}

// BrokerServiceURL is the data endpoint, pulsar://<host>:<tcpPort>.
func (s *Server) BrokerServiceURL() string {
	return broker.BrokerScheme + "://" + portalloc.FormatAddr(s.resources.Host, s.resources.TCPPort)
}

// AdminClient returns a new admin client bound to WebServiceURL. The caller
// owns the client and must Close it.
func (s *Server) AdminClient(opts ...apiclient.Option) (*apiclient.Client, error) {
	if s.State() == StateClosed {
		return nil, ErrClosed
	}
	return apiclient.New(s.WebServiceURL(), opts...)
}

// logContext tags ctx with the instance id and current trace.
func (s *Server) logContext(ctx context.Context) context.Context {
	lc := *s.lc
	lc.TraceID = telemetry.TraceID(ctx)
	lc.SpanID = telemetry.SpanID(ctx)
	return logger.WithContext(ctx, &lc)
}

func metricResult(r StartResult) string {
	switch r {
	case StartReady:
		return metrics.ResultReady
	case StartTimedOut:
		return metrics.ResultTimedOut
	case StartCancelled:
		return metrics.ResultCancelled
	default:
		return metrics.ResultFailed
	}
}
