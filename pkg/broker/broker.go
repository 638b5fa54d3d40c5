// Package broker implements the upper tier of an embedded broker: an admin
// HTTP API on the web port and a line-oriented data protocol on the TCP
// port, backed by the coordination and ledger services.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/embeddedbroker/internal/logger"
	"github.com/marmos91/embeddedbroker/pkg/api"
	"github.com/marmos91/embeddedbroker/pkg/apiclient"
	"github.com/marmos91/embeddedbroker/pkg/config"
	"github.com/marmos91/embeddedbroker/pkg/coordination"
	"github.com/marmos91/embeddedbroker/pkg/ledger"
	promMetrics "github.com/marmos91/embeddedbroker/pkg/metrics/prometheus"
	"github.com/marmos91/embeddedbroker/pkg/portalloc"
)

// URL schemes of the two broker endpoints.
const (
	WebScheme    = "http"
	BrokerScheme = "pulsar"
)

const (
	initInitialInterval = 20 * time.Millisecond
	initMaxInterval     = time.Second

	brokersPrefix = "brokers/"
)

var (
	// ErrNotReady is returned while the broker is still initializing.
	ErrNotReady = errors.New("broker: not ready")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("broker: already started")

	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker: closed")
)

// Config describes one broker.
type Config struct {
	// InstanceID identifies the owning instance in the coordination service.
	InstanceID string

	Host    string
	WebPort int
	TCPPort int

	// CoordinationURL and StorageURL locate the lower tier.
	CoordinationURL string
	StorageURL      string

	AllowAutoTopicCreation bool
	AutoTopicCreationType  config.TopicType
	DefaultPartitionCount  int

	// Server configures the admin HTTP server.
	Server api.ServerConfig
}

func (c *Config) validate() error {
	var errs []error
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance id is required"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.WebPort <= 0 || c.WebPort > portalloc.MaxPort {
		errs = append(errs, fmt.Errorf("invalid web port %d", c.WebPort))
	}
	if c.TCPPort <= 0 || c.TCPPort > portalloc.MaxPort {
		errs = append(errs, fmt.Errorf("invalid tcp port %d", c.TCPPort))
	}
	if c.WebPort == c.TCPPort {
		errs = append(errs, fmt.Errorf("web and tcp share port %d", c.WebPort))
	}
	if c.CoordinationURL == "" || c.StorageURL == "" {
		errs = append(errs, errors.New("coordination and storage URLs are required"))
	}
	if c.AutoTopicCreationType == "" {
		c.AutoTopicCreationType = config.TopicTypeNonPartitioned
	}
	if _, err := config.ParseTopicType(string(c.AutoTopicCreationType)); err != nil {
		errs = append(errs, err)
	}
	if c.DefaultPartitionCount <= 0 {
		c.DefaultPartitionCount = 1
	}
	return errors.Join(errs...)
}

// Registration is the record a broker writes to the coordination service.
type Registration struct {
	InstanceID       string    `json:"instance_id"`
	WebServiceURL    string    `json:"web_service_url"`
	BrokerServiceURL string    `json:"broker_service_url"`
	RegisteredAt     time.Time `json:"registered_at"`
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateStarted
	stateClosed
)

// Broker is the upper tier. New configures it; Start binds its ports and
// initializes in the background; Close releases everything.
type Broker struct {
	cfg Config

	coord  *coordination.Client
	ledger *ledger.Client
	topics *topicRegistry

	registry *prometheus.Registry
	metrics  *promMetrics.BrokerMetrics

	web *api.Server

	mu       sync.Mutex
	state    lifecycle
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	ready  atomic.Bool
	cancel context.CancelFunc
}

// New validates cfg and builds a broker that has not started.
func New(cfg Config) (*Broker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("broker: invalid config: %w", err)
	}

	coord, err := coordination.NewClient(cfg.CoordinationURL, apiClientTimeout())
	if err != nil {
		return nil, fmt.Errorf("broker: coordination client: %w", err)
	}
	store, err := ledger.NewClient(cfg.StorageURL, apiClientTimeout())
	if err != nil {
		_ = coord.Close()
		return nil, fmt.Errorf("broker: ledger client: %w", err)
	}

	registry := prometheus.NewRegistry()
	b := &Broker{
		cfg:      cfg,
		coord:    coord,
		ledger:   store,
		registry: registry,
		metrics:  promMetrics.NewBrokerMetrics(registry),
		conns:    make(map[net.Conn]struct{}),
	}
	b.topics = newTopicRegistry(coord)
	b.web = api.NewServer("broker", b.routes(), cfg.Server)
	return b, nil
}

// WebServiceURL is the admin endpoint.
func (b *Broker) WebServiceURL() string {
	return WebScheme + "://" + portalloc.FormatAddr(b.cfg.Host, b.cfg.WebPort)
}

// BrokerServiceURL is the data endpoint.
func (b *Broker) BrokerServiceURL() string {
	return BrokerScheme + "://" + portalloc.FormatAddr(b.cfg.Host, b.cfg.TCPPort)
}

// Ready reports whether initialization completed.
func (b *Broker) Ready() bool {
	return b.ready.Load()
}

// Start binds the web and TCP ports, then completes initialization in the
// background. Bind failures are returned synchronously.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrClosed
	}

	if err := b.web.Listen(portalloc.FormatAddr(b.cfg.Host, b.cfg.WebPort)); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", portalloc.FormatAddr(b.cfg.Host, b.cfg.TCPPort))
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.web.Stop(stopCtx)
		return fmt.Errorf("broker: listen on tcp port %d: %w", b.cfg.TCPPort, err)
	}
	b.listener = ln
	b.state = stateStarted

	// Initialization outlives the caller's context; Close cancels it.
	lc := logger.FromContext(ctx).WithComponent("broker")
	initCtx, cancel := context.WithCancel(logger.WithContext(context.Background(), lc))
	b.cancel = cancel

	b.wg.Add(2)
	go b.acceptLoop(ln)
	go b.initialize(initCtx)

	logger.InfoCtx(ctx, "Broker listening",
		logger.KeyWebPort, b.cfg.WebPort,
		logger.KeyTCPPort, b.cfg.TCPPort,
	)
	return nil
}

// initialize registers the broker and loads topic metadata, retrying until
// the coordination service answers or the broker is closed.
func (b *Broker) initialize(ctx context.Context) {
	defer b.wg.Done()

	register := func() error {
		reg := Registration{
			InstanceID:       b.cfg.InstanceID,
			WebServiceURL:    b.WebServiceURL(),
			BrokerServiceURL: b.BrokerServiceURL(),
			RegisteredAt:     time.Now().UTC(),
		}
		data, err := json.Marshal(reg)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := b.coord.Put(ctx, brokersPrefix+b.cfg.InstanceID, data); err != nil {
			return err
		}
		if err := b.ledger.Health(ctx); err != nil {
			return err
		}
		return b.topics.load(ctx)
	}

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initInitialInterval),
		backoff.WithMaxInterval(initMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	notify := func(err error, next time.Duration) {
		logger.DebugCtx(ctx, "Broker initialization retry", logger.Err(err), logger.KeyBackoff, next)
	}
	if err := backoff.RetryNotify(register, backoff.WithContext(bo, ctx), notify); err != nil {
		if ctx.Err() == nil {
			logger.ErrorCtx(ctx, "Broker initialization failed", logger.Err(err))
		}
		return
	}

	b.metrics.SetTopics(b.topics.count())
	b.ready.Store(true)
	logger.DebugCtx(ctx, "Broker initialized", "topics", b.topics.count())
}

// Close stops accepting connections, closes open ones and shuts the admin
// server down. It is idempotent.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		return nil
	}
	wasStarted := b.state == stateStarted
	b.state = stateClosed
	b.ready.Store(false)

	if b.cancel != nil {
		b.cancel()
	}
	var errs []error
	if b.listener != nil {
		if err := b.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()

	if wasStarted {
		// Best effort: the lower tier may already be gone.
		unregCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = b.coord.Delete(unregCtx, brokersPrefix+b.cfg.InstanceID)
		cancel()
	}

	errs = append(errs, b.web.Stop(ctx))
	_ = b.coord.Close()
	_ = b.ledger.Close()

	logger.DebugCtx(ctx, "Broker closed")
	return errors.Join(errs...)
}

func apiClientTimeout() apiclient.Option {
	return apiclient.WithTimeout(5 * time.Second)
}

// MetricsRegistry returns the broker's private Prometheus registry.
func (b *Broker) MetricsRegistry() *prometheus.Registry {
	return b.registry
}
