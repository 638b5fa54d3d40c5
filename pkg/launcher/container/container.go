// Package container launches the broker graph as a Pulsar standalone
// container managed by testcontainers.
//
// The container publishes its four service ports on exactly the ports the
// embedded server allocated, and mounts the instance's scoped directories
// as its data directories:
//
//	srv, err := embedded.New(cfg, embedded.WithLauncher(container.NewLauncher()))
package container

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"

	"github.com/marmos91/embeddedbroker/internal/logger"
	"github.com/marmos91/embeddedbroker/pkg/config"
	"github.com/marmos91/embeddedbroker/pkg/embedded"
)

// DefaultImage is the Pulsar image used when none is configured.
const DefaultImage = "apachepulsar/pulsar:3.3.2"

// Ports inside the container.
const (
	WebPort          nat.Port = "8080/tcp"
	BrokerPort       nat.Port = "6650/tcp"
	StoragePort      nat.Port = "3181/tcp"
	CoordinationPort nat.Port = "2181/tcp"
)

// Data directories inside the container. Standalone is pointed at them
// explicitly; its defaults live under data/standalone.
const (
	StorageMountPath      = "/pulsar/data/bookkeeper"
	CoordinationMountPath = "/pulsar/data/zookeeper"
)

// standaloneCmd starts Pulsar standalone on the mounted directories with
// the ZooKeeper metadata store, so the coordination port is served.
const standaloneCmd = "bin/apply-config-from-env.py conf/standalone.conf && " +
	"exec bin/pulsar standalone --no-functions-worker" +
	" --bookkeeper-dir " + StorageMountPath +
	" --zookeeper-dir " + CoordinationMountPath

// Launcher creates a Pulsar standalone container per instance.
type Launcher struct {
	image string
	env   map[string]string
}

var _ embedded.Launcher = (*Launcher)(nil)

// Option configures a Launcher.
type Option func(*Launcher)

// WithImage overrides DefaultImage.
func WithImage(image string) Option {
	return func(l *Launcher) { l.image = image }
}

// WithEnv adds environment variables to the container. Use the
// PULSAR_PREFIX_<key> form to set broker configuration keys.
func WithEnv(key, value string) Option {
	return func(l *Launcher) { l.env[key] = value }
}

// NewLauncher creates a container launcher.
func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{image: DefaultImage, env: make(map[string]string)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch creates (but does not start) the container.
func (l *Launcher) Launch(ctx context.Context, spec embedded.LaunchSpec) (embedded.Graph, error) {
	req := l.request(spec)

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          false,
	})
	if err != nil {
		return nil, fmt.Errorf("create broker container: %w", err)
	}

	logger.InfoCtx(ctx, "Broker container created",
		"image", l.image,
		"container_id", c.GetContainerID(),
		logger.KeyWebPort, spec.Resources.WebPort,
		logger.KeyTCPPort, spec.Resources.TCPPort,
	)
	return &Graph{container: c}, nil
}

// request builds the container request for spec.
func (l *Launcher) request(spec embedded.LaunchSpec) testcontainers.ContainerRequest {
	res := spec.Resources

	env := brokerEnv(spec.Config)
	for k, v := range l.env {
		env[k] = v
	}

	bindings := nat.PortMap{
		WebPort:          {{HostIP: res.Host, HostPort: strconv.Itoa(res.WebPort)}},
		BrokerPort:       {{HostIP: res.Host, HostPort: strconv.Itoa(res.TCPPort)}},
		StoragePort:      {{HostIP: res.Host, HostPort: strconv.Itoa(res.StoragePort)}},
		CoordinationPort: {{HostIP: res.Host, HostPort: strconv.Itoa(res.CoordinationPort)}},
	}

	return testcontainers.ContainerRequest{
		Image: l.image,
		Name:  "embeddedbroker-" + res.InstanceID,
		Cmd:   []string{"sh", "-c", standaloneCmd},
		ExposedPorts: []string{
			string(WebPort), string(BrokerPort), string(StoragePort), string(CoordinationPort),
		},
		Env: env,
		Labels: map[string]string{
			"embeddedbroker.instance_id": res.InstanceID,
		},
		Mounts: testcontainers.Mounts(
			testcontainers.BindMount(res.StorageDir, StorageMountPath),
			testcontainers.BindMount(res.CoordinationDir, CoordinationMountPath),
		),
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			hc.PortBindings = bindings
		},
	}
}

// brokerEnv maps cfg onto broker configuration keys. The ledger ensemble
// is a single bookie, so every quorum is 1. Standalone defaults to a
// RocksDB metadata store with nothing on 2181 unless ZooKeeper is forced.
func brokerEnv(cfg config.Config) map[string]string {
	return map[string]string{
		"PULSAR_STANDALONE_USE_ZOOKEEPER":                "1",
		"PULSAR_PREFIX_allowAutoTopicCreation":           strconv.FormatBool(cfg.AllowAutoTopicCreation),
		"PULSAR_PREFIX_allowAutoTopicCreationType":       autoTopicType(cfg.AutoTopicCreationType),
		"PULSAR_PREFIX_defaultNumPartitions":             strconv.Itoa(cfg.DefaultPartitionCount),
		"PULSAR_PREFIX_managedLedgerDefaultEnsembleSize": "1",
		"PULSAR_PREFIX_managedLedgerDefaultWriteQuorum":  "1",
		"PULSAR_PREFIX_managedLedgerDefaultAckQuorum":    "1",
	}
}

// autoTopicType converts to Pulsar's spelling.
func autoTopicType(t config.TopicType) string {
	if t == config.TopicTypePartitioned {
		return "partitioned"
	}
	return "non-partitioned"
}

// Graph is a launched broker container.
type Graph struct {
	container testcontainers.Container

	mu         sync.Mutex
	terminated bool
}

// Container returns the underlying container.
func (g *Graph) Container() testcontainers.Container {
	return g.container
}

// Start starts the container. The broker inside takes a while to answer
// health checks; readiness is left to the caller's prober.
func (g *Graph) Start(ctx context.Context) error {
	if err := g.container.Start(ctx); err != nil {
		return fmt.Errorf("start broker container: %w", err)
	}
	return nil
}

// Close terminates and removes the container. It is idempotent.
func (g *Graph) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.terminated {
		return nil
	}
	g.terminated = true

	if err := g.container.Terminate(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("terminate broker container: %w", err)
	}
	return nil
}
