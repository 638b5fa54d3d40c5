package embedded

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/embeddedbroker/internal/logger"
	"github.com/marmos91/embeddedbroker/pkg/broker"
	"github.com/marmos91/embeddedbroker/pkg/ensemble"
)

// LocalLauncher runs the whole graph in-process: an ensemble (coordination
// and ledger services) started during construction, and a broker that is
// configured during construction and started by Graph.Start.
type LocalLauncher struct{}

var _ Launcher = LocalLauncher{}

// Launch starts the ensemble and builds the broker.
func (LocalLauncher) Launch(ctx context.Context, spec LaunchSpec) (Graph, error) {
	res := spec.Resources

	ens, err := ensemble.New(ensemble.Config{
		Host:             res.Host,
		CoordinationPort: res.CoordinationPort,
		StoragePort:      res.StoragePort,
		CoordinationDir:  res.CoordinationDir,
		StorageDir:       res.StorageDir,
	})
	if err != nil {
		return nil, err
	}
	if err := ens.Start(ctx); err != nil {
		return nil, fmt.Errorf("start ensemble: %w", err)
	}

	b, err := broker.New(broker.Config{
		InstanceID:             res.InstanceID,
		Host:                   res.Host,
		WebPort:                res.WebPort,
		TCPPort:                res.TCPPort,
		CoordinationURL:        ens.CoordinationURL(),
		StorageURL:             ens.StorageURL(),
		AllowAutoTopicCreation: spec.Config.AllowAutoTopicCreation,
		AutoTopicCreationType:  spec.Config.AutoTopicCreationType,
		DefaultPartitionCount:  spec.Config.DefaultPartitionCount,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("configure broker: %w", err), ens.Stop(ctx))
	}

	logger.InfoCtx(ctx, "Local ensemble started",
		logger.KeyCoordinationPort, res.CoordinationPort,
		logger.KeyStoragePort, res.StoragePort,
	)
	return &LocalGraph{ensemble: ens, broker: b}, nil
}

// LocalGraph is the graph built by LocalLauncher.
type LocalGraph struct {
	ensemble *ensemble.Ensemble
	broker   *broker.Broker
}

// Broker returns the in-process broker.
func (g *LocalGraph) Broker() *broker.Broker {
	return g.broker
}

// Start binds the broker's ports; it finishes initializing in the
// background.
func (g *LocalGraph) Start(ctx context.Context) error {
	return g.broker.Start(ctx)
}

// Close stops the broker, then the ensemble.
func (g *LocalGraph) Close(ctx context.Context) error {
	return errors.Join(g.broker.Close(ctx), g.ensemble.Stop(ctx))
}
