package embedded

import (
	"context"

	"github.com/marmos91/embeddedbroker/pkg/config"
)

// Resources are the ports and directories owned by one instance. All four
// ports are pairwise distinct, as are both directories.
type Resources struct {
	InstanceID string
	Host       string

	WebPort          int
	TCPPort          int
	StoragePort      int
	CoordinationPort int

	StorageDir      string
	CoordinationDir string
}

// LaunchSpec is everything a Launcher needs to wire the dependency graph.
type LaunchSpec struct {
	Resources Resources
	Config    config.Config
}

// Launcher builds the dependency graph of one instance: the lower tier
// (coordination and storage) and the broker configured on top of it.
// Launch runs during construction; the returned Graph is started by
// Server.Start.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Graph, error)
}

// Graph is a launched dependency graph.
type Graph interface {
	// Start brings the broker up. It may return before the broker is
	// healthy; readiness is established by probing.
	Start(ctx context.Context) error

	// Close shuts the whole graph down. It must be safe to call on a graph
	// that was never started.
	Close(ctx context.Context) error
}

// Prober checks broker readiness once.
type Prober interface {
	Probe(ctx context.Context) error
}

// Provisioner creates the scoped directories of one instance and removes
// them again. A Provisioner must not be shared between instances.
type Provisioner interface {
	NewScopedDirectory(purpose string) (string, error)
	Cleanup() error
}
