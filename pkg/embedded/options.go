package embedded

import (
	"github.com/marmos91/embeddedbroker/pkg/metrics"
	"github.com/marmos91/embeddedbroker/pkg/portalloc"
)

// Option configures a Server at construction.
type Option func(*options)

type options struct {
	launcher    Launcher
	prober      Prober
	provisioner Provisioner
	allocator   *portalloc.Allocator
	metrics     metrics.Lifecycle
	jitter      func() float64
}

// WithLauncher replaces the in-process LocalLauncher.
func WithLauncher(l Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithProber replaces the admin-API readiness prober.
func WithProber(p Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithProvisioner replaces the directory provisioner. The provisioner is
// owned by the Server and cleaned up on Close.
func WithProvisioner(p Provisioner) Option {
	return func(o *options) { o.provisioner = p }
}

// WithAllocator replaces the port allocator.
func WithAllocator(a *portalloc.Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithMetrics records lifecycle metrics.
func WithMetrics(m metrics.Lifecycle) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}
