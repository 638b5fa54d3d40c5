// Package health probes the readiness of a running broker.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/embeddedbroker/internal/telemetry"
	"github.com/marmos91/embeddedbroker/pkg/apiclient"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// Client is the part of an admin client a probe needs.
type Client interface {
	Healthcheck(ctx context.Context) error
	Close() error
}

// ClientFactory builds a fresh client for every probe.
type ClientFactory func() (Client, error)

// AdminClientFactory returns a factory of admin clients bound to baseURL.
func AdminClientFactory(baseURL string, timeout time.Duration) ClientFactory {
	return func() (Client, error) {
		c, err := apiclient.New(baseURL, apiclient.WithTimeout(timeout))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Prober issues single readiness requests. It never retries; retrying is
// up to the caller.
type Prober struct {
	factory ClientFactory
	timeout time.Duration
}

// Option configures a Prober.
type Option func(*Prober)

// WithTimeout bounds each probe. Values <= 0 keep the default.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewProber returns a prober that builds its client with factory.
func NewProber(factory ClientFactory, opts ...Option) *Prober {
	p := &Prober{factory: factory, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe builds a client, issues one readiness request and closes the
// client regardless of the outcome. Client construction failures, network
// errors and non-2xx answers are all failures.
func (p *Prober) Probe(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanProbe)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if p.factory == nil {
		return errors.New("health: no client factory")
	}

	client, err := p.factory()
	if err != nil {
		return fmt.Errorf("health: build client: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("health: close client: %w", closeErr)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := client.Healthcheck(ctx); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}
