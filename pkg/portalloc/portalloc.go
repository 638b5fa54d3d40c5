// Package portalloc finds locally unused TCP ports.
//
// Discovery asks the operating system for an ephemeral port by binding a
// transient listener on port 0 and closing it again, so the answer reflects
// system-wide availability rather than in-process bookkeeping. Between
// discovery and the consumer's own bind there is an unavoidable race; callers
// should bind as soon as possible after allocation.
//
// On top of the OS query, a process-wide lease table remembers every port
// currently held by a live Claims set. Two instances built concurrently in the
// same process therefore never receive the same port, even if the OS hands a
// recently released ephemeral port out twice before either instance binds it.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/marmos91/embeddedbroker/internal/logger"
)

// MaxPort is the largest valid TCP port.
const MaxPort = 65535

// defaultMaxAttempts bounds how often Claim re-queries the OS when the
// returned port collides with an existing claim or lease.
const defaultMaxAttempts = 64

var (
	// ErrResourceExhausted is returned when the OS cannot provide a port.
	ErrResourceExhausted = errors.New("port allocation failed: resource exhausted")

	// ErrPortConflict is returned when an explicit port is already claimed
	// by this instance or leased by another live instance in the process.
	ErrPortConflict = errors.New("port already claimed")

	// ErrInvalidPort is returned for ports outside 0..65535.
	ErrInvalidPort = errors.New("invalid port")
)

// Allocator discovers free TCP ports on a host. It is safe for concurrent use.
type Allocator struct {
	host        string
	maxAttempts int
	leases      *leaseTable
	listen      func(network, address string) (net.Listener, error)
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMaxAttempts overrides how many OS queries a single Claim may make.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// New creates an Allocator probing host. An empty host probes all interfaces.
// Allocators share the process-wide lease table.
func New(host string, opts ...Option) *Allocator {
	a := &Allocator{
		host:        host,
		maxAttempts: defaultMaxAttempts,
		leases:      processLeases,
		listen:      net.Listen,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Host returns the host the allocator probes.
func (a *Allocator) Host() string {
	return a.host
}

// Allocate returns a TCP port that was unbound on the allocator's host at call
// time. It does not lease the port; use Claims for that.
func (a *Allocator) Allocate() (int, error) {
	l, err := a.listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	closeErr := l.Close()
	if !ok {
		return 0, fmt.Errorf("%w: unexpected listener address %T", ErrResourceExhausted, l.Addr())
	}
	if closeErr != nil {
		return 0, fmt.Errorf("%w: release probe socket: %v", ErrResourceExhausted, closeErr)
	}
	return addr.Port, nil
}

// NewClaims starts an empty per-instance claim set.
func (a *Allocator) NewClaims() *Claims {
	return &Claims{alloc: a, claimed: make(map[int]struct{})}
}

// Claims is the set of ports held by one instance. Ports within a Claims are
// pairwise distinct, and every claimed port is leased process-wide so no
// other live Claims in the same process can receive it.
type Claims struct {
	alloc *Allocator

	mu       sync.Mutex
	claimed  map[int]struct{}
	order    []int
	leased   []int
	released bool
}

// Claim reserves a port for the owning instance. A requested port > 0 is
// returned as is (never silently replaced) or rejected with ErrPortConflict
// when another live instance leases it; 0 means allocate one.
func (c *Claims) Claim(requested int) (int, error) {
	if requested < 0 || requested > MaxPort {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, requested)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return 0, errors.New("claims already released")
	}

	if requested > 0 {
		if _, dup := c.claimed[requested]; dup {
			return 0, fmt.Errorf("%w: %d", ErrPortConflict, requested)
		}
		if !c.alloc.leases.acquire(requested) {
			return 0, fmt.Errorf("%w: %d is leased by another instance", ErrPortConflict, requested)
		}
		c.leased = append(c.leased, requested)
		c.add(requested)
		return requested, nil
	}

	for attempt := 1; attempt <= c.alloc.maxAttempts; attempt++ {
		port, err := c.alloc.Allocate()
		if err != nil {
			return 0, err
		}
		if _, dup := c.claimed[port]; dup {
			continue
		}
		if !c.alloc.leases.acquire(port) {
			logger.Debug("Allocated port is leased by another instance, retrying",
				logger.KeyPort, port, logger.KeyAttempt, attempt)
			continue
		}
		c.leased = append(c.leased, port)
		c.add(port)
		return port, nil
	}

	return 0, fmt.Errorf("%w: no distinct port after %d attempts", ErrResourceExhausted, c.alloc.maxAttempts)
}

func (c *Claims) add(port int) {
	c.claimed[port] = struct{}{}
	c.order = append(c.order, port)
}

// Ports returns the claimed ports in claim order.
func (c *Claims) Ports() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.order...)
}

// Release returns every lease held by this set. It is idempotent.
func (c *Claims) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return
	}
	c.released = true
	for _, port := range c.leased {
		c.alloc.leases.release(port)
	}
	c.leased = nil
}

// leaseTable tracks ports held by live instances across the whole process.
type leaseTable struct {
	mu    sync.Mutex
	ports map[int]struct{}
}

var processLeases = &leaseTable{ports: make(map[int]struct{})}

func (t *leaseTable) acquire(port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.ports[port]; taken {
		return false
	}
	t.ports[port] = struct{}{}
	return true
}

func (t *leaseTable) release(port int) {
	t.mu.Lock()
	delete(t.ports, port)
	t.mu.Unlock()
}

func (t *leaseTable) held(port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ports[port]
	return ok
}

// Leased reports whether port is currently held by a live Claims set in this
// process.
func Leased(port int) bool {
	return processLeases.held(port)
}

// FormatAddr joins host and port into a dialable address.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
