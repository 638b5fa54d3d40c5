package broker

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/embeddedbroker/pkg/apiclient"
	"github.com/marmos91/embeddedbroker/pkg/config"
	"github.com/marmos91/embeddedbroker/pkg/ensemble"
	"github.com/marmos91/embeddedbroker/pkg/portalloc"
)

const host = "127.0.0.1"

type fixture struct {
	ensemble *ensemble.Ensemble
	broker   *Broker
	admin    *apiclient.Client
}

func claimPorts(t *testing.T, n int) []int {
	t.Helper()
	claims := portalloc.New(host).NewClaims()
	t.Cleanup(claims.Release)

	ports := make([]int, n)
	for i := range ports {
		p, err := claims.Claim(0)
		require.NoError(t, err)
		ports[i] = p
	}
	return ports
}

func startEnsemble(t *testing.T, coordPort, storagePort int) *ensemble.Ensemble {
	t.Helper()
	root := t.TempDir()
	e, err := ensemble.New(ensemble.Config{
		Host:             host,
		CoordinationPort: coordPort,
		StoragePort:      storagePort,
		CoordinationDir:  filepath.Join(root, "coordination"),
		StorageDir:       filepath.Join(root, "storage"),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	ports := claimPorts(t, 4)
	e := startEnsemble(t, ports[0], ports[1])

	cfg := Config{
		InstanceID:             "test-instance",
		Host:                   host,
		WebPort:                ports[2],
		TCPPort:                ports[3],
		CoordinationURL:        e.CoordinationURL(),
		StorageURL:             e.StorageURL(),
		AllowAutoTopicCreation: true,
		AutoTopicCreationType:  config.TopicTypeNonPartitioned,
		DefaultPartitionCount:  1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	admin, err := apiclient.New(b.WebServiceURL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })

	return &fixture{ensemble: e, broker: b, admin: admin}
}

func (f *fixture) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.admin.Healthcheck(context.Background()) == nil
	}, 10*time.Second, 20*time.Millisecond)
}

type lineConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, b *Broker) *lineConn {
	t.Helper()
	conn, err := net.Dial("tcp", portalloc.FormatAddr(host, b.cfg.TCPPort))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &lineConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineConn) roundTrip(t *testing.T, line string) string {
	t.Helper()
	require.NoError(t, c.conn.SetDeadline(time.Now().Add(10*time.Second)))
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(t, err)
	reply, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(reply)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{
		InstanceID: "x", Host: host, WebPort: 1000, TCPPort: 1000,
		CoordinationURL: "http://127.0.0.1:1", StorageURL: "http://127.0.0.1:2",
	})
	assert.Error(t, err, "web and tcp ports must differ")
}

func TestBroker_BecomesReady(t *testing.T) {
	f := newFixture(t, nil)
	f.waitReady(t)

	status, err := f.admin.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)
	assert.True(t, status.Ready)
	assert.Equal(t, "test-instance", status.InstanceID)

	cfg, err := f.admin.BrokerConfiguration(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.AllowAutoTopicCreation)
	assert.Equal(t, "non-partitioned", cfg.AutoTopicCreationType)
	assert.Equal(t, f.broker.BrokerServiceURL(), cfg.BrokerServiceURL)
	assert.True(t, strings.HasPrefix(cfg.BrokerServiceURL, "pulsar://"))
}

func TestBroker_NotReadyWhileCoordinationUnreachable(t *testing.T) {
	ports := claimPorts(t, 2)
	f := newFixture(t, func(c *Config) {
		c.CoordinationURL = "http://" + portalloc.FormatAddr(host, ports[0])
	})

	status, err := f.admin.Status(context.Background())
	require.NoError(t, err, "liveness answers before initialization")
	assert.False(t, status.Ready)

	err = f.admin.Healthcheck(context.Background())
	var apiErr *apiclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	c := dial(t, f.broker)
	assert.Equal(t, "PONG", c.roundTrip(t, "PING"))
	assert.Equal(t, "ERR broker not ready", c.roundTrip(t, "PUBLISH t hello"))
}

func TestBroker_PublishAutoCreatesPartitionedTopic(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AutoTopicCreationType = config.TopicTypePartitioned
		c.DefaultPartitionCount = 4
	})
	f.waitReady(t)

	c := dial(t, f.broker)
	assert.Equal(t, "PONG", c.roundTrip(t, "ping"))
	assert.Equal(t, "OK 0 0", c.roundTrip(t, "PUBLISH orders hello world"))
	assert.Equal(t, "OK 1 0", c.roundTrip(t, "PUBLISH orders second"))

	topic, err := f.admin.GetTopic(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "partitioned", topic.Type)
	assert.Equal(t, 4, topic.Partitions)
	assert.True(t, topic.AutoCreated)
	assert.Equal(t, int64(2), topic.Entries)
}

func TestBroker_PublishAutoCreatesNonPartitionedTopic(t *testing.T) {
	f := newFixture(t, nil)
	f.waitReady(t)

	c := dial(t, f.broker)
	assert.Equal(t, "OK 0 0", c.roundTrip(t, "PUBLISH events a"))
	assert.Equal(t, "OK 0 1", c.roundTrip(t, "PUBLISH events b"))

	topic, err := f.admin.GetTopic(context.Background(), "events")
	require.NoError(t, err)
	assert.Equal(t, "non-partitioned", topic.Type)
	assert.Equal(t, 1, topic.Partitions)
}

func TestBroker_AutoCreationDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowAutoTopicCreation = false })
	f.waitReady(t)
	ctx := context.Background()

	c := dial(t, f.broker)
	assert.Equal(t, "ERR topic not found", c.roundTrip(t, "PUBLISH orders x"))

	_, err := f.admin.CreateTopic(ctx, "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, "OK 0 0", c.roundTrip(t, "PUBLISH orders x"))
}

func TestBroker_ProtocolErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.waitReady(t)

	c := dial(t, f.broker)
	assert.Equal(t, "ERR usage: PUBLISH <topic> <payload>", c.roundTrip(t, "PUBLISH onlytopic"))
	assert.Equal(t, "ERR invalid topic", c.roundTrip(t, "PUBLISH ../bad x"))
	assert.Equal(t, "ERR unknown command FETCH", c.roundTrip(t, "FETCH x"))
}

func TestBroker_TopicAdmin(t *testing.T) {
	f := newFixture(t, nil)
	f.waitReady(t)
	ctx := context.Background()

	created, err := f.admin.CreateTopic(ctx, "b-topic", 3)
	require.NoError(t, err)
	assert.Equal(t, "partitioned", created.Type)
	assert.False(t, created.AutoCreated)

	_, err = f.admin.CreateTopic(ctx, "a-topic", 0)
	require.NoError(t, err)

	_, err = f.admin.CreateTopic(ctx, "a-topic", 0)
	assert.True(t, apiclient.IsConflict(err))

	topics, err := f.admin.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, "a-topic", topics[0].Name)
	assert.Equal(t, "b-topic", topics[1].Name)

	require.NoError(t, f.admin.DeleteTopic(ctx, "a-topic"))
	_, err = f.admin.GetTopic(ctx, "a-topic")
	assert.True(t, apiclient.IsNotFound(err))
	assert.True(t, apiclient.IsNotFound(f.admin.DeleteTopic(ctx, "a-topic")))
}

func TestBroker_TopicsSurviveRestart(t *testing.T) {
	f := newFixture(t, nil)
	f.waitReady(t)
	ctx := context.Background()

	_, err := f.admin.CreateTopic(ctx, "durable", 2)
	require.NoError(t, err)
	require.NoError(t, f.broker.Close(ctx))

	ports := claimPorts(t, 2)
	cfg := f.broker.cfg
	cfg.WebPort, cfg.TCPPort = ports[0], ports[1]
	b2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b2.Start(ctx))
	defer func() { _ = b2.Close(ctx) }()

	admin, err := apiclient.New(b2.WebServiceURL())
	require.NoError(t, err)
	defer func() { _ = admin.Close() }()

	require.Eventually(t, func() bool { return admin.Healthcheck(ctx) == nil }, 10*time.Second, 20*time.Millisecond)
	topic, err := admin.GetTopic(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, 2, topic.Partitions)
}

func TestBroker_HealthFailsWhenLowerTierStops(t *testing.T) {
	f := newFixture(t, nil)
	f.waitReady(t)

	require.NoError(t, f.ensemble.Stop(context.Background()))
	assert.Error(t, f.admin.Healthcheck(context.Background()))
}

func TestBroker_Metrics(t *testing.T) {
	f := newFixture(t, nil)
	f.waitReady(t)

	c := dial(t, f.broker)
	assert.Equal(t, "OK 0 0", c.roundTrip(t, "PUBLISH m x"))

	resp, err := http.Get(f.broker.WebServiceURL() + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `embeddedbroker_broker_publishes_total{result="ok"} 1`)
	assert.NotContains(t, string(body), `topic="m"`)
	assert.Contains(t, string(body), "embeddedbroker_broker_topics 1")
}

func TestBroker_StartTwiceAndClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.broker.Start(ctx), ErrAlreadyStarted)

	c := dial(t, f.broker)
	require.NoError(t, f.broker.Close(ctx))
	require.NoError(t, f.broker.Close(ctx), "Close is idempotent")
	assert.ErrorIs(t, f.broker.Start(ctx), ErrClosed)

	// Open connections are closed.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err)

	for _, port := range []int{f.broker.cfg.WebPort, f.broker.cfg.TCPPort} {
		_, err := net.DialTimeout("tcp", portalloc.FormatAddr(host, port), 200*time.Millisecond)
		assert.Error(t, err, "port %d still accepting", port)
	}
}

func TestBroker_StartFailsOnBoundPort(t *testing.T) {
	ports := claimPorts(t, 4)
	ln, err := net.Listen("tcp", portalloc.FormatAddr(host, ports[3]))
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	b, err := New(Config{
		InstanceID: "x", Host: host, WebPort: ports[2], TCPPort: ports[3],
		CoordinationURL: "http://" + portalloc.FormatAddr(host, ports[0]),
		StorageURL:      "http://" + portalloc.FormatAddr(host, ports[1]),
	})
	require.NoError(t, err)
	require.Error(t, b.Start(context.Background()))

	// The web port bound before the failure is released again.
	probe, err := net.Listen("tcp", portalloc.FormatAddr(host, ports[2]))
	require.NoError(t, err)
	_ = probe.Close()
	assert.NoError(t, b.Close(context.Background()))
}
