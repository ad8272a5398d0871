package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttvault/internal/domain"
	"mqttvault/internal/metric"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	open       bool
	subscribed map[string]byte
}

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return newFakeToken(c.connectErr)
	}
	c.open = true
	return newFakeToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	c.subscribed = filters
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }
func (c *fakeClient) Publish(string, byte, bool, interface{}) pahomqtt.Token {
	return newFakeToken(nil)
}
func (c *fakeClient) Subscribe(string, byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return newFakeToken(nil)
}
func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token       { return newFakeToken(nil) }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler)   {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

type fakeIngestor struct {
	mu     sync.Mutex
	topics []string
	raws   [][]byte
	stamps []float64
}

func (f *fakeIngestor) Ingest(_ context.Context, topic string, raw []byte, ts float64) (domain.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.raws = append(f.raws, raw)
	f.stamps = append(f.stamps, ts)
	return domain.IngestResult{Decision: domain.DecisionStore}, nil
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestManager(t *testing.T, cfg Config, ingestor Ingestor) *Manager {
	t.Helper()
	m, err := NewManager(cfg, ingestor, metric.NewMetrics())
	require.NoError(t, err)
	return m
}

func fastConfig() Config {
	return Config{
		Enabled:        true,
		Broker:         "broker.local",
		RetryBase:      time.Millisecond,
		RetryMax:       8 * time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
	}
}

func TestConfigDefaults(t *testing.T) {
	m := newTestManager(t, Config{Enabled: true, Broker: "b"}, &fakeIngestor{})
	assert.Equal(t, 1883, m.cfg.Port)
	assert.Equal(t, []string{"#"}, m.cfg.Topics)
	assert.Equal(t, 2*time.Second, m.cfg.RetryBase)
	assert.Equal(t, 60*time.Second, m.cfg.RetryMax)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled skips checks", Config{}, true},
		{"missing broker", Config{Enabled: true}, false},
		{"bad port", Config{Enabled: true, Broker: "b", Port: 70000}, false},
		{"max below base", Config{Enabled: true, Broker: "b", Port: 1883, RetryBase: time.Minute, RetryMax: time.Second}, false},
		{"valid", Config{Enabled: true, Broker: "b", Port: 1883, RetryBase: time.Second, RetryMax: time.Minute}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNextDelayDoublesToCeiling(t *testing.T) {
	max := 60 * time.Second
	delay := 2 * time.Second
	var got []time.Duration
	for i := 0; i < 7; i++ {
		delay = nextDelay(delay, max)
		got = append(got, delay)
	}
	want := []time.Duration{
		4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
		60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestUniformJitterBounds(t *testing.T) {
	base := 2 * time.Second
	for i := 0; i < 200; i++ {
		j := uniformJitter(base)
		if j < base || j >= base+base/4+time.Millisecond {
			t.Fatalf("jitter out of bounds: %s", j)
		}
	}
}

func TestRunBackoffDelaysAreNonDecreasingAndCapped(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("refused")}
	m := newTestManager(t, fastConfig(), &fakeIngestor{})
	m.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return client }

	var mu sync.Mutex
	var delays []time.Duration
	done := make(chan struct{})
	m.jitter = func(d time.Duration) time.Duration {
		mu.Lock()
		delays = append(delays, d)
		if len(delays) == 6 {
			close(done)
		}
		mu.Unlock()
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retries")
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("delay regressed: %v", delays)
		}
		if delays[i] > m.cfg.RetryMax {
			t.Fatalf("delay above ceiling: %v", delays)
		}
	}

	status := m.Snapshot()
	assert.False(t, status.Connected)
	assert.Contains(t, status.LastError, "refused")
	assert.GreaterOrEqual(t, status.RetryCount, 6)
}

func TestRunConnectsAndPublishesStatus(t *testing.T) {
	client := &fakeClient{}
	cfg := fastConfig()
	cfg.Topics = []string{"sensors/#", "power/#"}
	m := newTestManager(t, cfg, &fakeIngestor{})
	m.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client { return client }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().Connected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	status := m.Snapshot()
	require.True(t, status.Connected)
	assert.Empty(t, status.LastError)
	assert.Zero(t, status.RetryCount)

	client.mu.Lock()
	filters := client.subscribed
	client.mu.Unlock()
	assert.Equal(t, map[string]byte{"sensors/#": 0, "power/#": 0}, filters)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, m.Snapshot().Connected)
}

func TestRunReconnectsAfterConnectionLost(t *testing.T) {
	var mu sync.Mutex
	connects := 0
	m := newTestManager(t, fastConfig(), &fakeIngestor{})
	m.jitter = func(time.Duration) time.Duration { return 0 }
	m.newClient = func(*pahomqtt.ClientOptions) pahomqtt.Client {
		mu.Lock()
		connects++
		mu.Unlock()
		return &fakeClient{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().Connected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, m.Snapshot().Connected)

	m.lost <- errors.New("broker went away")

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := connects
		mu.Unlock()
		if n >= 2 && m.Snapshot().Connected {
			cancel()
			require.ErrorIs(t, <-errCh, context.Canceled)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("manager did not reconnect")
}

func TestHandleMessageStampsAtReceipt(t *testing.T) {
	ingestor := &fakeIngestor{}
	m := newTestManager(t, fastConfig(), ingestor)
	fixed := time.Unix(1700000000, 250_000_000)
	m.now = func() time.Time { return fixed }

	m.handleMessage(nil, &fakeMessage{topic: "sensors/x", payload: []byte("23.5")})

	ingestor.mu.Lock()
	defer ingestor.mu.Unlock()
	require.Len(t, ingestor.topics, 1)
	assert.Equal(t, "sensors/x", ingestor.topics[0])
	assert.Equal(t, []byte("23.5"), ingestor.raws[0])
	assert.InDelta(t, 1700000000.25, ingestor.stamps[0], 1e-6)
}
