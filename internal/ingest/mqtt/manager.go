// Package mqtt owns the single subscriber connection to the broker.
// Reconnection is managed here, not by the client library: the manager
// runs a DISCONNECTED -> CONNECTING -> CONNECTED state machine with
// exponential backoff and jitter, and publishes a status snapshot
// after every transition.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mqttvault/internal/domain"
	"mqttvault/internal/logging"
	"mqttvault/internal/metric"
)

const pollInterval = time.Second

type Config struct {
	Enabled        bool
	Broker         string
	Port           int
	Topics         []string
	Username       string
	Password       string
	ClientID       string
	RetryBase      time.Duration
	RetryMax       time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Port == 0 {
		c.Port = 1883
	}
	if len(c.Topics) == 0 {
		c.Topics = []string{"#"}
	}
	if c.ClientID == "" {
		c.ClientID = "mqttvault"
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Broker) == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("mqtt port out of range: %d", c.Port)
	}
	if c.RetryMax < c.RetryBase {
		return fmt.Errorf("mqtt retry_max must be >= retry_base")
	}
	return nil
}

// Ingestor handles one received event.
type Ingestor interface {
	Ingest(ctx context.Context, topic string, raw []byte, ts float64) (domain.IngestResult, error)
}

type Manager struct {
	cfg      Config
	ingestor Ingestor
	metrics  *metric.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	status domain.ConnStatus
	runCtx context.Context

	lost chan error

	newClient func(opts *pahomqtt.ClientOptions) pahomqtt.Client
	now       func() time.Time
	jitter    func(delay time.Duration) time.Duration
}

func NewManager(cfg Config, ingestor Ingestor, metrics *metric.Metrics) (*Manager, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	return &Manager{
		cfg:       cfg,
		ingestor:  ingestor,
		metrics:   metrics,
		log:       logging.Component("mqtt"),
		lost:      make(chan error, 1),
		newClient: pahomqtt.NewClient,
		now:       time.Now,
		jitter:    uniformJitter,
	}, nil
}

// uniformJitter adds up to 25% random spread so multiple instances do
// not reconnect in lockstep.
func uniformJitter(delay time.Duration) time.Duration {
	return delay + time.Duration(rand.Float64()*0.25*float64(delay))
}

// Snapshot returns a copy of the current connection status. Safe for
// concurrent use; the returned value is never mutated afterwards.
func (m *Manager) Snapshot() domain.ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(fn func(*domain.ConnStatus)) {
	m.mu.Lock()
	fn(&m.status)
	m.mu.Unlock()
}

// Run drives the connection state machine until ctx is cancelled. It
// is the connection's single writer; everything else reads Snapshot.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	delay := m.cfg.RetryBase
	wasConnected := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.metrics.ConnectAttempts.Inc()
		m.setStatus(func(s *domain.ConnStatus) {
			s.Connected = false
			s.LastAttempt = m.now()
		})
		m.log.Info("connecting", "broker", m.cfg.Broker, "port", m.cfg.Port)

		client, err := m.connect()
		if err != nil {
			m.metrics.ConnectFailures.Inc()
			wait := m.jitter(delay)
			m.setStatus(func(s *domain.ConnStatus) {
				s.LastError = err.Error()
				s.RetryCount++
				s.NextRetry = m.now().Add(wait)
			})
			m.log.Warn("connect failed", "error", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			delay = nextDelay(delay, m.cfg.RetryMax)
			continue
		}

		if wasConnected {
			m.metrics.BrokerReconnects.Inc()
		}
		wasConnected = true
		delay = m.cfg.RetryBase
		m.metrics.BrokerConnected.Set(1)
		m.setStatus(func(s *domain.ConnStatus) {
			s.Connected = true
			s.LastError = ""
			s.RetryCount = 0
			s.NextRetry = time.Time{}
		})
		m.log.Info("connected", "topics", m.cfg.Topics)

		watchErr := m.watch(ctx, client)
		client.Disconnect(250)
		m.metrics.BrokerConnected.Set(0)
		if errors.Is(watchErr, context.Canceled) || ctx.Err() != nil {
			m.setStatus(func(s *domain.ConnStatus) { s.Connected = false })
			return ctx.Err()
		}
		m.setStatus(func(s *domain.ConnStatus) {
			s.Connected = false
			s.LastError = watchErr.Error()
		})
		m.log.Warn("connection lost", "error", watchErr)
	}
}

func (m *Manager) connect() (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", m.cfg.Broker, m.cfg.Port)).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(30 * time.Second).
		SetDefaultPublishHandler(m.handleMessage).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			select {
			case m.lost <- err:
			default:
			}
		})
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	// Drop any stale signal from the previous connection.
	select {
	case <-m.lost:
	default:
	}

	client := m.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s:%d timed out after %s", m.cfg.Broker, m.cfg.Port, m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", m.cfg.Broker, m.cfg.Port, err)
	}

	filters := make(map[string]byte, len(m.cfg.Topics))
	for _, t := range m.cfg.Topics {
		filters[t] = 0
	}
	sub := client.SubscribeMultiple(filters, nil)
	if !sub.WaitTimeout(m.cfg.ConnectTimeout) {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe timed out after %s", m.cfg.ConnectTimeout)
	}
	if err := sub.Error(); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return client, nil
}

// watch blocks until the connection drops or ctx is cancelled. The
// poll tick bounds how long shutdown can lag behind cancellation.
func (m *Manager) watch(ctx context.Context, client pahomqtt.Client) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.lost:
			if err == nil {
				err = errors.New("connection lost")
			}
			return err
		case <-ticker.C:
			if !client.IsConnectionOpen() {
				return errors.New("connection closed")
			}
		}
	}
}

// handleMessage runs on the client's router goroutine. The timestamp
// is captured here, at receipt, not taken from the transport.
func (m *Manager) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	ts := float64(m.now().UnixNano()) / 1e9

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := m.ingestor.Ingest(ctx, msg.Topic(), msg.Payload(), ts); err != nil {
		m.log.Error("ingest failed", "topic", msg.Topic(), "error", err)
	}
}

func nextDelay(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		return max
	}
	return delay
}

// sleepCtx waits for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
