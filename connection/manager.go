// Package connection is the Connection Manager: it owns the single
// AMQP connection a runtime instance uses, the reconnect state machine
// that watches it, and raw channel minting for the consumer and
// dispatcher packages built on top of it. It also offers generic
// declare/bind/purge/publish helpers, but the choice of which exchange,
// which queue and which bindings to use is left to those higher
// packages.
package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/busgopher/protobus/logger"
	"github.com/busgopher/protobus/protoerr"
)

// Config configures a Manager. Only URLs is required; everything else
// falls back to a sane default, mirroring how the teacher's Options
// struct applies defaults in New().
type Config struct {
	URLs []string

	ConnectionTimeout time.Duration
	Heartbeat         time.Duration

	UseTLS        bool
	TLSClientConf *tls.Config

	Backoff BackoffPolicy
}

const defaultConnectionTimeout = 30 * time.Second

func (c Config) applyDefaults() Config {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	c.Backoff = c.Backoff.applyDefaults()
	return c
}

// Manager is the Connection Manager. The zero value is not usable;
// construct with New.
type Manager struct {
	cfg Config
	log logger.Logger

	mu   sync.RWMutex
	conn *amqp.Connection

	stateMu sync.RWMutex
	state   State

	manualMu sync.Mutex
	manual   bool

	listeners listenerSet

	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchDone   chan struct{}

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// New constructs a Manager. It does not dial; call Connect.
func New(cfg Config, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:   cfg.applyDefaults(),
		log:   log,
		state: Disconnected,
	}
}

// On registers a lifecycle event listener and returns a Subscription
// that Off can later remove it by. Not safe to call concurrently with
// event emission from within a listener.
func (m *Manager) On(l Listener) Subscription { return m.listeners.add(l) }

// Off removes a previously registered listener. Safe to call more than
// once or with an already-removed Subscription (a no-op either way).
func (m *Manager) Off(sub Subscription) { m.listeners.remove(sub) }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// Connect dials the first reachable URL in cfg.URLs, then starts the
// reconnect watcher goroutine. Ctx bounds the initial dial only.
func (m *Manager) Connect(ctx context.Context) error {
	if len(m.cfg.URLs) == 0 {
		return errors.New("protobus: no broker URLs configured")
	}

	m.manualMu.Lock()
	m.manual = false
	m.manualMu.Unlock()

	m.setState(Connecting)

	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(Disconnected)
		return errors.Wrap(err, "protobus: unable to connect to broker")
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.setState(Connected)

	m.watchCtx, m.watchCancel = context.WithCancel(context.Background())
	m.watchDone = make(chan struct{})
	go m.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	return nil
}

// dial tries every configured URL in order, same fallback-through-list
// behavior the teacher's New()/reconnect() use, and applies a
// deadline-bearing net.Dial so a dead server can't stall the handshake
// forever.
func (m *Manager) dial(ctx context.Context) (*amqp.Connection, error) {
	timeout := m.cfg.ConnectionTimeout

	amqpCfg := amqp.Config{
		Heartbeat: m.cfg.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := net.DialTimeout(network, addr, timeout)
			if err != nil {
				return nil, err
			}
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
	if m.cfg.UseTLS {
		tlsConf := m.cfg.TLSClientConf
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		amqpCfg.TLSClientConfig = tlsConf
	}

	var lastErr error
	for _, url := range m.cfg.URLs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, err := amqp.DialConfig(url, amqpCfg)
		if err == nil {
			m.log.Info("connected to broker", "url", url)
			return conn, nil
		}
		m.log.Warn("could not connect to broker", "url", url, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// Disconnect is a deliberate shutdown: the watcher is stopped and no
// reconnect is attempted afterward, distinguishing it from a broker-
// initiated close that the watcher would otherwise retry.
func (m *Manager) Disconnect() error {
	m.manualMu.Lock()
	m.manual = true
	m.manualMu.Unlock()

	if m.watchCancel != nil {
		m.watchCancel()
	}

	m.pubMu.Lock()
	if m.pubCh != nil {
		_ = m.pubCh.Close()
		m.pubCh = nil
	}
	m.pubMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.setState(Disconnected)

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("protobus: closing broker connection: %w", err)
	}
	return nil
}

func (m *Manager) isManual() bool {
	m.manualMu.Lock()
	defer m.manualMu.Unlock()
	return m.manual
}

// watch is the reconnect state machine: Connected -> (close notified)
// -> Reconnecting -> Connected, with exponential backoff and jitter
// between attempts, bounded by cfg.Backoff.MaxRetries. A manual
// Disconnect() stops the watcher without attempting to reconnect.
func (m *Manager) watch(closeCh chan *amqp.Error) {
	defer close(m.watchDone)

	select {
	case closeErr, ok := <-closeCh:
		if !ok || m.isManual() {
			return
		}
		m.log.Warn("broker connection closed, reconnecting", "error", closeErr)
		m.listeners.emit(Event{Kind: EventDisconnected, Err: errOf(closeErr)})
	case <-m.watchCtx.Done():
		return
	}

	attempt := 0
	for {
		if m.cfg.Backoff.exhausted(attempt) {
			err := protoerr.ErrReconnectionExhausted
			m.log.Error("reconnect attempts exhausted", "attempts", attempt)
			m.listeners.emit(Event{Kind: EventError, Err: err})
			m.setState(Disconnected)
			return
		}

		delay := m.cfg.Backoff.delay(attempt)
		m.setState(Reconnecting)
		m.listeners.emit(Event{Kind: EventReconnecting, Attempt: attempt + 1})

		select {
		case <-time.After(delay):
		case <-m.watchCtx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectionTimeout)
		conn, err := m.dial(ctx)
		cancel()
		attempt++
		if err != nil {
			m.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.setState(Connected)
		m.listeners.emit(Event{Kind: EventReconnected})

		m.watchCtx, m.watchCancel = context.WithCancel(context.Background())
		m.watchDone = make(chan struct{})
		go m.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
		return
	}
}

func errOf(e *amqp.Error) error {
	if e == nil {
		return nil
	}
	return e
}

// Channel opens a fresh AMQP channel on the current connection. Each
// caller owns the channel it gets back and is responsible for closing
// it; callers that need to survive a reconnect (consumers, the
// dispatcher's publisher) must re-open after an EventReconnected.
func (m *Manager) Channel() (*amqp.Channel, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, protoerr.ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "protobus: opening channel")
	}
	return ch, nil
}

// publishChannel returns the shared channel used by Publish, opening
// (or re-opening, after a reconnect invalidated it) one as needed.
func (m *Manager) publishChannel() (*amqp.Channel, error) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	if m.pubCh != nil && !m.pubCh.IsClosed() {
		return m.pubCh, nil
	}
	ch, err := m.Channel()
	if err != nil {
		return nil, err
	}
	m.pubCh = ch
	return ch, nil
}

// DeclareExchange declares exchange kind (topic/direct/fanout) on a
// short-lived channel.
func (m *Manager) DeclareExchange(name, kind string, durable, autoDelete bool) error {
	ch, err := m.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.ExchangeDeclare(name, kind, durable, autoDelete, false, false, nil)
}

// DeclareQueue declares a queue on a short-lived channel and returns
// its server-assigned name (relevant for anonymous/auto-generated
// queue names used by the Reply Consumer).
func (m *Manager) DeclareQueue(name string, durable, autoDelete, exclusive bool, args amqp.Table) (amqp.Queue, error) {
	ch, err := m.Channel()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer ch.Close()
	return ch.QueueDeclare(name, durable, autoDelete, exclusive, false, args)
}

// BindQueue binds queue to exchange under routingKey.
func (m *Manager) BindQueue(queue, routingKey, exchange string, args amqp.Table) error {
	ch, err := m.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.QueueBind(queue, routingKey, exchange, false, args)
}

// PurgeQueue removes all ready messages from queue and returns the
// count purged.
func (m *Manager) PurgeQueue(queue string) (int, error) {
	ch, err := m.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()
	return ch.QueuePurge(queue, false)
}

// Publish publishes one message to exchange under routingKey using a
// shared, reconnect-aware channel — the common path for the RPC and
// Event Dispatchers, which publish far more often than they declare
// topology.
func (m *Manager) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if m.State() != Connected {
		return protoerr.ErrNotConnected
	}
	ch, err := m.publishChannel()
	if err != nil {
		return err
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return errors.Wrap(err, "protobus: publish failed")
	}
	return nil
}

// Close is an alias for Disconnect, for callers that prefer io.Closer
// naming.
func (m *Manager) Close() error { return m.Disconnect() }
