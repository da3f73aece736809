package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/logger"
	"github.com/busgopher/protobus/protoerr"
)

// ContentType is set on every message this runtime publishes, per the
// fixed wire contract — handlers never need to branch on it.
const ContentType = "application/octet-stream"

// AckMode controls when a delivery's Ack is sent relative to Handler
// running.
type AckMode int

const (
	// LateAck (the default) acks only after Handler returns, so a
	// crash mid-processing leaves the message unacked and therefore
	// redelivered.
	LateAck AckMode = iota
	// EarlyAck acks immediately on receipt, before Handler runs —
	// appropriate for at-most-once delivery where retry-on-crash is
	// explicitly unwanted (spec.md's Non-goals exclude exactly-once
	// delivery; EarlyAck is how a caller opts further out of
	// redelivery-on-crash too).
	EarlyAck
)

// HandlerFunc processes one delivery. Returning nil means "handled,
// ack it" — including the case where the handler itself produced a
// business/application-level error response, since that is a
// successful transport outcome. Returning a non-nil error means
// something failed in a way the transport must react to: a
// *protoerr.HandledError routes straight to the dead-letter queue
// (never retried); any other error goes through RetryPolicy first.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

// Topology describes the exchange/queue/bindings a Base Consumer
// declares and consumes from.
type Topology struct {
	Exchange     string
	ExchangeKind string // "topic", "direct", or "fanout"
	Durable      bool

	Queue      string
	AutoDelete bool
	Exclusive  bool

	BindingKeys []string

	Prefetch int
}

func (t Topology) retryQueueName() string { return t.Queue + ".Retry" }
func (t Topology) dlqName() string        { return t.Queue + ".DLQ" }

// Base is the Base Consumer (spec.md §4.4): init/start/close lifecycle,
// bounded concurrency via prefetch, and the shared retry-then-dead-
// letter decision the RPC, Event, and Reply consumers build on.
//
// Lifecycle tracks spec.md §4.4 exactly: constructed idle -> Init
// (exchange+queue declared, bindings applied) -> Start (consumer tag
// active) -> on EventDisconnected, the channel and consumer tag are
// dropped but the Topology (bindings included) is retained -> on
// EventReconnected, Init and (if it was running) Start are replayed
// against the new connection -> Close cancels the tag, releases the
// channel, and drops the retained state for good.
type Base struct {
	mgr     *connection.Manager
	log     logger.Logger
	topo    Topology
	retry   RetryPolicy
	timeout time.Duration
	handler HandlerFunc
	ackMode AckMode

	// anonymous is true for server-named queues (Topology.Queue == "",
	// spec.md §3's "empty string denotes anonymous/server-named"); such
	// queues get a new actual name on every reconnect, and never get a
	// retry/DLQ pair (those are a <ServiceName>-scoped topology that
	// only makes sense for a named, durable queue).
	anonymous bool

	mu          sync.Mutex
	actualQueue string // "configured" name, or the server-assigned one
	ch          *amqp.Channel
	cancel      context.CancelFunc
	done        chan struct{}
	running     bool // Start has been called and Close has not
	startCtx    context.Context
	sub         connection.Subscription

	// onQueueReady, if set, is invoked with the actual queue name after
	// every (re)declare — the Reply Consumer uses this to push its new
	// anonymous queue name back into the RPC Dispatcher's reply-to.
	onQueueReady func(name string)
}

// Config bundles the parameters New needs.
type Config struct {
	Topology          Topology
	Retry             RetryPolicy
	ProcessingTimeout time.Duration
	AckMode           AckMode
	Handler           HandlerFunc

	// OnQueueReady, if set, fires with the actual (possibly server-
	// assigned) queue name after Init and after every reconnect-driven
	// re-Init.
	OnQueueReady func(name string)
}

// New constructs a Base Consumer and registers it for the Connection
// Manager's reconnect lifecycle. Call Init once, then Start.
func New(mgr *connection.Manager, log logger.Logger, cfg Config) *Base {
	if log == nil {
		log = logger.Default()
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 600 * time.Second
	}
	b := &Base{
		mgr:          mgr,
		log:          log,
		topo:         cfg.Topology,
		retry:        cfg.Retry.applyDefaults(),
		timeout:      cfg.ProcessingTimeout,
		handler:      cfg.Handler,
		ackMode:      cfg.AckMode,
		anonymous:    cfg.Topology.Queue == "",
		onQueueReady: cfg.OnQueueReady,
	}
	b.sub = mgr.On(b.onConnectionEvent)
	return b
}

// wantsRetry reports whether this consumer gets a retry/DLQ pair.
// Anonymous (server-named) queues never do: spec.md's retry topology
// is keyed by <ServiceName>, and the Reply Consumer's short-lived
// exclusive queue has no such name.
func (b *Base) wantsRetry() bool { return !b.anonymous }

// onConnectionEvent implements the reconnect half of spec.md §4.4:
// "on connection loss: channel state invalidated, bindings retained;
// on reconnect: re-initialise, re-bind from retained list, resume if
// previously started."
func (b *Base) onConnectionEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventDisconnected:
		b.mu.Lock()
		cancel := b.cancel
		b.ch = nil
		b.cancel = nil
		b.done = nil
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case connection.EventReconnected:
		b.mu.Lock()
		wasRunning := b.running
		ctx := b.startCtx
		b.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := b.Init(); err != nil {
			b.log.Error("failed to re-initialize consumer after reconnect", "queue", b.topo.Queue, "error", err)
			return
		}
		if wasRunning {
			if err := b.startLocked(ctx); err != nil {
				b.log.Error("failed to resume consuming after reconnect", "queue", b.topo.Queue, "error", err)
				return
			}
		}
		b.log.Info("consumer resumed after reconnect", "queue", b.EffectiveQueue())
	}
}

// EffectiveQueue returns the queue name currently in effect — the
// configured name for a named queue, or the broker's latest
// server-assigned name for an anonymous one.
func (b *Base) EffectiveQueue() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actualQueue
}

// Init declares the exchange, main queue, bindings, retry queue, and
// dead-letter queue. Idempotent: safe to call again after a reconnect.
//
// The retry queue carries a fixed x-message-ttl (the service's
// RetryDelayMs) and dead-letters back into the main exchange once a
// message expires there, addressed by the main queue's own literal
// name. A self-binding on the main queue (key == queue name) makes
// that redelivery land regardless of which topic pattern the message
// originally matched — the true original routing key survives
// separately in the x-original-routing-key header (and, for events,
// in the decoded envelope's own Topic field).
func (b *Base) Init() error {
	if b.topo.ExchangeKind == "" {
		b.topo.ExchangeKind = "topic"
	}
	if err := b.mgr.DeclareExchange(b.topo.Exchange, b.topo.ExchangeKind, b.topo.Durable, false); err != nil {
		return errors.Wrap(err, "protobus: declaring exchange")
	}
	q, err := b.mgr.DeclareQueue(b.topo.Queue, b.topo.Durable, b.topo.AutoDelete, b.topo.Exclusive, nil)
	if err != nil {
		return errors.Wrap(err, "protobus: declaring queue")
	}
	// Anonymous queues get a fresh server-assigned name every time this
	// runs (including after a reconnect); named queues always get their
	// configured name back unchanged.
	b.mu.Lock()
	b.actualQueue = q.Name
	b.mu.Unlock()

	for _, key := range b.topo.BindingKeys {
		if err := b.mgr.BindQueue(q.Name, key, b.topo.Exchange, nil); err != nil {
			return errors.Wrapf(err, "protobus: binding queue to %q", key)
		}
	}

	// spec.md §4.4: "if the exchange is direct, bind the queue to
	// itself using the queue name" — this is how the Reply Consumer's
	// anonymous queue (freshly named on every Init, including after a
	// reconnect) stays reachable under its own name as a `replyTo`
	// routing key, with no BindingKeys configured at all.
	if b.topo.ExchangeKind == "direct" {
		if err := b.mgr.BindQueue(q.Name, q.Name, b.topo.Exchange, nil); err != nil {
			return errors.Wrap(err, "protobus: self-binding queue on direct exchange")
		}
	}

	if b.wantsRetry() {
		if err := b.mgr.BindQueue(q.Name, q.Name, b.topo.Exchange, nil); err != nil {
			return errors.Wrap(err, "protobus: self-binding queue for retry redelivery")
		}
		retryArgs := amqp.Table{
			"x-message-ttl":             b.retry.RetryDelayMs,
			"x-dead-letter-exchange":    b.topo.Exchange,
			"x-dead-letter-routing-key": q.Name,
		}
		if _, err := b.mgr.DeclareQueue(b.topo.retryQueueName(), true, false, false, retryArgs); err != nil {
			return errors.Wrap(err, "protobus: declaring retry queue")
		}
		if _, err := b.mgr.DeclareQueue(b.topo.dlqName(), true, false, false, nil); err != nil {
			return errors.Wrap(err, "protobus: declaring dead-letter queue")
		}
	}

	if b.onQueueReady != nil {
		b.onQueueReady(q.Name)
	}
	return nil
}

// Start opens a consuming channel and begins processing deliveries in
// a background goroutine. Call Close to stop. Safe to call again after
// a reconnect has torn down the previous channel (the Connection
// Manager event handler does exactly that).
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	b.startCtx = ctx
	b.mu.Unlock()
	return b.startLocked(ctx)
}

// startLocked performs the actual channel-open/consume, used both by
// the public Start and by the reconnect handler resuming a consumer
// that was running before the disconnect.
func (b *Base) startLocked(ctx context.Context) error {
	queue := b.EffectiveQueue()
	if queue == "" {
		queue = b.topo.Queue
	}

	ch, err := b.mgr.Channel()
	if err != nil {
		return err
	}
	if b.topo.Prefetch > 0 {
		if err := ch.Qos(b.topo.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return errors.Wrap(err, "protobus: setting qos")
		}
	}
	deliveries, err := ch.Consume(queue, "", b.ackMode == EarlyAck, b.topo.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return errors.Wrap(err, "protobus: starting consume")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	b.mu.Lock()
	b.ch = ch
	b.cancel = cancel
	b.done = done
	b.running = true
	b.mu.Unlock()

	go b.loop(loopCtx, deliveries, done)
	return nil
}

// Close deregisters this consumer from the Connection Manager's
// reconnect lifecycle, stops consuming, and closes the channel,
// waiting for any in-flight delivery to finish processing.
func (b *Base) Close() error {
	b.mgr.Off(b.sub)

	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	ch := b.ch
	b.running = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if ch != nil {
		return ch.Close()
	}
	return nil
}

func (b *Base) loop(ctx context.Context, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.process(ctx, d)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Base) process(parent context.Context, d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	err := b.handler(ctx, d)

	if b.ackMode == EarlyAck {
		if err != nil {
			b.log.Error("handler error after early ack", "routing_key", d.RoutingKey, "error", err)
		}
		return
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			b.log.Error("ack failed", "routing_key", d.RoutingKey, "error", ackErr)
		}
		return
	}

	if ctx.Err() != nil {
		err = protoerr.ErrTimeout
	}

	b.reject(d, err)
}

// reject routes a failed delivery to the retry queue — whose static
// TTL drives the actual delay, not anything computed here — or, once
// the retry budget is spent or the failure is a *protoerr.HandledError,
// to the dead-letter queue. Once that publish succeeds the original
// delivery is acked, since it has been durably re-homed. If the publish
// fails, the delivery is nacked instead: with requeue on the retry
// path, without requeue on the dead-letter path.
func (b *Base) reject(d amqp.Delivery, cause error) {
	now := time.Now()
	attempt := retryCount(d.Headers)

	if !protoerr.IsHandled(cause) && b.retry.shouldRetry(attempt) {
		headers := withRetryHeaders(d.Headers, originalRoutingKey(d), attempt+1, cause.Error(), now)
		pub := amqp.Publishing{
			ContentType:  ContentType,
			Body:         d.Body,
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
		}
		if err := b.mgr.Publish(context.Background(), "", b.topo.retryQueueName(), pub); err != nil {
			b.log.Error("failed to publish to retry queue, nacking with requeue", "error", err)
			_ = d.Nack(false, true)
			return
		}
		b.log.Warn("message failed, scheduled for retry", "routing_key", d.RoutingKey, "attempt", attempt+1, "error", cause)
		_ = d.Ack(false)
		return
	}

	headers := withDLQHeaders(d.Headers, b.topo.Queue, cause.Error(), now)
	pub := amqp.Publishing{
		ContentType:  ContentType,
		Body:         d.Body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
	}
	if err := b.mgr.Publish(context.Background(), "", b.topo.dlqName(), pub); err != nil {
		b.log.Error("failed to publish to dead-letter queue, nacking without requeue", "error", err)
		_ = d.Nack(false, false)
		return
	}
	b.log.Error("message dead-lettered", "routing_key", d.RoutingKey, "attempts", attempt, "error", cause)
	_ = d.Ack(false)
}
