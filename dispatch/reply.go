package dispatch

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/consumer"
	"github.com/busgopher/protobus/logger"
)

// ReplyConsumer is the Reply Consumer (spec.md §4.7): it owns one
// anonymous, exclusive, auto-delete queue per process, bound to the
// callbacks exchange under its own queue name, and feeds every
// delivery back into the RPC Dispatcher's pending-call table by
// correlation id.
//
// The queue is declared through the Base Consumer like any other
// consumer, which means it also rides the Base Consumer's reconnect
// handling: a fresh anonymous name is assigned every time the broker
// loses the connection, and onQueueReady pushes that new name into the
// RPC Dispatcher's replyTo so in-flight and future calls keep using a
// queue that actually still exists.
type ReplyConsumer struct {
	base *consumer.Base
	mgr  *connection.Manager
	cc   *codec.Codec
	rpc  *RPC
	log  logger.Logger
}

// NewReplyConsumer wires a Base Consumer over an anonymous, exclusive,
// auto-delete queue bound to callbacksExchange (a direct exchange)
// under its own broker-assigned name, draining every delivery into
// rpc. A Service Host replies by publishing to callbacksExchange under
// the reply queue's current name as routing key.
func NewReplyConsumer(mgr *connection.Manager, cc *codec.Codec, rpc *RPC, log logger.Logger, callbacksExchange string) (*ReplyConsumer, error) {
	if log == nil {
		log = logger.Default()
	}

	rc := &ReplyConsumer{mgr: mgr, cc: cc, rpc: rpc, log: log}
	rc.base = consumer.New(mgr, log, consumer.Config{
		Topology: consumer.Topology{
			Exchange:     callbacksExchange,
			ExchangeKind: "direct",
			Durable:      true,
			Exclusive:    true,
			AutoDelete:   true,
		},
		AckMode:      consumer.EarlyAck,
		Handler:      rc.handle,
		OnQueueReady: rpc.SetReplyTo,
	})
	if err := rc.base.Init(); err != nil {
		return nil, err
	}
	return rc, nil
}

// QueueName is the broker-assigned name currently used as `reply_to`
// on outgoing requests.
func (rc *ReplyConsumer) QueueName() string { return rc.base.EffectiveQueue() }

// Start begins consuming. The reply queue is already declared (by
// NewReplyConsumer), so Init is skipped.
func (rc *ReplyConsumer) Start(ctx context.Context) error { return rc.base.Start(ctx) }

// Close stops consuming.
func (rc *ReplyConsumer) Close() error { return rc.base.Close() }

func (rc *ReplyConsumer) handle(_ context.Context, d amqp.Delivery) error {
	method, ok := rc.rpc.MethodFor(d.CorrelationId)
	if !ok {
		rc.log.Warn("reply for unknown or expired correlation id", "correlation_id", d.CorrelationId)
		return nil
	}
	resp, err := rc.cc.DecodeResponse(method, d.Body)
	if err != nil {
		rc.log.Error("failed to decode rpc response", "correlation_id", d.CorrelationId, "error", err)
		return nil
	}
	rc.rpc.Resolve(d.CorrelationId, resp)
	return nil
}
