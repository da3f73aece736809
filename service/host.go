// Package service implements the Service Host and Service Proxy
// (spec.md §4.10/§4.11): the Host wires registered method and event
// handlers into the consumer/dispatch layer under a schema-driven
// method table; the Proxy is the typed client half built on the same
// dispatcher.
package service

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/config"
	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/consumer"
	"github.com/busgopher/protobus/logger"
	"github.com/busgopher/protobus/protoerr"
	"github.com/busgopher/protobus/router"
)

// MethodHandler implements one RPC method. actor carries the caller
// identity from the request envelope (spec.md §3's RequestContainer
// actor field); returning a *protoerr.HandledError encodes as a
// business-level error reply (never retried); any other error is
// treated as an infrastructure failure and routed through the Base
// Consumer's retry/dead-letter policy instead of replied to.
type MethodHandler func(ctx context.Context, actor string, payload codec.Record) (codec.Record, error)

// EventHandler reacts to an event delivered on a subscribed topic.
// Unlike a MethodHandler it has no reply to produce.
type EventHandler func(ctx context.Context, topic string, payload codec.Record) error

// Host is the Service Host: it binds a named service's methods and
// event subscriptions to the broker and dispatches inbound deliveries
// against a user-supplied handler table.
type Host struct {
	name string
	cc   *codec.Codec
	mgr  *connection.Manager
	cfg  config.Bus
	log  logger.Logger

	methods map[string]MethodHandler
	events  *router.Trie

	rpcBase   *consumer.Base
	eventBase *consumer.Base

	maxConcurrent int
	retry         consumer.RetryPolicy
}

// NewHost constructs a Service Host named name (used as the RPC queue
// name and as the event queue name's prefix). Call SetMaxConcurrent and
// SetRetry (spec.md §6's per-service { maxConcurrent?, retry? } options)
// before Init if the defaults (prefetch 32, DefaultRetryPolicy) aren't
// what the service wants.
func NewHost(name string, cc *codec.Codec, mgr *connection.Manager, cfg config.Bus, log logger.Logger) *Host {
	if log == nil {
		log = logger.Default()
	}
	return &Host{
		name:          name,
		cc:            cc,
		mgr:           mgr,
		cfg:           cfg,
		log:           log,
		methods:       make(map[string]MethodHandler),
		events:        router.New(),
		maxConcurrent: 32,
		retry:         consumer.DefaultRetryPolicy(),
	}
}

// SetMaxConcurrent bounds in-flight deliveries on both the RPC and
// event consumers this host declares (spec.md §6's maxConcurrent,
// implemented as AMQP prefetch per spec.md §5's bounded-concurrency
// invariant). Must be called before Init; n must be >= 1.
func (h *Host) SetMaxConcurrent(n int) {
	if n >= 1 {
		h.maxConcurrent = n
	}
}

// SetRetry overrides the retry/DLQ policy (spec.md §6's RetryOptions)
// applied to both consumers this host declares. Must be called before
// Init.
func (h *Host) SetRetry(p consumer.RetryPolicy) {
	h.retry = p
}

// HandleMethod registers handler for method (its fully-qualified
// "Service.method" name, which must match the compiled schema).
func (h *Host) HandleMethod(method string, handler MethodHandler) {
	h.methods[method] = handler
}

// Subscribe registers handler for every event topic matching pattern
// (spec.md §4's trie-matched wildcard patterns: "*" and "#").
func (h *Host) Subscribe(pattern string, handler EventHandler) {
	h.events.Insert(pattern, router.NewHandle(handler))
}

// Init declares the RPC and event queues/bindings for every method and
// pattern registered so far. Call after all HandleMethod/Subscribe
// calls, before Start.
func (h *Host) Init() error {
	if len(h.methods) > 0 {
		h.rpcBase = consumer.New(h.mgr, h.log, consumer.Config{
			Topology: consumer.Topology{
				Exchange:     h.cfg.MainExchange,
				ExchangeKind: "topic",
				Durable:      true,
				Queue:        h.name,
				BindingKeys:  []string{fmt.Sprintf("REQUEST.%s.*", h.name)},
				Prefetch:     h.maxConcurrent,
			},
			Retry:             h.retry,
			ProcessingTimeout: h.cfg.ProcessingTimeout,
			AckMode:           consumer.LateAck,
			Handler:           h.handleRequest,
		})
		if err := h.rpcBase.Init(); err != nil {
			return err
		}
	}

	patterns := h.events.Patterns()
	if len(patterns) > 0 {
		h.eventBase = consumer.New(h.mgr, h.log, consumer.Config{
			Topology: consumer.Topology{
				Exchange:     h.cfg.EventsExchange,
				ExchangeKind: "topic",
				Durable:      true,
				Queue:        h.name + ".events",
				BindingKeys:  patterns,
				Prefetch:     h.maxConcurrent,
			},
			Retry:             h.retry,
			ProcessingTimeout: h.cfg.ProcessingTimeout,
			AckMode:           consumer.LateAck,
			Handler:           h.handleEvent,
		})
		if err := h.eventBase.Init(); err != nil {
			return err
		}
	}
	return nil
}

// Start begins consuming on every queue Init declared.
func (h *Host) Start(ctx context.Context) error {
	if h.rpcBase != nil {
		if err := h.rpcBase.Start(ctx); err != nil {
			return err
		}
	}
	if h.eventBase != nil {
		if err := h.eventBase.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops both consumers.
func (h *Host) Close() error {
	var firstErr error
	if h.rpcBase != nil {
		if err := h.rpcBase.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.eventBase != nil {
		if err := h.eventBase.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Host) handleRequest(ctx context.Context, d amqp.Delivery) error {
	req, err := h.cc.DecodeRequest(d.Body)
	if err != nil {
		h.replyError(ctx, d, protoerr.Handled("invalid_message", err.Error()))
		return nil
	}

	handler, ok := h.methods[req.Method]
	if !ok {
		h.replyError(ctx, d, protoerr.Handled("unknown_method", fmt.Sprintf("no handler registered for %q", req.Method)))
		return nil
	}

	result, err := handler(ctx, req.Actor, req.Payload)
	if err != nil {
		if handled, ok := err.(interface{ Handled() bool }); ok && handled.Handled() {
			h.replyError(ctx, d, err)
			return nil
		}
		// Unhandled: no reply is sent. The Base Consumer's retry/DLQ
		// policy takes over; the caller eventually times out if every
		// retry also fails.
		return err
	}

	body, err := h.cc.EncodeResponse(req.Method, result)
	if err != nil {
		return err
	}
	return h.reply(ctx, d, body)
}

func (h *Host) replyError(ctx context.Context, d amqp.Delivery, cause error) {
	code, message := "internal", cause.Error()
	if he, ok := cause.(*protoerr.HandledError); ok {
		code, message = he.Code, he.Message
	}
	body := h.cc.EncodeError(codec.ResponseError{Message: message, Code: code, Handled: true})
	if err := h.reply(ctx, d, body); err != nil {
		h.log.Error("failed to send error reply", "error", err)
	}
}

func (h *Host) reply(ctx context.Context, d amqp.Delivery, body []byte) error {
	if d.ReplyTo == "" {
		return nil
	}
	return h.mgr.Publish(ctx, h.cfg.CallbacksExchange, d.ReplyTo, amqp.Publishing{
		ContentType:   consumer.ContentType,
		CorrelationId: d.CorrelationId,
		Body:          body,
		DeliveryMode:  amqp.Persistent,
	})
}

func (h *Host) handleEvent(ctx context.Context, d amqp.Delivery) error {
	ev, err := h.cc.DecodeEvent(d.Body)
	if err != nil {
		return protoerr.Handled("invalid_message", err.Error())
	}
	for _, handle := range h.events.Match(ev.Topic) {
		fn, ok := handle.Func().(EventHandler)
		if !ok {
			continue
		}
		if err := fn(ctx, ev.Topic, ev.Payload); err != nil {
			return err
		}
	}
	return nil
}
