package service

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/config"
	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/consumer"
	"github.com/busgopher/protobus/protoerr"
)

const mathSchema = `
syntax = "proto3";

service Math {
  rpc add(AddRequest) returns (AddResponse);
}

message AddRequest {
  int32 a = 1;
  int32 b = 2;
}

message AddResponse {
  int32 result = 1;
}
`

func newTestHost(t *testing.T) *Host {
	t.Helper()
	cc := codec.New()
	if err := cc.Parse("math.proto", mathSchema); err != nil {
		t.Fatalf("parse: %v", err)
	}
	mgr := connection.New(connection.Config{}, nil)
	return NewHost("Math", cc, mgr, config.Bus{MainExchange: "proto.bus"}, nil)
}

// handleRequest with no ReplyTo set exercises the method-dispatch/encode
// path without needing a live connection to publish a reply on.
func TestHandleRequestDispatchesToRegisteredMethod(t *testing.T) {
	h := newTestHost(t)
	var gotActor string
	h.HandleMethod("Math.add", func(_ context.Context, actor string, payload codec.Record) (codec.Record, error) {
		gotActor = actor
		a := payload["a"].(int32)
		b := payload["b"].(int32)
		return codec.Record{"result": a + b}, nil
	})

	cc := h.cc
	body, err := cc.EncodeRequest("Math.add", codec.Record{"a": int32(1), "b": int32(2)}, "alice")
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	err = h.handleRequest(context.Background(), amqp.Delivery{Body: body})
	if err != nil {
		t.Fatalf("handleRequest returned an error for a successful handler: %v", err)
	}
	if gotActor != "alice" {
		t.Fatalf("actor = %q, want %q", gotActor, "alice")
	}
}

// S2 from spec.md §8: a handled error is never retried — handleRequest
// must return nil (ack, not a retry candidate) even though the handler
// itself failed.
func TestHandleRequestHandledErrorDoesNotTriggerRetry(t *testing.T) {
	h := newTestHost(t)
	calls := 0
	h.HandleMethod("Math.add", func(context.Context, string, codec.Record) (codec.Record, error) {
		calls++
		return nil, protoerr.Handled("validation_error", "bad input")
	})

	body, err := h.cc.EncodeRequest("Math.add", codec.Record{"a": int32(1), "b": int32(2)}, "alice")
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	if err := h.handleRequest(context.Background(), amqp.Delivery{Body: body}); err != nil {
		t.Fatalf("handleRequest for a handled error should return nil (ack), got %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want exactly 1", calls)
	}
}

// An unhandled error must propagate up so the Base Consumer's retry/DLQ
// policy can act on it.
func TestHandleRequestUnhandledErrorPropagatesForRetry(t *testing.T) {
	h := newTestHost(t)
	h.HandleMethod("Math.add", func(context.Context, string, codec.Record) (codec.Record, error) {
		return nil, errUnhandled
	})

	body, err := h.cc.EncodeRequest("Math.add", codec.Record{"a": int32(1), "b": int32(2)}, "alice")
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	if err := h.handleRequest(context.Background(), amqp.Delivery{Body: body}); err == nil {
		t.Fatalf("expected handleRequest to propagate an unhandled handler error")
	}
}

func TestHandleRequestUnknownMethodRepliesHandledError(t *testing.T) {
	h := newTestHost(t)

	body, err := h.cc.EncodeRequest("Math.add", codec.Record{"a": int32(1), "b": int32(2)}, "alice")
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	// No handler registered at all: handleRequest should reply with a
	// handled "unknown method" error, not propagate for retry.
	if err := h.handleRequest(context.Background(), amqp.Delivery{Body: body}); err != nil {
		t.Fatalf("handleRequest for an unregistered method should return nil (ack), got %v", err)
	}
}

var errUnhandled = &unhandledErr{}

type unhandledErr struct{}

func (e *unhandledErr) Error() string { return "boom" }

// spec.md §6: a service's { maxConcurrent?, retry? } options must
// reach the consumers Init declares.
func TestHostSetMaxConcurrentAndRetryOverrideDefaults(t *testing.T) {
	h := newTestHost(t)
	h.HandleMethod("Math.add", func(context.Context, string, codec.Record) (codec.Record, error) {
		return codec.Record{"result": int32(0)}, nil
	})

	h.SetMaxConcurrent(4)
	h.SetRetry(consumer.RetryPolicy{MaxRetries: 1, RetryDelayMs: 50})

	if h.maxConcurrent != 4 {
		t.Fatalf("maxConcurrent = %d, want 4", h.maxConcurrent)
	}
	if h.retry.MaxRetries != 1 || h.retry.RetryDelayMs != 50 {
		t.Fatalf("retry = %+v, want {MaxRetries:1 RetryDelayMs:50}", h.retry)
	}

	// SetMaxConcurrent(0) must be rejected rather than disabling
	// bounded concurrency outright.
	h.SetMaxConcurrent(0)
	if h.maxConcurrent != 4 {
		t.Fatalf("maxConcurrent changed to %d on an invalid SetMaxConcurrent(0) call", h.maxConcurrent)
	}
}
