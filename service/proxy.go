package service

import (
	"context"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/config"
	"github.com/busgopher/protobus/dispatch"
)

// Proxy is the Service Proxy (spec.md §4.11): a typed client for
// calling another service's RPC methods and publishing events, built
// on the RPC and Event Dispatchers.
type Proxy struct {
	rpc   *dispatch.RPC
	event *dispatch.Event
	cfg   config.Bus
}

// NewProxy constructs a Service Proxy over the given dispatchers.
func NewProxy(rpc *dispatch.RPC, event *dispatch.Event, cfg config.Bus) *Proxy {
	return &Proxy{rpc: rpc, event: event, cfg: cfg}
}

// Call invokes method with payload and returns the decoded result, or
// a *protoerr.HandledError / protoerr.ErrTimeout / transport error.
func (p *Proxy) Call(ctx context.Context, method string, payload codec.Record) (codec.Record, error) {
	return p.rpc.Call(ctx, p.cfg.MainExchange, method, payload)
}

// Publish emits an event of type typ under topic (or the codec's
// default "EVENT.<typ>" when topic is empty).
func (p *Proxy) Publish(ctx context.Context, typ string, payload codec.Record, topic string) error {
	return p.event.Publish(ctx, typ, payload, topic)
}
