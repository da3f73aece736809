// Package dispatch implements the RPC Dispatcher and Event Dispatcher
// (spec.md §4.9): the client-side halves that turn a typed method call
// or event publish into a framed message on the wire, and — for RPC —
// resolve the eventual reply back to the caller via a correlation id.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	uuid "github.com/satori/go.uuid"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/consumer"
	"github.com/busgopher/protobus/logger"
	"github.com/busgopher/protobus/protoerr"
)

// pendingCall is one in-flight RPC awaiting its reply.
type pendingCall struct {
	resultCh chan codec.DecodedResponse
	errCh    chan error
	method   string
}

// RPC is the RPC Dispatcher: it publishes typed requests to the main
// exchange and resolves replies delivered to it (by the Reply
// Consumer) via correlation id.
type RPC struct {
	mgr    *connection.Manager
	cc     *codec.Codec
	log    logger.Logger
	actor  string
	timeout time.Duration

	replyTo string // set once the Reply Consumer's queue is known

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// SetReplyTo sets the queue name used as the `reply_to` AMQP property
// on every subsequent request. The Reply Consumer's queue name is only
// known once its (broker-assigned) queue has been declared, which
// happens after an RPC Dispatcher is constructed, hence the setter
// instead of a constructor parameter.
func (r *RPC) SetReplyTo(queue string) {
	r.mu.Lock()
	r.replyTo = queue
	r.mu.Unlock()
}

func (r *RPC) replyQueue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replyTo
}

// NewRPC constructs an RPC Dispatcher. replyTo is the Reply Consumer's
// queue name, used as the `reply_to` AMQP property on every request;
// pass "" and call SetReplyTo once the Reply Consumer's queue is known.
func NewRPC(mgr *connection.Manager, cc *codec.Codec, log logger.Logger, actor, replyTo string, timeout time.Duration) *RPC {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &RPC{
		mgr:     mgr,
		cc:      cc,
		log:     log,
		actor:   actor,
		replyTo: replyTo,
		timeout: timeout,
		pending: make(map[string]*pendingCall),
	}
}

// Call encodes payload against method's input type, publishes it to
// exchange with correlation/reply-to metadata set, and blocks until
// the matching reply arrives, ctx is done, or the per-call timeout
// elapses — whichever comes first.
func (r *RPC) Call(ctx context.Context, exchange, method string, payload codec.Record) (codec.Record, error) {
	body, err := r.cc.EncodeRequest(method, payload, r.actor)
	if err != nil {
		return nil, err
	}

	corrID := uuid.NewV4().String()
	call := &pendingCall{
		resultCh: make(chan codec.DecodedResponse, 1),
		errCh:    make(chan error, 1),
		method:   method,
	}

	r.mu.Lock()
	r.pending[corrID] = call
	r.mu.Unlock()
	defer r.forget(corrID)

	pub := amqp.Publishing{
		ContentType:   consumer.ContentType,
		CorrelationId: corrID,
		ReplyTo:       r.replyQueue(),
		Body:          body,
		DeliveryMode:  amqp.Persistent,
	}
	routingKey := "REQUEST." + method
	if err := r.mgr.Publish(ctx, exchange, routingKey, pub); err != nil {
		return nil, errors.Wrap(err, "protobus: publishing rpc request")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case resp := <-call.resultCh:
		if resp.Error != nil {
			if resp.Error.Handled {
				return nil, protoerr.Handled(resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.Errorf("protobus: rpc %q failed: %s", method, resp.Error.Message)
		}
		return *resp.Result, nil
	case err := <-call.errCh:
		return nil, err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protoerr.ErrTimeout
	}
}

// Resolve is called by the Reply Consumer for every reply it receives.
// Unknown correlation ids (late replies after a local timeout, or
// replies for another process entirely if queues are ever shared) are
// dropped with a warning rather than treated as an error.
func (r *RPC) Resolve(correlationID string, resp codec.DecodedResponse) {
	r.mu.Lock()
	call, ok := r.pending[correlationID]
	r.mu.Unlock()
	if !ok {
		r.log.Warn("reply for unknown correlation id", "correlation_id", correlationID)
		return
	}
	call.resultCh <- resp
}

// MethodFor reports the method name a pending call's correlation id
// was issued for, so the Reply Consumer can decode the response
// payload against the right output type before calling Resolve.
func (r *RPC) MethodFor(correlationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.pending[correlationID]
	if !ok {
		return "", false
	}
	return call.method, true
}

func (r *RPC) forget(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, correlationID)
}

// Drain fails every still-pending call with err, used during a
// graceful shutdown so callers blocked in Call don't hang forever
// waiting on a connection that is going away.
func (r *RPC) Drain(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingCall)
	r.mu.Unlock()

	for _, call := range pending {
		call.errCh <- err
	}
}
