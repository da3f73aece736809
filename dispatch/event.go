package dispatch

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/consumer"
	"github.com/busgopher/protobus/logger"
)

// Event is the Event Dispatcher: it encodes a payload against a
// registered event type and publishes it to the events exchange under
// a topic-routed key, with no reply expected.
type Event struct {
	mgr      *connection.Manager
	cc       *codec.Codec
	log      logger.Logger
	exchange string
}

// NewEvent constructs an Event Dispatcher bound to exchange (normally
// config.Bus.EventsExchange).
func NewEvent(mgr *connection.Manager, cc *codec.Codec, log logger.Logger, exchange string) *Event {
	if log == nil {
		log = logger.Default()
	}
	return &Event{mgr: mgr, cc: cc, log: log, exchange: exchange}
}

// Publish encodes payload as an instance of typ and publishes it under
// topic (defaulting to "EVENT.<typ>" when empty, matching codec's own
// default).
func (e *Event) Publish(ctx context.Context, typ string, payload codec.Record, topic string) error {
	body, err := e.cc.EncodeEvent(typ, payload, topic)
	if err != nil {
		return err
	}
	if topic == "" {
		topic = "EVENT." + typ
	}
	return e.mgr.Publish(ctx, e.exchange, topic, amqp.Publishing{
		ContentType:  consumer.ContentType,
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}
