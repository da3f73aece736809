// Package consumer implements the Base Consumer (spec.md §4.4/§4.5):
// the shared receive-ack-retry-or-dead-letter loop that the RPC, Event,
// and Reply consumers all specialize.
package consumer

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header keys carried on redelivered/retried messages, following the
// same x-retry-count / x-original-routing-key convention the pack's
// retry-queue examples use, with unix-millisecond timestamps per the
// wire contract.
const (
	headerRetryCount         = "x-retry-count"
	headerOriginalRoutingKey = "x-original-routing-key"
	headerOriginalQueue      = "x-original-queue"
	headerFirstFailureTime   = "x-first-failure-time"
	headerLastError          = "x-last-error"
	headerDLQTime            = "x-dlq-time"
)

func retryCount(t amqp.Table) int64 {
	if t == nil {
		return 0
	}
	switch v := t[headerRetryCount].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func withRetryHeaders(t amqp.Table, originalRoutingKey string, attempt int64, lastErr string, now time.Time) amqp.Table {
	out := amqp.Table{}
	for k, v := range t {
		out[k] = v
	}
	out[headerRetryCount] = attempt
	out[headerOriginalRoutingKey] = originalRoutingKey
	out[headerLastError] = lastErr
	if _, ok := out[headerFirstFailureTime]; !ok {
		out[headerFirstFailureTime] = now.UnixMilli()
	}
	return out
}

func withDLQHeaders(t amqp.Table, originalQueue, lastErr string, now time.Time) amqp.Table {
	out := amqp.Table{}
	for k, v := range t {
		out[k] = v
	}
	out[headerOriginalQueue] = originalQueue
	out[headerLastError] = lastErr
	out[headerDLQTime] = now.UnixMilli()
	return out
}

func originalRoutingKey(d amqp.Delivery) string {
	if v, ok := d.Headers[headerOriginalRoutingKey].(string); ok && v != "" {
		return v
	}
	return d.RoutingKey
}
