// Package config loads the environment-driven overrides spec.md §6
// documents, the way Tim275-oms/common/config loads its service
// configuration: godotenv for local ".env" files, then os.Getenv with
// defaults.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default exchange names and processing timeout (spec.md §6).
const (
	DefaultMainExchange      = "proto.bus"
	DefaultCallbacksExchange = "proto.bus.callback"
	DefaultEventsExchange    = "proto.bus.events"

	DefaultMessageProcessingTimeout = 600 * time.Second
)

// Bus holds the process-wide names and timeouts that every connection,
// consumer and dispatcher in a host shares.
type Bus struct {
	MainExchange      string
	CallbacksExchange string
	EventsExchange    string
	ProcessingTimeout time.Duration
}

// Load reads a local .env file if present (ignoring any error from that
// load, so a missing file is not a failure, since production
// deployments set real environment variables instead) and then resolves
// the four documented overrides, falling back to spec.md's defaults.
func Load() Bus {
	_ = godotenv.Load()

	return Bus{
		MainExchange:      getenvOr("BUS_EXCHANGE_NAME", DefaultMainExchange),
		CallbacksExchange: getenvOr("CALLBACKS_EXCHANGE_NAME", DefaultCallbacksExchange),
		EventsExchange:    getenvOr("EVENTS_EXCHANGE_NAME", DefaultEventsExchange),
		ProcessingTimeout: getenvDurationMsOr("MESSAGE_PROCESSING_TIMEOUT", DefaultMessageProcessingTimeout),
	}
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDurationMsOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
