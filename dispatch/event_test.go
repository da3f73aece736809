package dispatch

import (
	"context"
	"testing"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/connection"
)

const pingSchema = `
syntax = "proto3";

message Ping {
  string from = 1;
}
`

func TestEventPublishFailsOnUnknownType(t *testing.T) {
	mgr := connection.New(connection.Config{}, nil)
	ev := NewEvent(mgr, codec.New(), nil, "proto.bus.events")

	if err := ev.Publish(context.Background(), "Ping", codec.Record{"from": "x"}, ""); err == nil {
		t.Fatalf("expected an error publishing an event with no registered schema")
	}
}

func TestEventPublishFailsFastWhenNotConnected(t *testing.T) {
	mgr := connection.New(connection.Config{}, nil)
	cc := codec.New()
	if err := cc.Parse("ping.proto", pingSchema); err != nil {
		t.Fatalf("parse: %v", err)
	}
	ev := NewEvent(mgr, cc, nil, "proto.bus.events")

	if err := ev.Publish(context.Background(), "Ping", codec.Record{"from": "x"}, ""); err == nil {
		t.Fatalf("expected an error publishing while disconnected")
	}
}
