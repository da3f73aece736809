package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/protoerr"
)

const mathSchemaForRPC = `
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

func newTestRPC(t *testing.T) *RPC {
	t.Helper()
	mgr := connection.New(connection.Config{}, nil)
	cc := codec.New()
	if err := cc.Parse("math.proto", mathSchemaForRPC); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return NewRPC(mgr, cc, nil, "tester", "replies", time.Second)
}

func TestRPCCallFailsFastWhenNotConnected(t *testing.T) {
	rpc := newTestRPC(t)

	_, err := rpc.Call(context.Background(), "proto.bus", "Math.add", codec.Record{"a": int32(1), "b": int32(2)})
	if err == nil {
		t.Fatalf("expected an error calling an RPC method with no connection")
	}
}

func TestRPCCallLeavesNoPendingEntryAfterPublishFailure(t *testing.T) {
	rpc := newTestRPC(t)

	_, _ = rpc.Call(context.Background(), "proto.bus", "Math.add", codec.Record{"a": int32(1), "b": int32(2)})

	rpc.mu.Lock()
	n := len(rpc.pending)
	rpc.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending table has %d entries after a failed publish, want 0", n)
	}
}

func TestRPCResolveUnknownCorrelationIDIsNoop(t *testing.T) {
	rpc := newTestRPC(t)
	// Must not panic or block.
	rpc.Resolve("does-not-exist", codec.DecodedResponse{})
}

func TestRPCMethodForUnknownReturnsFalse(t *testing.T) {
	rpc := newTestRPC(t)
	if _, ok := rpc.MethodFor("does-not-exist"); ok {
		t.Fatalf("MethodFor() for an unregistered correlation id should report false")
	}
}

// Testable property #4: every pending call removed exactly once, and
// the caller observes exactly one failure, when Drain fires.
func TestRPCDrainRejectsEveryPendingCallExactlyOnce(t *testing.T) {
	rpc := newTestRPC(t)

	call := &pendingCall{
		resultCh: make(chan codec.DecodedResponse, 1),
		errCh:    make(chan error, 1),
		method:   "Math.add",
	}
	rpc.mu.Lock()
	rpc.pending["corr-1"] = call
	rpc.mu.Unlock()

	rpc.Drain(protoerr.ErrDisconnected)

	select {
	case err := <-call.errCh:
		if err != protoerr.ErrDisconnected {
			t.Fatalf("errCh = %v, want protoerr.ErrDisconnected", err)
		}
	default:
		t.Fatalf("expected Drain to push an error onto the pending call's errCh")
	}

	rpc.mu.Lock()
	n := len(rpc.pending)
	rpc.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending table has %d entries after Drain, want 0", n)
	}
}
