// Package bootstrap implements the Host Bootstrap (spec.md §4.12): it
// wires the Connection Manager, Codec, dispatchers, and a set of
// Service Hosts into one runnable process, and handles graceful
// shutdown on SIGINT/SIGTERM.
package bootstrap

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busgopher/protobus/codec"
	"github.com/busgopher/protobus/config"
	"github.com/busgopher/protobus/connection"
	"github.com/busgopher/protobus/dispatch"
	"github.com/busgopher/protobus/logger"
	"github.com/busgopher/protobus/protoerr"
	"github.com/busgopher/protobus/service"
)

// Options configures a Runtime.
type Options struct {
	BrokerURLs []string
	Bus        config.Bus
	Actor      string
	SchemaDirs []string
	Log        logger.Logger

	// ShutdownDrainTimeout bounds how long Shutdown waits for the
	// pending-RPC drain to finish. The drain fails every pending call
	// at once; calls are not given time to resolve first.
	ShutdownDrainTimeout time.Duration
}

// Runtime is the constructed set of shared components every Service
// Host and Service Proxy in the process is built from.
type Runtime struct {
	Conn  *connection.Manager
	Codec *codec.Codec
	RPC   *dispatch.RPC
	Event *dispatch.Event
	Bus   config.Bus

	reply   *dispatch.ReplyConsumer
	hosts   []*service.Host
	log     logger.Logger
	drainTO time.Duration
}

// New connects to the broker, compiles schemas, and wires the shared
// dispatcher pair (RPC + Event) plus the process's single Reply
// Consumer. Call RegisterHost for each service before Start.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	if opts.Bus.MainExchange == "" {
		opts.Bus = config.Load()
	}

	mgr := connection.New(connection.Config{URLs: opts.BrokerURLs}, log)
	if err := mgr.Connect(ctx); err != nil {
		return nil, err
	}

	cc := codec.New()
	if len(opts.SchemaDirs) > 0 {
		if err := cc.Init(opts.SchemaDirs); err != nil {
			return nil, err
		}
	}

	rpcDispatcher := dispatch.NewRPC(mgr, cc, log, opts.Actor, "", opts.Bus.ProcessingTimeout)
	eventDispatcher := dispatch.NewEvent(mgr, cc, log, opts.Bus.EventsExchange)

	// Pending RPCs established before a disconnect are rejected eagerly
	// rather than left to time out one by one: the watcher already knows
	// the connection is gone well before any individual call's deadline.
	mgr.On(func(ev connection.Event) {
		switch ev.Kind {
		case connection.EventDisconnected, connection.EventReconnecting:
			rpcDispatcher.Drain(protoerr.ErrDisconnected)
		}
	})

	reply, err := dispatch.NewReplyConsumer(mgr, cc, rpcDispatcher, log, opts.Bus.CallbacksExchange)
	if err != nil {
		return nil, err
	}
	rpcDispatcher.SetReplyTo(reply.QueueName())

	drainTO := opts.ShutdownDrainTimeout
	if drainTO <= 0 {
		drainTO = 10 * time.Second
	}

	return &Runtime{
		Conn:    mgr,
		Codec:   cc,
		RPC:     rpcDispatcher,
		Event:   eventDispatcher,
		Bus:     opts.Bus,
		reply:   reply,
		log:     log,
		drainTO: drainTO,
	}, nil
}

// RegisterHost adds a Service Host to be started alongside the
// runtime. Call before Start.
func (r *Runtime) RegisterHost(h *service.Host) {
	r.hosts = append(r.hosts, h)
}

// NewProxy builds a Service Proxy sharing this runtime's dispatchers.
func (r *Runtime) NewProxy(cfg config.Bus) *service.Proxy {
	return service.NewProxy(r.RPC, r.Event, cfg)
}

// Start initializes and starts the reply consumer and every registered
// host.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.reply.Start(ctx); err != nil {
		return err
	}
	for _, h := range r.hosts {
		if err := h.Init(); err != nil {
			return err
		}
	}
	for _, h := range r.hosts {
		if err := h.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the runtime and blocks until ctx is canceled or the
// process receives SIGINT/SIGTERM, then performs a graceful shutdown:
// hosts stop accepting new deliveries, any RPC call still waiting on a
// reply is failed at once with protoerr.ErrDisconnected, and the broker
// connection is closed last.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	r.log.Info("shutdown signal received, draining")
	return r.Shutdown()
}

// Shutdown stops every host, drains the pending RPC table, and closes
// the broker connection, in that order.
func (r *Runtime) Shutdown() error {
	var g errgroup.Group
	for _, h := range r.hosts {
		h := h
		g.Go(h.Close)
	}
	if err := g.Wait(); err != nil {
		r.log.Error("error stopping service hosts", "error", err)
	}

	drainDone := make(chan struct{})
	go func() {
		r.RPC.Drain(protoerr.ErrDisconnected)
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-time.After(r.drainTO):
		r.log.Warn("pending rpc drain timed out")
	}

	if err := r.reply.Close(); err != nil {
		r.log.Error("error closing reply consumer", "error", err)
	}

	return r.Conn.Disconnect()
}
