package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/comet/internal/bus"
	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/eventstore"
	"github.com/loqalabs/comet/internal/natsserver"
	"github.com/loqalabs/comet/internal/room"
	"github.com/loqalabs/comet/internal/server"
	"github.com/loqalabs/comet/internal/voices"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	recorder *eventstore.Recorder
	rooms    *room.Registry

	addrMu sync.Mutex
	addr   net.Addr
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the listening address once Start has bound it.
func (r *Runtime) Addr() net.Addr {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	return r.addr
}

// Ready reports whether the runtime accepts traffic.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return true
}

// Start runs the service until ctx is cancelled, then shuts down.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	sinks, err := r.startEventSinks(ctx)
	defer r.closeEventSinks()
	if err != nil {
		return err
	}

	pipe, err := buildPipeline(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	store, err := voices.New(r.cfg.Voices)
	if err != nil {
		return fmt.Errorf("failed to build voice store: %w", err)
	}

	r.rooms = room.NewRegistry(ctx, roomConfig(r.cfg), pipe, sinks, r.logger)
	srv := server.New(r.rooms, pipe, store, server.Options{
		AllowedOrigins: r.cfg.HTTP.AllowedOrigins,
		MaxUploadBytes: r.cfg.HTTP.MaxUploadBytes,
		DefaultVoice:   r.cfg.TTS.Voice,
		Ready:          r.Ready,
		Metrics:        metricsHandler,
	}, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addrMu.Lock()
	r.addr = ln.Addr()
	r.addrMu.Unlock()

	r.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeoutMS) * time.Millisecond,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	// websocket connections are hijacked and not tracked by Shutdown
	if err := r.rooms.Close(shutdownCtx); err != nil {
		r.logger.Warn("rooms did not drain before timeout", slog.String("error", err.Error()))
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

// startEventSinks wires the NATS feed and the SQLite audit log. Failures
// to reach an optional bus are fatal only when the bus is enabled.
func (r *Runtime) startEventSinks(ctx context.Context) (room.MultiSink, error) {
	var sinks room.MultiSink

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.nats = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return nil, err
		}
		r.bus = client
		if busCfg.Stream != "" {
			maxAge := time.Duration(busCfg.StreamMaxAge) * time.Hour
			if err := client.EnsureStream(busCfg.Stream, maxAge); err != nil {
				r.logger.Warn("room event stream unavailable", slog.String("error", err.Error()))
			}
		}
		sinks = append(sinks, bus.NewSink(client))
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.events = store
	if store.Enabled() {
		r.recorder = eventstore.NewRecorder(store, 0, r.logger)
		sinks = append(sinks, r.recorder)
	}
	return sinks, nil
}

func (r *Runtime) closeEventSinks() {
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
