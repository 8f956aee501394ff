package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowcowlabs/cowcow/internal/bus"
	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/cowcowlabs/cowcow/internal/natsserver"
	"github.com/cowcowlabs/cowcow/internal/recorder"
	"github.com/cowcowlabs/cowcow/internal/store"
	"github.com/cowcowlabs/cowcow/internal/upload"
)

// Runtime is the recorder daemon: it owns the take store, the finalizer,
// the upload workers and the HTTP control surface.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	store    *store.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	recorder *recorder.Recorder
	pool     *upload.Pool
	runCtx   context.Context
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.runCtx = ctx

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		r.closeTelemetry()
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.store = st

	if err := r.startBus(ctx); err != nil {
		r.closeAll()
		return err
	}
	if err := registerQueueGauge(st, r.logger); err != nil {
		r.logger.Warn("failed to register queue gauge", slog.String("error", err.Error()))
	}

	finalizer, err := recorder.NewFinalizer(r.cfg, st, r.publisher(), r.logger)
	if err != nil {
		r.closeAll()
		return fmt.Errorf("failed to create finalizer: %w", err)
	}
	r.recorder = recorder.New(r.cfg, finalizer, r.logger)

	collector, err := upload.NewCollector(ctx, r.cfg)
	if err != nil {
		r.closeAll()
		return fmt.Errorf("failed to create collector: %w", err)
	}
	client := upload.NewClient(r.cfg.Upload, collector, st, r.logger)
	r.pool = upload.NewPool(r.cfg.Upload, client, st, r.publisher(), r.cfg.DeviceID, r.logger)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		finalizer.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.pool.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	r.registerAPI(mux)
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind != "" {
			r.startMetricsServer(metricsHandler)
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("device_id", r.cfg.DeviceID),
		slog.String("collector", r.cfg.Upload.Collector),
		slog.String("quality_profile", r.cfg.Quality.Profile),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.closeAll()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = embedded

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

// publisher keeps a disabled bus out of the interface so consumers can
// nil-check it.
func (r *Runtime) publisher() upload.Publisher {
	if r.bus == nil {
		return nil
	}
	return r.bus
}

func (r *Runtime) startMetricsServer(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) closeAll() {
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	r.closeTelemetry()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.store.Ping(req.Context()) == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
