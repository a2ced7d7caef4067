// Package runtime assembles the session controller: embedded bus, event
// store, narration pipeline, orchestrator, and the dashboard gateway.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omlabs/om-core/internal/bus"
	"github.com/omlabs/om-core/internal/certificate"
	"github.com/omlabs/om-core/internal/config"
	"github.com/omlabs/om-core/internal/eventstore"
	"github.com/omlabs/om-core/internal/gateway"
	"github.com/omlabs/om-core/internal/narrator"
	"github.com/omlabs/om-core/internal/natsserver"
	"github.com/omlabs/om-core/internal/orchestrator"
	"github.com/omlabs/om-core/internal/script"
	"github.com/omlabs/om-core/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled.
// Components come up leaf-first: bus, store, pipeline, orchestrator, gateway.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	registry := script.NewRegistry(time.Duration(r.cfg.Session.DefaultMinutes) * time.Minute)
	cache := tts.NewCache(tts.NewAdapter(r.cfg.TTS, r.buildSynthesizer(), r.logger), r.logger)
	certGen := certificate.NewGenerator(r.cfg.Certificate, registry, certificate.NewPDFRenderer())

	service := orchestrator.NewService(ctx, r.cfg, busClient, registry, cache, certGen, r.buildNarrator(), store, r.logger)
	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer service.Stop()

	gw := gateway.New(ctx, busClient, r.logger)
	if err := gw.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	defer gw.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	gw.RegisterRoutes(mux)

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
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.String("retention", r.cfg.EventStore.RetentionMode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildSynthesizer() tts.Synthesizer {
	if r.cfg.TTS.Mode == "openai" {
		return tts.NewOpenAISynth(r.cfg.TTS.Endpoint, r.cfg.TTS.APIKey, r.cfg.TTS.Model)
	}
	return tts.NewMockSynth(50 * time.Millisecond)
}

func (r *Runtime) buildNarrator() narrator.Generator {
	if !r.cfg.Narrator.Enabled {
		return nil
	}
	if r.cfg.Narrator.Mode == "openai" {
		return narrator.NewOpenAIGenerator(r.cfg.Narrator.Endpoint, r.cfg.Narrator.APIKey, r.cfg.Narrator.Model)
	}
	return narrator.NewMockGenerator()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
