package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-tts/internal/auth"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/catalog"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/httpapi"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/params"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	limiterSweep    = time.Minute
	limiterIdle     = 10 * time.Minute
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// components are the long-lived pieces assembled from the configuration.
type components struct {
	handler      http.Handler
	defaultVoice *voice.Voice
	cache        *voice.Cache
	store        *eventstore.Store
	embedded     *natsserver.EmbeddedServer
	bus          *bus.Client
	recorder     *eventRecorder
	limiter      *httpapi.RateLimiter
}

func (c *components) close() {
	if c.bus != nil {
		c.bus.Close()
	}
	c.embedded.Shutdown()
	if c.store != nil {
		_ = c.store.Close()
	}
}

// Start builds the server and blocks until ctx is cancelled or a listener fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	c, err := r.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	g, gctx := errgroup.WithContext(ctx)

	apiServer := &http.Server{
		Addr:              r.cfg.Addr(),
		Handler:           c.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(r.cfg.HTTP.WriteTimeoutSec) * time.Second,
	}
	servers := []*http.Server{apiServer}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			r.logger.Info("http listener started", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		c.recorder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.store.RunPruner(gctx, pruneInterval)
		return nil
	})
	if c.limiter != nil {
		g.Go(func() error {
			c.limiter.Cleanup(gctx, limiterSweep, limiterIdle)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.logger.Info("runtime started",
		slog.String("addr", r.cfg.Addr()),
		slog.String("model", c.defaultVoice.ID),
		slog.String("engine", r.cfg.Engine.Mode))

	return g.Wait()
}

func (r *Runtime) build(ctx context.Context) (_ *components, err error) {
	cfg := r.cfg
	c := &components{}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	modelPath, err := voice.ResolveModelPath(cfg.Voices.Model, cfg.Voices.DataDirs)
	if err != nil {
		return nil, err
	}
	loader, err := newLoader(cfg.Engine)
	if err != nil {
		return nil, err
	}

	if c.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger); err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if err = r.connectBus(c); err != nil {
		return nil, err
	}
	var publisher eventPublisher
	if c.bus != nil {
		publisher = c.bus
	}
	c.recorder = newEventRecorder(c.store, publisher, r.logger)

	c.cache = voice.NewCache(cfg.Voices.DataDirs, loader, r.logger)
	c.cache.OnLoad(func(ctx context.Context, v *voice.Voice, took time.Duration) {
		c.recorder.Record(ctx, protocol.Event{
			Type:      protocol.EventVoiceLoaded,
			Voice:     v.ID,
			Timestamp: time.Now().UTC(),
			Attributes: map[string]any{
				"model":        v.ModelPath,
				"sample_rate":  v.Config.SampleRate,
				"num_speakers": v.Config.NumSpeakers,
				"duration_ms":  took.Milliseconds(),
			},
		})
	})
	if c.defaultVoice, err = c.cache.Preload(ctx, voice.ModelID(modelPath), modelPath); err != nil {
		return nil, fmt.Errorf("load default voice: %w", err)
	}

	var interceptors []httpapi.Interceptor
	if cfg.HTTP.RateLimitRPS > 0 {
		c.limiter = httpapi.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
		interceptors = append(interceptors, c.limiter)
	}
	interceptors = append(interceptors, httpapi.CredentialCheck(newGate(cfg.Auth, r.logger)))

	c.handler = httpapi.NewRouter(httpapi.Deps{
		DefaultVoice:    c.defaultVoice,
		Voices:          c.cache,
		Resolver:        params.NewResolver(params.DefaultsFromConfig(cfg.Synthesis), r.logger),
		Catalog:         catalog.NewClient(cfg.Catalog, r.logger),
		Recorder:        c.recorder,
		DataDirs:        cfg.Voices.DataDirs,
		DownloadDir:     cfg.Voices.DownloadDir,
		SentenceSilence: cfg.Synthesis.SentenceSilence,
		Interceptors:    interceptors,
		CORSOrigins:     cfg.HTTP.CORSAllowedOrigins,
		Logger:          r.logger,
	}).Handler()
	return c, nil
}

// connectBus starts the embedded broker when configured and connects the publisher.
// A broker that cannot be reached is logged and events stay local.
func (r *Runtime) connectBus(c *components) error {
	busCfg := r.cfg.Bus
	if !busCfg.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	c.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		r.logger.Warn("event bus unavailable, publishing disabled", slog.String("error", err.Error()))
		return nil
	}
	c.bus = client
	return nil
}

func newGate(cfg config.AuthConfig, logger *slog.Logger) *auth.Gate {
	gate := auth.NewGate(cfg.APIKey)
	if gate.Enabled() {
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("no API key configured, all endpoints are open")
	}
	return gate
}

func newLoader(cfg config.EngineConfig) (tts.Loader, error) {
	switch cfg.Mode {
	case "mock":
		return tts.NewMockLoader(), nil
	case "exec":
		loader, err := tts.NewExecLoader(cfg.Command, cfg.UseCUDA)
		if err != nil {
			return nil, err
		}
		return loader, nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
