package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatd/internal/config"
	"chatd/internal/gateway"
	"chatd/internal/generate"
	"chatd/internal/httpapi"
	"chatd/internal/metrics"
	"chatd/internal/registry"
	"chatd/pkg/types"
)

// serve loads the model, then runs the primary and metrics listeners until
// SIGINT/SIGTERM or a listener fails. A model load failure is returned before
// any socket is opened.
func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, model, err := selectBackend(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log, adapter, model)
	if err != nil {
		log.Error().Err(err).Msg("model load failed")
		return err
	}
	defer a.close()

	primaryLn, managed, err := primaryListener(cfg.Addr)
	if err != nil {
		return err
	}
	metricsLn, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = primaryLn.Close()
		return fmt.Errorf("listen %s: %w", cfg.MetricsAddr, err)
	}
	log.Info().
		Str("addr", primaryLn.Addr().String()).
		Bool("socket_activated", managed).
		Str("metrics_addr", metricsLn.Addr().String()).
		Msg("listening")
	return a.run(ctx, primaryLn, metricsLn)
}

// selectBackend maps config onto an adapter and the model it should start.
func selectBackend(cfg config.Config) (generate.Adapter, types.Model, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		m := types.Model{ID: cfg.Model, Name: cfg.Model}
		return generate.NewOpenAIAdapter(generate.OpenAIConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey}), m, nil
	case config.BackendLlama:
		models, scanErr := registry.LoadDir(cfg.ModelsDir)
		m, err := registry.Resolve(models, cfg.Model)
		if err != nil {
			if scanErr != nil {
				return nil, types.Model{}, fmt.Errorf("resolve model: %w (scan %s: %v)", err, cfg.ModelsDir, scanErr)
			}
			return nil, types.Model{}, fmt.Errorf("resolve model: %w", err)
		}
		return generate.NewLlamaAdapter(cfg.ContextSize, cfg.Threads), m, nil
	default:
		return nil, types.Model{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// generatorOptions translates config into generation constraints.
func generatorOptions(cfg config.Config, log *zerolog.Logger) generate.Options {
	return generate.Options{
		MaxLength:         cfg.MaxLength,
		NoRepeatNgramSize: cfg.NgramSize(),
		MaxConcurrent:     cfg.Concurrency(),
		ControlTokens:     cfg.ControlTokens,
		Sampling: generate.Params{
			Temperature: float32(cfg.Temperature),
			TopP:        float32(cfg.TopP),
			TopK:        cfg.TopK,
			Seed:        cfg.Seed,
		},
		Logger: log,
	}
}

// app owns the loaded model and both HTTP servers.
type app struct {
	log        zerolog.Logger
	gen        *generate.Generator
	rec        *metrics.Recorder
	grace      time.Duration
	primary    *http.Server
	metrics    *http.Server
	cancelBase context.CancelFunc
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger, adapter generate.Adapter, model types.Model) (*app, error) {
	grace, err := cfg.ShutdownGrace()
	if err != nil {
		return nil, err
	}
	gen, err := generate.Load(ctx, adapter, model, generatorOptions(cfg, &log))
	if err != nil {
		return nil, err
	}
	log.Info().Str("model", model.ID).Str("backend", cfg.Backend).Msg("model loaded")

	rec := metrics.NewRecorder()
	if cfg.HTTPMetrics {
		httpapi.SetHTTPMetrics(metrics.NewHTTPMetrics(rec.Registerer()))
	} else {
		httpapi.SetHTTPMetrics(nil)
	}
	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)
	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpapi.SetBaseContext(baseCtx)

	gw := gateway.New(gen, rec, gateway.WithLogger(log))
	return &app{
		log:        log,
		gen:        gen,
		rec:        rec,
		grace:      grace,
		primary:    &http.Server{Handler: httpapi.NewMux(gw, rec), ReadHeaderTimeout: 10 * time.Second},
		metrics:    &http.Server{Handler: httpapi.NewMetricsMux(rec), ReadHeaderTimeout: 10 * time.Second},
		cancelBase: cancelBase,
	}, nil
}

// run serves both listeners until ctx ends or one of them fails, then shuts
// both down.
func (a *app) run(ctx context.Context, primaryLn, metricsLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveUntil(gctx, a.primary, primaryLn, "primary") })
	g.Go(func() error { return a.serveUntil(gctx, a.metrics, metricsLn, "metrics") })
	return g.Wait()
}

func (a *app) serveUntil(ctx context.Context, srv *http.Server, ln net.Listener, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s listener: %w", name, err)
	case <-ctx.Done():
	}
	a.log.Info().Str("listener", name).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), a.grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		// In-flight generations outlived the grace period.
		a.cancelBase()
		_ = srv.Close()
	}
	<-errCh
	return nil
}

func (a *app) close() {
	a.cancelBase()
	if err := a.gen.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close model")
	}
}
