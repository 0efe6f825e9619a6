// Command arivoz is the voicebot engine server: it answers calls arriving at
// the telephony switch, runs the conversation turn loop against the speech
// model, and finalizes every call's artifacts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/vozlab/arivoz/internal/app"
	"github.com/vozlab/arivoz/internal/config"
	"github.com/vozlab/arivoz/internal/contract"
	"github.com/vozlab/arivoz/internal/domain"
	"github.com/vozlab/arivoz/internal/domain/rutcapture"
	"github.com/vozlab/arivoz/internal/finalize"
	"github.com/vozlab/arivoz/internal/health"
	"github.com/vozlab/arivoz/internal/observe"
	"github.com/vozlab/arivoz/internal/speech"
	"github.com/vozlab/arivoz/internal/store"
	"github.com/vozlab/arivoz/internal/telephony"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "arivoz: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "arivoz: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("arivoz starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "arivoz",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Shared store ──────────────────────────────────────────────────────────
	kv, err := store.NewRedis(ctx, store.RedisConfig{
		Addr:     cfg.Store.Addr,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
	})
	if err != nil {
		slog.Error("failed to connect to store", "err", err, "addr", cfg.Store.Addr)
		return 1
	}
	defer kv.Close()

	contracts := contract.NewRegistry(kv, contract.WithRegistryLogger(logger))

	// ── Telephony switch ──────────────────────────────────────────────────────
	tel, err := telephony.New(telephony.Config{
		BaseURL:      cfg.ARI.BaseURL,
		WebsocketURL: cfg.ARI.WebsocketURL,
		Application:  cfg.ARI.Application,
		Username:     cfg.ARI.Username,
		Password:     cfg.ARI.Password,
	}, telephony.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create telephony client", "err", err)
		return 1
	}
	defer tel.Close()

	// ── Speech model ──────────────────────────────────────────────────────────
	speechProv := buildSpeech(cfg, logger)

	// ── Domains ───────────────────────────────────────────────────────────────
	domains := domain.NewRegistry()
	if err := domains.Register(rutcapture.New()); err != nil {
		slog.Error("failed to register domain", "err", err)
		return 1
	}

	webhooks := domain.NewHTTPGateway(cfg.Webhooks, logger)

	// ── Call finalization ─────────────────────────────────────────────────────
	finOpts := []finalize.Option{
		finalize.WithLogger(logger),
		finalize.WithStoredRecordingFetch(tel.StoredRecording),
		finalize.WithSegments(cfg.Features.ContinuousRecordingSegments),
	}
	if cfg.Postgres.DSN != "" {
		pool, perr := pgxpool.New(ctx, cfg.Postgres.DSN)
		if perr != nil {
			slog.Error("failed to connect to postgres", "err", perr)
			return 1
		}
		defer pool.Close()
		finOpts = append(finOpts, finalize.WithSink(finalize.NewPgSink(pool)))
		slog.Info("call records go to postgres")
	} else {
		slog.Warn("postgres.dsn not set, call records are log-only")
	}
	finalizer := finalize.New(cfg.Audio.FinalDir, finOpts...)

	// ── Admin HTTP (health + metrics) ─────────────────────────────────────────
	var adminSrv *http.Server
	if cfg.Server.ListenAddr != "" {
		adminSrv = newAdminServer(cfg.Server.ListenAddr, kv, tel, metrics)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server error", "err", err)
			}
		}()
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := adminSrv.Shutdown(closeCtx); err != nil {
				slog.Warn("admin server shutdown error", "err", err)
			}
		}()
	}

	// ── Application ───────────────────────────────────────────────────────────
	application := app.New(cfg, app.Deps{
		Telephony: tel,
		Speech:    speechProv,
		Domains:   domains,
		Store:     kv,
		Contracts: contracts,
		Webhooks:  webhooks,
		Finalizer: finalizer,
		Metrics:   metrics,
		Log:       logger,
	})

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	application.Shutdown(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

// buildSpeech creates the realtime speech provider from config, applying
// options only for the knobs that are set. The provider sits behind a
// connect-path circuit breaker.
func buildSpeech(cfg *config.Config, logger *slog.Logger) speech.Provider {
	opts := []speech.Option{speech.WithLogger(logger)}
	if cfg.Speech.Model != "" {
		opts = append(opts, speech.WithModel(cfg.Speech.Model))
	}
	if cfg.Speech.TranscriptionModel != "" || cfg.Speech.IncrementalTranscriptionModel != "" {
		opts = append(opts, speech.WithTranscriptionModels(
			cfg.Speech.TranscriptionModel,
			cfg.Speech.IncrementalTranscriptionModel,
		))
	}
	if cfg.Speech.BaseURL != "" {
		opts = append(opts, speech.WithBaseURL(cfg.Speech.BaseURL))
	}
	return speech.NewFailover(speech.NewRealtime(cfg.Speech.APIKey, opts...), "realtime")
}

// newAdminServer serves /healthz, /readyz and /metrics on addr.
func newAdminServer(addr string, kv store.KV, tel telephony.Adapter, metrics *observe.Metrics) *http.Server {
	probes := health.New(
		health.StoreChecker(kv),
		health.SwitchChecker(tel),
	)

	mux := http.NewServeMux()
	probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         arivoz — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Switch", cfg.ARI.BaseURL)
	printRow("App", cfg.ARI.Application)
	printRow("Speech model", cfg.Speech.Model)
	printRow("Voice", cfg.Speech.Voice)
	printRow("Store", cfg.Store.Addr)
	if cfg.Postgres.DSN != "" {
		printRow("Postgres", "configured")
	} else {
		printRow("Postgres", "(disabled)")
	}
	fmt.Printf("║  Bots configured : %-19d ║\n", len(cfg.Bots))
	fmt.Printf("║  Webhooks        : %-19d ║\n", len(cfg.Webhooks))
	if cfg.Server.ListenAddr != "" {
		printRow("Admin addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
