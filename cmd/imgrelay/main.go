package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/imgrelay/internal/api"
	"github.com/gaspardpetit/imgrelay/internal/config"
	"github.com/gaspardpetit/imgrelay/internal/inflight"
	"github.com/gaspardpetit/imgrelay/internal/logx"
	"github.com/gaspardpetit/imgrelay/internal/metrics"
	"github.com/gaspardpetit/imgrelay/internal/ratelimit"
	"github.com/gaspardpetit/imgrelay/internal/secret"
	"github.com/gaspardpetit/imgrelay/internal/server"
	"github.com/gaspardpetit/imgrelay/internal/serverstate"
	"github.com/gaspardpetit/imgrelay/internal/upstream"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// loadConfig resolves configuration with precedence defaults < file < env < args.
func loadConfig(args []string, output io.Writer) (config.ServerConfig, bool, error) {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	explicit := config.GetEnv("CONFIG_FILE", "") != ""
	for i, a := range args {
		if (a == "--config" || a == "-config") && i+1 < len(args) {
			cfg.ConfigFile, explicit = args[i+1], true
			break
		}
		if v, ok := strings.CutPrefix(strings.TrimLeft(a, "-"), "config="); ok {
			cfg.ConfigFile, explicit = v, true
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return cfg, false, fmt.Errorf("load config %s: %w", cfg.ConfigFile, err)
		}
	}
	cfg.ApplyEnv()

	fs := flag.NewFlagSet("imgrelay", flag.ContinueOnError)
	fs.SetOutput(output)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg.BindFlagsFromCurrent(fs)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "imgrelay version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if *showVersion {
		_, _ = fmt.Fprintf(output, "imgrelay version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return cfg, true, nil
	}
	return cfg, false, cfg.Validate()
}

func newStore(ctx context.Context, cfg config.ServerConfig) (ratelimit.Store, func(), error) {
	if cfg.RedisAddr != "" {
		rs, err := ratelimit.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logx.Log.Info().Str("addr", secret.RedactURL(cfg.RedisAddr)).Msg("using redis rate limit store")
		return rs, func() { _ = rs.Close() }, nil
	}
	ms := ratelimit.NewMemoryStore()
	sweepCtx, stop := context.WithCancel(ctx)
	go ms.Run(sweepCtx, cfg.RateWindow)
	return ms, stop, nil
}

func main() {
	// A .env file in the working directory seeds the environment; real
	// environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Log.Warn().Err(err).Msg("read .env")
	}
	cfg, done, err := loadConfig(os.Args[1:], os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("configuration")
	}
	if done {
		return
	}

	logx.Configure(logx.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Version: version})

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("rate limit store")
	}
	defer closeStore()

	gen := upstream.New(upstream.Options{
		BaseURL:  cfg.ProviderURL,
		Width:    cfg.ImageWidth,
		Height:   cfg.ImageHeight,
		Timeout:  cfg.UpstreamTimeout,
		Retries:  cfg.UpstreamRetries,
		MaxBytes: cfg.MaxImageBytes,
	})
	var inFlight inflight.Counter
	handler := server.New(cfg, api.Deps{
		Generator: gen,
		Limiter:   ratelimit.New(store, cfg.RateLimit, cfg.RateWindow),
		InFlight:  &inFlight,
		Version:   version,
	}, preg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var metricsSrv *http.Server
	if !cfg.MetricsOnMainPort() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			waitCtx, stop := ctx, context.CancelFunc(func() {})
			if cfg.DrainTimeout > 0 {
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			}
			logx.Log.Info().Int64("inflight", inFlight.Load()).Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				defer stop()
				if inFlight.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
				} else if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("inflight", inFlight.Load()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	serverstate.SetState(serverstate.StateReady)
	logx.Log.Info().Int("port", cfg.Port).Str("provider", cfg.ProviderURL).Strs("allowed_origins", cfg.AllowedOrigins).Int("rate_limit", cfg.RateLimit).Dur("rate_window", cfg.RateWindow).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
