package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sessionforge/arena/internal/arena"
	"github.com/sessionforge/arena/internal/config"
	"github.com/sessionforge/arena/internal/games/tictactoe"
	"github.com/sessionforge/arena/internal/matchmaker"
	"github.com/sessionforge/arena/internal/metrics"
	"github.com/sessionforge/arena/internal/token"
	"github.com/sessionforge/arena/internal/transport"
)

const MatchConfigPath = "config/matchserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load config FIRST to determine log level
	cfgPath := MatchConfigPath
	if p := os.Getenv("ARENA_MATCH_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadMatchServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading match config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("arena matchmaking server starting", "log_level", cfg.LogLevel)

	secret, err := cfg.Token.SecretBytes()
	if err != nil {
		return fmt.Errorf("loading token secret: %w", err)
	}

	// One codec per process: verifies auth-issued queue tokens, signs
	// session и cancel токены issuer'ом матчмейкера.
	codec, err := token.New(token.Config{
		Algorithm:    cfg.Token.Algorithm,
		Secret:       secret,
		Issuer:       cfg.Token.Issuer,
		AcceptIssuer: cfg.Token.AcceptIssuer,
		TTL:          cfg.Token.TTL(),
		Leeway:       cfg.Token.Leeway(),
	})
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("arena")
	}

	var tOpts []transport.Option
	if m != nil {
		tOpts = append(tOpts, transport.WithStats(m), transport.WithMetricsHandler(m.Handler()))
	}
	ws, err := transport.New(transport.Config{
		BindAddress:   cfg.BindAddress,
		Port:          cfg.Port,
		WSPath:        cfg.WSPath,
		ReadLimit:     cfg.ReadLimit,
		SendQueueSize: cfg.SendQueueSize,
		TLS: transport.TLSConfig{
			Enabled:       cfg.TLS.Enabled,
			CertFile:      cfg.TLS.CertFile,
			KeyFile:       cfg.TLS.KeyFile,
			AutocertHosts: cfg.TLS.AutocertHosts,
			CacheDir:      cfg.TLS.CacheDir,
		},
	}, tOpts...)
	if err != nil {
		return fmt.Errorf("creating websocket server: %w", err)
	}

	var mmOpts []matchmaker.Option
	if m != nil {
		mmOpts = append(mmOpts, matchmaker.WithStats(m))
	}
	mm, err := matchmaker.New(matchmaker.Config{
		Engine: arena.Config{
			TickPeriod:       cfg.Engine.TickPeriod(),
			Workers:          cfg.Engine.Workers,
			TickWorkers:      cfg.Engine.TickWorkers,
			QueueCapacity:    cfg.Engine.QueueCapacity,
			ArchiveRetention: cfg.Engine.ArchiveRetention(),
		},
		MatchPeriod: cfg.MatchPeriod(),
	}, ws, codec, codec, tictactoe.EntryFactory, tictactoe.NewMatchmaker(), mmOpts...)
	if err != nil {
		return fmt.Errorf("creating matchmaker: %w", err)
	}
	ws.SetReceiver(mm)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting websocket server",
			"bind", cfg.BindAddress, "port", cfg.Port, "path", cfg.WSPath, "tls", cfg.TLS.Enabled)
		if err := ws.Run(gctx); err != nil {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := mm.Run(gctx); err != nil {
			return fmt.Errorf("matchmaker: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
