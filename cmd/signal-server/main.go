package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/meetworks/sfu-signaling/internal/auth"
	"github.com/meetworks/sfu-signaling/internal/config"
	"github.com/meetworks/sfu-signaling/internal/httpserver"
	"github.com/meetworks/sfu-signaling/internal/metrics"
	"github.com/meetworks/sfu-signaling/internal/roompolicy"
	sig "github.com/meetworks/sfu-signaling/internal/signal"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signal-server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"tls", cfg.TLSEnabled(),
		"auth_mode", cfg.AuthMode,
		"peer_timeout", cfg.PeerTimeout,
		"worker_timeout", cfg.WorkerTimeout,
		"queue_depth", cfg.QueueDepth,
		"batch_size", cfg.BatchSize,
	)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	policies := roompolicy.NewStore(policySource(cfg), logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	core := sig.NewServer(cfg, logger, m, verifier, policies)
	core.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedCtx, cancelSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		core.Run(schedCtx)
	}()
	go policies.Run(schedCtx, cfg.PolicyRefreshInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		cancelSched()
		<-schedDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	cancelSched()
	<-schedDone

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// policySource picks the room policy backing store: Redis wins over a local
// file, and with neither configured the store stays empty.
func policySource(cfg config.Config) roompolicy.Source {
	if cfg.PolicyRedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.PolicyRedisAddr,
			Password: cfg.PolicyRedisPassword,
			DB:       cfg.PolicyRedisDB,
		})
		return roompolicy.RedisSource{Client: client, Key: cfg.PolicyRedisKey}
	}
	if cfg.PolicyFile != "" {
		return roompolicy.FileSource{Path: cfg.PolicyFile}
	}
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
