package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/meetworks/sfu-signaling/internal/config"
	"github.com/meetworks/sfu-signaling/internal/mediaworker"
)

func main() {
	cfg, err := config.LoadWorker(os.Args[1:])
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

	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		cfg.Name = hostname + "_" + strconv.Itoa(os.Getpid())
	}

	logger.Info("starting media-worker",
		"server_url", cfg.ServerURL,
		"name", cfg.Name,
		"reconnect_interval", cfg.ReconnectInterval,
		"rtc_port_min", cfg.RTCPortMin,
		"rtc_port_max", cfg.RTCPortMax,
		"nat_1to1_ips", cfg.NAT1To1IPs,
	)

	engine, err := mediaworker.NewEngine(cfg, logger)
	if err != nil {
		logger.Error("failed to configure media engine", "err", err)
		os.Exit(2)
	}

	client := mediaworker.NewClient(cfg, engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown signal received")
	engine.Clear()
}
