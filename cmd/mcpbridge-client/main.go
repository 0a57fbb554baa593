package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/mcpbridge/internal/config"
	"github.com/gaspardpetit/mcpbridge/internal/logx"
	"github.com/gaspardpetit/mcpbridge/internal/metrics"
	"github.com/gaspardpetit/mcpbridge/internal/proxy"
	"github.com/gaspardpetit/mcpbridge/internal/serve"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func binaryName() string {
	b := filepath.Base(os.Args[0])
	if strings.HasPrefix(b, "mcpbridge-") {
		return strings.TrimPrefix(b, "mcpbridge-")
	}
	return b
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ClientConfig
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcpbridge-%s version=%s sha=%s date=%s\n\n", binaryName(), version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		// stdout is the protocol channel only once serving starts.
		fmt.Printf("mcpbridge-%s version=%s sha=%s date=%s\n", binaryName(), version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.Register(reg)
		metrics.SetBuildInfo("client", version, buildSHA, buildDate)
		addr, err := serve.StartMetricsServer(ctx, cfg.MetricsAddr, reg)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server")
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server started")
	}

	client := proxy.NewClient(cfg.BridgeURL, cfg.RequestTimeout)
	if cfg.Monitor {
		go proxy.MonitorBridge(ctx, client)
	}
	logx.Log.Info().Str("url", client.BaseURL()).Msg("connected to bridge")

	if err := proxy.NewServer(client, version).Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logx.Log.Fatal().Err(err).Msg("proxy stopped")
	}
	logx.Log.Info().Msg("stdin closed; exiting")
}
