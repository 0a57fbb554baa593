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

	"github.com/gaspardpetit/mcpbridge/internal/config"
	"github.com/gaspardpetit/mcpbridge/internal/logx"
	"github.com/gaspardpetit/mcpbridge/internal/metrics"
	"github.com/gaspardpetit/mcpbridge/internal/serve"
	"github.com/gaspardpetit/mcpbridge/internal/server"
	"github.com/gaspardpetit/mcpbridge/internal/session"
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
	var cfg config.ServerConfig
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcpbridge-%s version=%s sha=%s date=%s\n\n", binaryName(), version, buildSHA, buildDate)
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "usage: mcpbridge-%s [flags] [-- command args...]\n\n", binaryName())
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcpbridge-%s version=%s sha=%s date=%s\n", binaryName(), version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	cfg.ApplyArgs(flag.Args())
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	mgr := session.NewManager(session.ConfigFrom(cfg.MCP, version))
	handler, reg := server.New(cfg, mgr)
	metrics.SetBuildInfo("server", version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr, err := serve.UntilContext(ctx, cfg.Addr(), handler)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("listen")
	}
	logx.Log.Info().Str("addr", addr).Str("command", cfg.MCP.Command).Strs("args", cfg.MCP.Args).Msg("bridge listening")
	if !cfg.MetricsOnAPIPort() {
		maddr, err := serve.StartMetricsServer(ctx, cfg.MetricsAddr, reg)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server")
		}
		logx.Log.Info().Str("addr", maddr).Msg("metrics server started")
	}

	if cfg.InitOnStartup {
		go func() {
			if err := mgr.Initialize(ctx); err != nil {
				logx.Log.Warn().Err(err).Msg("mcp server failed to start; will retry on first request")
			}
		}()
	}

	<-ctx.Done()
	logx.Log.Warn().Msg("termination requested")
	if err := mgr.Shutdown(); err != nil {
		logx.Log.Error().Err(err).Msg("mcp server shutdown")
	}
}
