package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy"
	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/config"
)

var (
	version   = "0"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	listen := flag.String("listen", "", "listen address override, e.g. :8000 (defaults to system.port from config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s (%s), built at %s\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	pm, err := proxy.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start middleware: %v\n", err)
		os.Exit(1)
	}
	pm.SetVersionInfo(version, commit, buildDate)
	if err := pm.WatchConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config watch disabled: %v\n", err)
	}

	addr := *listen
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.System.Port)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: pm,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	pm.Shutdown()
}

func defaultConfigPath() string {
	if path := os.Getenv("MIDDLEWARE_CONFIG_PATH"); path != "" {
		return path
	}
	return "config/config.yaml"
}
