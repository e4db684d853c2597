// Command redis-cerberus starts the proxy: parse flags, load layered
// config, bring up logging and metrics, then run the reactor until a
// signal asks it to stop. Grounded on the-mhdi-eSIaaS's cmd/providerd/main.go
// (config -> logger -> service wiring) and yndnr-tokmesh-go's shutdown.Handler
// (signal.Notify(SIGINT, SIGTERM) -> graceful stop).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/zixinfeng/redis-cerberus/internal/config"
	"github.com/zixinfeng/redis-cerberus/internal/logging"
	"github.com/zixinfeng/redis-cerberus/internal/metrics"
	"github.com/zixinfeng/redis-cerberus/internal/proxy"
)

func main() {
	app := &cli.App{
		Name:  "redis-cerberus",
		Usage: "single-process TCP proxy multiplexing clients onto one upstream RESP connection",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"p"},
				Usage:    "listen port for client connections",
				Required: true,
				EnvVars:  []string{config.EnvPrefix + "LISTEN_PORT"},
			},
			&cli.StringFlag{
				Name:    "upstream",
				Usage:   "upstream Redis address, host:port",
				EnvVars: []string{config.EnvPrefix + "UPSTREAM_ADDR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "optional YAML config file path",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn, or error",
				EnvVars: []string{config.EnvPrefix + "LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "address the /metrics HTTP endpoint listens on",
				EnvVars: []string{config.EnvPrefix + "METRICS_ADDR"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(config.Flags{
		ListenPort:   c.Int("port"),
		UpstreamAddr: c.String("upstream"),
		LogLevel:     c.String("log-level"),
		MetricsAddr:  c.String("metrics-addr"),
		ConfigFile:   c.String("config"),
	})
	if err != nil {
		return err
	}

	zlog, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	reg := metrics.New()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: reg.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnw("metrics server stopped", "err", err)
		}
	}()

	p, err := proxy.New(cfg.ListenPort, cfg.UpstreamAddr, logger, reg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infow("received shutdown signal, stopping")
		p.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}()

	logger.Infow("redis-cerberus starting", "listen_port", cfg.ListenPort, "upstream", cfg.UpstreamAddr)
	if err := p.Run(); err != nil {
		return err
	}
	return p.Close()
}
