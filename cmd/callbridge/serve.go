package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"callbridge/config"
	"callbridge/demo/calculator"
	"callbridge/middleware"
	"callbridge/registry"
	"callbridge/server"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "host the calculator demo",
		Description: `Every connection gets its own calculator instance, closed when the connection ends.
	Callers connect over tcp on --listen, or over websocket on --http-listen, which also serves /metrics.`,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "listen",
				Usage:    "tcp address to accept callers on, empty to disable",
				Category: "Network Options",
			},
			&cli.StringFlag{
				Name:     "http-listen",
				Usage:    "http address serving the websocket endpoint and metrics, empty to disable",
				Category: "Network Options",
			},
			&cli.StringFlag{
				Name:        "advertise",
				DefaultText: "same as listen",
				Usage:       "tcp address to advertise to the registry",
				Category:    "Network Options",
			},
			&cli.StringFlag{
				Name:  "codec",
				Usage: "wire codec, json or binary",
			},
			&cli.StringSliceFlag{
				Name:     "etcd",
				Usage:    "etcd endpoints to advertise the hosted contracts to",
				Category: "Registry Options",
			},
		},
		Action: cmdServe,
	}
}

func cmdServe(ctx *cli.Context) error {
	logger, err := loggerFrom(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics, err := middleware.NewMetrics(promReg)
	if err != nil {
		return errors.Wrap(err, "registering metrics")
	}

	host, err := server.NewHost(func() any { return calculator.New(logger) },
		server.WithHostLogger(logger),
		server.WithContracts(calculator.Contracts...),
		server.WithHostMiddleware(hostMiddleware(logger, cfg, metrics)...),
		server.WithHostCodec(cfg.CodecType()),
		server.WithHostHeartbeat(cfg.Heartbeat))
	if err != nil {
		return errors.Wrap(err, "creating host")
	}

	g, gctx := errgroup.WithContext(ctx.Context)

	var instances []registry.Instance
	if cfg.Listen != "" {
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return errors.Wrap(err, "listening for tcp callers")
		}
		advertise := cfg.Advertise
		if advertise == "" {
			advertise = l.Addr().String()
		}
		instances = append(instances, registry.Instance{Addr: advertise, Network: registry.NetworkTCP})
		g.Go(func() error {
			return host.Serve(l)
		})
	}

	var httpServer *http.Server
	if cfg.HTTPListen != "" {
		l, err := net.Listen("tcp", cfg.HTTPListen)
		if err != nil {
			return errors.Wrap(err, "listening for http")
		}
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.WebSocketPath, host.ServeWebSocket)
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.With(zap.String("subsystem", "http"))),
		}
		instances = append(instances, registry.Instance{Addr: cfg.WebSocketURL(l.Addr().String()), Network: registry.NetworkWebSocket})
		logger.Info("Serving websocket callers", zap.String("url", cfg.WebSocketURL(l.Addr().String())))
		g.Go(func() error {
			if err := httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if len(cfg.Etcd) > 0 {
		etcd, err := registry.NewEtcd(logger, cfg.Etcd)
		if err != nil {
			return errors.Wrap(err, "connecting to etcd")
		}
		defer etcd.Close()
		for _, instance := range instances {
			if err := host.Advertise(ctx.Context, etcd, instance, cfg.TTL); err != nil {
				host.Shutdown(cfg.Shutdown)
				return err
			}
		}
	}

	<-gctx.Done()
	logger.Info("Shutting down", zap.Error(context.Cause(gctx)))

	if err := host.Shutdown(cfg.Shutdown); err != nil {
		logger.Warn("Host did not shut down cleanly", zap.Error(err))
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Closing http server", zap.Error(err))
		}
	}
	return g.Wait()
}

func hostMiddleware(logger *zap.Logger, cfg *config.Config, metrics middleware.Metrics) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.Logging(logger),
		middleware.Instrument(metrics),
	}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.Timeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.Timeout))
	}
	return mws
}
