// Command runnerhost hosts the example runners over TCP (and optionally
// websocket), publishing them in etcd when endpoints are configured.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"runner-rpc/codec"
	"runner-rpc/config"
	"runner-rpc/discovery"
	"runner-rpc/middleware"
	"runner-rpc/server"
	"runner-rpc/transport"
)

func main() {
	configPath := flag.String("config", "runnerhost.yaml", "path to a YAML or TOML config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "runnerhost:", err)
		os.Exit(1)
	}
}

// loadDotEnv loads environment variables from path. A missing file is
// ignored so .env files remain optional.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func run(configPath, envFile string) error {
	if err := loadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	codecType, _ := codec.ParseType(cfg.Server.Codec) // checked by Validate
	svr := server.NewServer(
		server.WithLogger(log),
		server.WithTTL(cfg.Discovery.TTL),
		server.WithTransport(
			transport.WithCodec(codecType),
			transport.WithHeartbeat(config.Duration(cfg.Server.Heartbeat)),
			transport.WithMaxBody(cfg.Server.MaxBody),
		),
	)
	svr.Use(middleware.LoggingMiddleware(log))
	if cfg.Limits.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Limits.Rate, cfg.Limits.Burst))
	}
	if d := config.Duration(cfg.Limits.Timeout); d > 0 {
		svr.Use(middleware.TimeOutMiddleware(d))
	}
	if err := registerRunners(svr); err != nil {
		return err
	}

	var dir discovery.Directory
	if len(cfg.Discovery.Endpoints) > 0 {
		etcd, err := discovery.NewEtcdDirectory(discovery.EtcdConfig{
			Endpoints:   cfg.Discovery.Endpoints,
			DialTimeout: config.Duration(cfg.Discovery.DialTimeout),
			Prefix:      cfg.Discovery.Prefix,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		defer etcd.Close()
		dir = etcd
	}

	advertise := cfg.Server.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.Server.Addr
	}

	errc := make(chan error, 2)
	go func() {
		errc <- svr.Serve(cfg.Server.Network, cfg.Server.Addr, advertise, dir)
	}()

	var httpSrv *http.Server
	if cfg.Server.WebSocketAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Server.WebSocketPath, svr.Handler())
		httpSrv = &http.Server{Addr: cfg.Server.WebSocketAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		log.Info("runnerhost.websocket", zap.String("addr", cfg.Server.WebSocketAddr), zap.String("path", cfg.Server.WebSocketPath))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("runnerhost.shutdown", zap.String("signal", s.String()))
	case err := <-errc:
		if err != nil {
			log.Error("runnerhost.serve failed", zap.Error(err))
		}
	}

	if httpSrv != nil {
		_ = httpSrv.Close()
	}
	return svr.Shutdown(config.Duration(cfg.Server.ShutdownTimeout))
}
