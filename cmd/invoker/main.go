package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/forgerun/invoker/internal/bus"
	"github.com/forgerun/invoker/internal/config"
	"github.com/forgerun/invoker/internal/control"
	"github.com/forgerun/invoker/internal/engine"
	"github.com/forgerun/invoker/internal/gateway"
	"github.com/forgerun/invoker/internal/logging"
	"github.com/forgerun/invoker/internal/registry"
)

var configPath = flag.String("config", filepath.Join("configs", "config.yaml"), "Path to the configuration file")

func main() {
	flag.Parse()

	tempLogger, _ := logging.New("info", filepath.Join(".", "logs", "invoker"))
	cfg, err := config.Load(*configPath, tempLogger)
	if err != nil {
		tempLogger.Fatal("failed to load configuration", zap.Error(err), zap.String("path", *configPath))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		tempLogger.Fatal("failed to set up logger with configured level", zap.Error(err))
	}
	defer logger.Sync()
	cfg.Logger = logger

	eng, err := engine.New(cfg.EngineEndpoint, logger)
	if err != nil {
		logger.Fatal("failed to build container-engine client", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.VolumesRoot, 0o755); err != nil {
		logger.Fatal("failed to create volumes root", zap.String("path", cfg.VolumesRoot), zap.Error(err))
	}

	reg := registry.New(eng, logger, clock.New(), cfg.ControlSocketPath, cfg.ControlSocketInnerPath, cfg.VolumesRoot)

	gw := gateway.New(cfg.UpstreamURL, cfg.UpstreamConnectTimeout, logger, reg)

	dispatcher := control.New(reg, eng, gw, logger)

	server, err := bus.Listen(cfg.ControlSocketPath, logger)
	if err != nil {
		logger.Fatal("failed to listen on control socket", zap.String("path", cfg.ControlSocketPath), zap.Error(err))
	}

	go func() {
		if err := server.Serve(dispatcher.OnConnect); err != nil {
			logger.Error("control bus accept loop exited", zap.Error(err))
		}
	}()

	ctx, cancelGateway := context.WithCancel(context.Background())
	go func() {
		if err := gw.Run(ctx); err != nil {
			logger.Error("gateway connection failed", zap.Error(err))
		}
	}()

	logger.Info("invoker is running",
		zap.String("control_socket", cfg.ControlSocketPath),
		zap.String("upstream", cfg.UpstreamURL),
		zap.String("engine", cfg.EngineEndpoint),
	)

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan

	logger.Info("shutting down invoker")
	cancelGateway()
	gw.Stop()
	server.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := reg.StopAll(shutdownCtx); err != nil {
		logger.Warn("errors while stopping tasks during shutdown", zap.Error(err))
	}
}
