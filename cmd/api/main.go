package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"nbihak.org/internal/config"
	"nbihak.org/internal/httpapi"
	"nbihak.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("NBIHAK_CONFIG"), "optional YAML config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logger := obs.NewLogger(cfg.LogLevel, os.Stdout)
	restore := obs.SetLogger(logger)
	defer restore()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server.exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := obs.Logger()
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           a.api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, httpapi.NewGRPCServer(a.probe))

	errCh := make(chan error, 2)
	go func() {
		log.Info("server.start", "transport", "http", "addr", srv.Addr, "version", version, "store", a.storeKind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("server.start", "transport", "grpc", "addr", cfg.GRPC.Address)
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server.shutdown")
	case err = <-errCh:
		log.Error("server.failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("server.shutdown.http", "error", serr)
	}
	gs.GracefulStop()
	log.Info("server.stopped")
	return err
}
