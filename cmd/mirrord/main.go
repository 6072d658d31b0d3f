package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pyropy/mirror/core/engine"
	"github.com/pyropy/mirror/lib/logger"
	"github.com/pyropy/mirror/lib/stats"
	"golang.org/x/sync/errgroup"
)

var log, _ = logger.New("mirrord")

func main() {
	if err := run(); err != nil {
		log.Fatalw("startup", "error", err)
	}
}

func run() error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(engine.Config{
		Volume:       &cfg.Volume,
		MetadataPath: cfg.Metadata.Path,
		QueueDepth:   cfg.Backend.QueueDepth,
	})
	if err != nil {
		return err
	}

	if err := e.Start(ctx); err != nil {
		return err
	}
	log.Infow("startup", "status", "engine started", "volumes", len(e.List()), "metadataPath", cfg.Metadata.Path)

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := e.Close(closeCtx); err != nil {
			log.Errorw("shutdown", "error", err)
		}
		log.Infow("shutdown", "status", "engine stopped")
	}()

	server := rpc.NewServer()
	if err := server.Register(NewVolumeAPI(ctx, e)); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, server)

	rpcServer := &http.Server{Handler: mux}
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		log.Infow("startup", "error", "net listen failed")
		return err
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(stats.Gather, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("startup", "status", "volume rpc server started", "address", l.Addr().String())
		if err := rpcServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Infow("startup", "status", "metrics server started", "address", cfg.Metrics.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutdown", "status", "servers stopping", "address", l.Addr().String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return errors.Join(rpcServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
