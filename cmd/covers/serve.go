package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/adrien-f/covers/ident"
	"github.com/adrien-f/covers/internal/grpcapi"
	"github.com/adrien-f/covers/internal/server"
	"github.com/adrien-f/covers/source"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve covers over HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger, logCloser, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			if !flags.verbose {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()

			var httpServer *server.Server
			if cfg.Server.HTTPAddr != "" {
				httpServer, err = server.New(a.service, server.Options{
					Logger:        logger.WithName("http"),
					Placeholder:   cfg.Server.Placeholder,
					DefaultWidth:  cfg.Server.DefaultWidth,
					DefaultHeight: cfg.Server.DefaultHeight,
				})
				if err != nil {
					return err
				}
			}
			var grpcServer *grpcapi.Server
			if cfg.Server.GRPCAddr != "" {
				grpcServer, err = grpcapi.NewServer(a.service, grpcapi.Options{
					Logger:        logger.WithName("grpc"),
					DefaultWidth:  cfg.Server.DefaultWidth,
					DefaultHeight: cfg.Server.DefaultHeight,
				})
				if err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			if httpServer != nil {
				g.Go(func() error {
					return httpServer.ListenAndServe(ctx, cfg.Server.HTTPAddr)
				})
			}
			if grpcServer != nil {
				g.Go(func() error {
					return grpcServer.ListenAndServe(ctx, cfg.Server.GRPCAddr)
				})
			}

			// Covers dropped into a watched directory clear the matching
			// no-content markers.
			for _, src := range a.sources {
				fs, ok := src.(*source.Filesystem)
				if !ok {
					continue
				}
				g.Go(func() error {
					watchLogger := logger.WithName("watch")
					err := fs.Watch(ctx, watchLogger, func(id ident.Identifier) {
						if err := a.service.Forget(context.WithoutCancel(ctx), id); err != nil {
							watchLogger.Error(err, "Failed to forget missing cover", "id", id.String())
						}
					})
					if err != nil {
						watchLogger.Error(err, "Filesystem watch stopped", "root", fs.Root())
					}
					return nil
				})
			}

			logger.Info("Serving covers", "http", cfg.Server.HTTPAddr, "grpc", cfg.Server.GRPCAddr)
			return g.Wait()
		},
	}
}
