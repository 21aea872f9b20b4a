package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/adrien-f/covers"
	"github.com/adrien-f/covers/cache"
	"github.com/adrien-f/covers/internal/config"
	"github.com/adrien-f/covers/internal/logging"
	"github.com/adrien-f/covers/source"
	"github.com/adrien-f/covers/thumbnail"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "covers",
		Short: "Resolve, scale and cache cover images",
		Long: `covers looks up cover images for books and albums by ISBN, OCLC, LCCN,
Google Books id, UPC, MusicBrainz id or artist/album, scales them to a
bounding box and caches both the originals and the scaled copies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file (YAML, TOML or JSON)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(flags),
		newGetCmd(flags),
		newThumbnailPluginCmd(),
	)
	return root
}

// loadConfig reads and validates the configuration.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, console io.Writer) (logr.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, console)
}

// app holds a service and the resources it was built from. The service
// does not own them: they are released by app.Close.
type app struct {
	service *covers.Service
	sources []source.Source
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// newApp builds the service described by cfg. reg may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger logr.Logger, reg prometheus.Registerer) (*app, error) {
	sources, err := cfg.BuildSources()
	if err != nil {
		return nil, err
	}
	a := &app{sources: sources}

	c, err := cache.Open(ctx, cfg.CacheBackend())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if c != nil {
		a.closers = append(a.closers, c)
	}

	thumbnailer, err := newThumbnailer(ctx, cfg.Thumbnail, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closer, ok := thumbnailer.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
	if reader, ok := thumbnailer.(source.MetadataReader); ok {
		for _, src := range sources {
			if fs, ok := src.(*source.Filesystem); ok {
				fs.SetMetadataReader(reader)
			}
		}
	}

	opts := []covers.Option{
		covers.WithLogger(logger),
		covers.WithCache(c),
		covers.WithSources(sources...),
		covers.WithThumbnailer(thumbnailer),
	}
	if reg != nil {
		metrics, err := covers.NewMetrics(reg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, covers.WithMetrics(metrics))
	}

	svc, err := covers.New(opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	a.service = svc

	logger.V(1).Info("Service ready", "cache", cfg.Cache.Type, "thumbnailer", cfg.Thumbnail.Type, "sources", svc.Sources())
	return a, nil
}

func newThumbnailer(ctx context.Context, cfg config.ThumbnailConfig, logger logr.Logger) (thumbnail.Thumbnailer, error) {
	switch cfg.Type {
	case config.ThumbnailImageMagick:
		im := thumbnail.NewImageMagick(cfg.ConvertPath, cfg.IdentifyPath)
		version, err := im.Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("imagemagick is not usable: %w", err)
		}
		logger.Info("Using ImageMagick", "version", version)
		return im, nil
	case config.ThumbnailPlugin:
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		cmd := exec.Command(self, "thumbnail-plugin", "--quality", fmt.Sprint(cfg.Quality))
		p, err := thumbnail.LaunchPlugin(cmd, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return thumbnail.NewNative(thumbnail.WithQuality(cfg.Quality)), nil
	}
}
