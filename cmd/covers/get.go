package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/adrien-f/covers/ident"
	"github.com/spf13/cobra"
)

var errNoCover = errors.New("no cover found")

func newGetCmd(flags *globalFlags) *cobra.Command {
	var (
		width  int
		height int
		output string
	)

	cmd := &cobra.Command{
		Use:   "get name=value...",
		Short: "Resolve a single cover",
		Long: `Resolve a single cover and write it as JPEG to a file or stdout.

Identifiers are given as name=value pairs using the HTTP parameter names:
isbn, oclc, lccn, gbid, upc, mbid, artist and album.`,
		Example: `  covers get isbn=9780140449136 oclc=55200947 --width 200 -o cover.jpg
  covers get artist=Cher album=Believe`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIdentifiers(args)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if width == 0 {
				width = cfg.Server.DefaultWidth
			}
			if height == 0 {
				height = cfg.Server.DefaultHeight
			}

			logger, logCloser, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logCloser.Close()

			a, err := newApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			data, found, err := a.service.GetCoverImage(cmd.Context(), ids, width, height)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w for %v", errNoCover, ids)
			}

			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Cover written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 0, "maximum width (defaults to server.default_width)")
	cmd.Flags().IntVar(&height, "height", 0, "maximum height (defaults to server.default_height)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to stdout)")
	return cmd
}

func parseIdentifiers(args []string) ([]ident.Identifier, error) {
	q := url.Values{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid identifier %q, expected name=value", arg)
		}
		q.Add(strings.ToLower(name), value)
	}
	ids := ident.FromQuery(q)
	if len(ids) == 0 {
		return nil, errors.New("no usable identifier given")
	}
	return ids, nil
}
