package main

import (
	"github.com/adrien-f/covers/thumbnail"
	"github.com/spf13/cobra"
)

// newThumbnailPluginCmd is started by the service itself when
// thumbnail.type is "plugin".
func newThumbnailPluginCmd() *cobra.Command {
	var quality int

	cmd := &cobra.Command{
		Use:    "thumbnail-plugin",
		Short:  "Run the thumbnailer as a plugin process",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			thumbnail.ServePlugin(thumbnail.NewNative(thumbnail.WithQuality(quality)))
		},
	}
	cmd.Flags().IntVar(&quality, "quality", thumbnail.DefaultQuality, "JPEG quality")
	return cmd
}
