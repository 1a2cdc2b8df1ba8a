package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/screenrec/config"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/ffmpeg"
)

// NewEncodersCommand creates the encoders command
func NewEncodersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encoders",
		Short: "List usable hardware H.264 encoders",
		Long: `Probe ffmpeg for hardware H.264 encoders whose device is present. The first
one listed is what "auto" selects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			det := &ffmpeg.Detector{FFmpegPath: config.GetFFmpegPath()}
			found, err := det.Available(ctx)
			if err != nil {
				return errors.Wrap(err, "failed to probe ffmpeg")
			}
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, color.RedString("No hardware H.264 encoder available"))
				return ffmpeg.ErrNoHardwareEncoder
			}
			for i, name := range found {
				if i == 0 {
					fmt.Fprintf(out, "%s %s\n", name, color.GreenString("(auto)"))
					continue
				}
				fmt.Fprintln(out, name)
			}
			fmt.Fprintf(out, "audio: %s %s\n", det.AudioEncoder(ctx), color.GreenString("(auto)"))
			return nil
		},
	}
	return cmd
}
