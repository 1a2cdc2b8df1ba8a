package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/screenrec/config"
	"github.com/babelcloud/gbox/packages/screenrec/internal/util"
	"github.com/babelcloud/gbox/packages/screenrec/internal/version"
)

var (
	verbose    bool
	configFile string

	rootCmd = &cobra.Command{
		Use:   "screenrec",
		Short: "Record the screen and system audio",
		Long: `screenrec captures the desktop and the system audio mix, encodes them with a
hardware H.264 encoder and AAC, and writes a playable MP4 or Matroska file to
the recordings folder.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitLogger(verbose)
			if err := config.Load(configFile); err != nil {
				return err
			}
			if f := config.ConfigFile(); f != "" {
				util.GetLogger().Debug("loaded config", "file", f)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	flags.StringVar(&configFile, "config", "", "Config file (default: search ./, $XDG_CONFIG_HOME/screenrec, /etc/screenrec)")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewRemoveCommand())
	rootCmd.AddCommand(NewEncodersCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
