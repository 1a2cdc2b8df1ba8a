package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/screenrec/config"
	"github.com/babelcloud/gbox/packages/screenrec/internal/server"
	"github.com/babelcloud/gbox/packages/screenrec/internal/util"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control server",
		Long: `Run an HTTP server that starts, stops and discards recordings, lists the
recordings folder and streams recorder events over WebSocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
		Example: `  # Serve on the configured port
  screenrec serve

  # Serve on a specific port
  screenrec serve -p 8080`,
	}

	flags := cmd.Flags()
	flags.IntP("port", "p", 0, "Server port (default from config)")
	flags.StringP("output", "o", "", "Recordings folder")
	cmd.PreRun = bindFlags(map[string]string{
		"server.port": "port",
		"output.dir":  "output",
	})

	return cmd
}

func runServe(cmd *cobra.Command) error {
	ctrl, err := newController()
	if err != nil {
		return err
	}
	port := config.GetServerPort()
	srv := server.NewRecorderServer(port, ctrl, newCatalog())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s\n",
		color.GreenString("ScreenRec Server"),
		color.CyanString("➜"),
		color.BlueString("http://localhost:%d", port))
	fmt.Fprintln(out, color.CyanString("Press Ctrl+C to stop..."))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrapf(err, "failed to start server on port %d", port)
		}
		return nil
	case <-sigChan:
	}

	util.GetLogger().Info("shutting down server")
	if err := srv.Stop(); err != nil {
		return errors.Wrap(err, "failed to stop server")
	}
	return <-errChan
}
