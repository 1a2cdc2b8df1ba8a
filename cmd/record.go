package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
)

type recordOptions struct {
	bitrate  int
	duration time.Duration
	discard  bool
}

// NewRecordCommand creates the record command
func NewRecordCommand() *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the screen until interrupted",
		Long: `Start a recording and keep it running until Ctrl+C, or until --duration
elapses. The file is finalized on exit and kept unless --discard is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts)
		},
		Example: `  # Record until Ctrl+C
  screenrec record

  # Record 30 seconds at 4 Mbit/s as Matroska
  screenrec record --duration 30s --bitrate 4000000 --format mkv

  # Dry run: record then throw the file away
  screenrec record --duration 5s --discard`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.bitrate, "bitrate", "b", 0, "Video bitrate in bit/s (default from config)")
	flags.DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long")
	flags.BoolVar(&opts.discard, "discard", false, "Delete the file instead of keeping it")
	flags.StringP("format", "f", "", "Container format: mp4 or mkv")
	flags.StringP("output", "o", "", "Recordings folder")
	flags.String("encoder", "", "Hardware H.264 encoder, or auto")

	cmd.PreRun = bindFlags(map[string]string{
		"output.format": "format",
		"output.dir":    "output",
		"video.encoder": "encoder",
	})

	return cmd
}

func runRecord(cmd *cobra.Command, opts *recordOptions) error {
	if opts.bitrate < 0 {
		return errors.Errorf("invalid bitrate %d", opts.bitrate)
	}
	ctrl, err := newController()
	if err != nil {
		return err
	}

	events := ctrl.Events().Subscribe(16)
	defer ctrl.Events().Unsubscribe(events)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	grant := source.NewGrant()
	sess, err := ctrl.Start(ctx, grant, opts.bitrate)
	cancel()
	if err != nil {
		return errors.Wrap(err, "failed to start recording")
	}

	out := cmd.OutOrStdout()
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	fmt.Fprintf(out, "%s Recording to %s\n", red("●"), sess.Path)
	fmt.Fprintln(out, color.CyanString("Press Ctrl+C to stop..."))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var tick <-chan time.Time
	live := isTerminal(out)
	if live {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	var res *session.Result
wait:
	for {
		select {
		case <-sigChan:
			break wait
		case <-deadline:
			break wait
		case now := <-tick:
			fmt.Fprintf(out, "\r%s %s", red("●"), formatDuration(now.Sub(sess.CreatedAt)))
		case ev, ok := <-events:
			if !ok {
				break wait
			}
			if ev.Type == session.EventStopped && ev.SessionID == sess.ID {
				// stopped from elsewhere, e.g. the grant was revoked
				res = ev.Result
				break wait
			}
		}
	}
	if live {
		fmt.Fprint(out, "\r")
	}

	if res == nil {
		if opts.discard {
			res, err = ctrl.Discard()
		} else {
			res, err = ctrl.Stop()
		}
		if errors.Is(err, session.ErrNotRecording) {
			res, err = ctrl.LastResult(), nil
		}
		if err != nil {
			return err
		}
	}
	if opts.discard {
		// the session may have ended on its own and kept the file
		if err := discardResult(res); err != nil {
			return errors.Wrap(err, "failed to delete recording")
		}
	}
	printResult(out, res)
	if res != nil && res.Error != "" {
		return errors.Errorf("recording finished with errors: %s", res.Error)
	}
	return nil
}

// discardResult deletes the file of a result that was kept.
func discardResult(res *session.Result) error {
	if res == nil || res.Discarded {
		return nil
	}
	if res.Path != "" {
		if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	res.Discarded, res.Bytes = true, 0
	return nil
}

func printResult(w io.Writer, res *session.Result) {
	if res == nil {
		return
	}
	if res.Discarded {
		fmt.Fprintf(w, "%s Recording discarded after %s\n", color.YellowString("✗"), formatDuration(res.Duration))
		return
	}
	fmt.Fprintf(w, "%s Saved %s (%s, %s)\n", color.GreenString("✓"), res.Path, formatDuration(res.Duration), formatSize(res.Bytes))
	if res.AudioDropped > 0 || res.WriteErrors > 0 {
		fmt.Fprintf(w, "  %s %d audio blocks dropped, %d write errors\n", color.YellowString("!"), res.AudioDropped, res.WriteErrors)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
