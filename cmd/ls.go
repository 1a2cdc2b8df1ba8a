package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/screenrec/config"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/library"
	"github.com/babelcloud/gbox/packages/screenrec/internal/util"
)

// NewListCommand creates the ls command
func NewListCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List recordings",
		Long:    `List the recordings folder, newest first, with the duration and tracks of each file.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recordings, err := newCatalog().List()
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recordings)
			}
			renderRecordings(cmd.OutOrStdout(), recordings)
			return nil
		},
		Example: `  screenrec ls
  screenrec ls --output json`,
	}

	flags := cmd.Flags()
	flags.StringVar(&outputFormat, "output", "text", "Output format (text or json)")
	flags.String("dir", "", "Recordings folder")
	cmd.PreRun = bindFlags(map[string]string{"output.dir": "dir"})

	return cmd
}

func renderRecordings(w io.Writer, recordings []library.Recording) {
	columns := []util.TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "DURATION", Key: "duration", Right: true},
		{Header: "SIZE", Key: "size", Right: true},
		{Header: "TRACKS", Key: "tracks"},
		{Header: "MODIFIED", Key: "modified"},
	}

	rows := make([]map[string]interface{}, 0, len(recordings))
	for _, r := range recordings {
		row := map[string]interface{}{
			"name":     r.Name,
			"size":     formatSize(r.Size),
			"modified": r.ModTime.Format("2006-01-02 15:04:05"),
		}
		switch {
		case r.Info != nil:
			row["duration"] = formatDuration(r.Info.Duration)
			kinds := make([]string, 0, len(r.Info.Tracks))
			for _, t := range r.Info.Tracks {
				kinds = append(kinds, t.Codec)
			}
			tracks := strings.Join(kinds, "+")
			if !r.Info.Playable() {
				tracks = color.YellowString("%s (incomplete)", tracks)
			}
			row["tracks"] = tracks
		default:
			row["duration"] = "-"
			row["tracks"] = color.RedString("unreadable")
		}
		rows = append(rows, row)
	}

	util.RenderTable(w, columns, rows)
	if n := len(recordings); n > 0 {
		fmt.Fprintf(w, "\n%d recording(s) in %s\n", n, config.GetOutputDir())
	}
}
