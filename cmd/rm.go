package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// NewRemoveCommand creates the rm command
func NewRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rm NAME [NAME...]",
		Aliases: []string{"delete"},
		Short:   "Delete recordings",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := newCatalog()
			var errs error
			for _, name := range args {
				if err := catalog.Delete(name); err != nil {
					errs = multierr.Append(errs, errors.Wrapf(err, "failed to delete %s", name))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
			}
			return errs
		},
		Example: `  screenrec rm ScreenRec_090324140507.mp4`,
	}
	return cmd
}
