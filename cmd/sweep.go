package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"eventrelay/internal/bootstrap"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/errs"
	"eventrelay/internal/usecase/dispatch"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drain pending events to every backend once",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *dispatch.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		clean, _ := cmd.Flags().GetBool("clean")

		logging.Info(ctx, "start queue sweep", slog.Bool("clean", clean))
		svc.ProcessEventQueue(ctx, clean)

		if _, err := fmt.Fprintln(cmd.OutOrStdout(), "sweep completed"); err != nil {
			return errs.Wrap(err, "write sweep output")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Bool("clean", true, "Remove expired events after the sweep")
}
