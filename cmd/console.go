package cmd

import (
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"eventrelay/internal/bootstrap"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/errs"
	"eventrelay/internal/usecase/console"
	"eventrelay/internal/usecase/dispatch"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Start the operator console (event queue view)",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *dispatch.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		limit, _ := cmd.Flags().GetInt("limit")
		refreshInterval, _ := cmd.Flags().GetDuration("refresh-interval")
		if refreshInterval <= 0 {
			refreshInterval = 5 * time.Second
		}

		model := console.NewModel(ctx, svc, console.Options{
			RefreshInterval: refreshInterval,
			Limit:           limit,
		})

		program := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := program.Run(); err != nil {
			return errs.Wrap(err, "run console")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(consoleCmd)

	consoleCmd.Flags().Int("limit", 30, "How many recent events to show")
	consoleCmd.Flags().Duration("refresh-interval", 5*time.Second, "Queue refresh interval")
}
