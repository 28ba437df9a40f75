package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"eventrelay/internal/bootstrap"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/errs"
	"eventrelay/internal/usecase/dispatch"
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Record one event and sweep the queues",
	RunE: withApp(func(cmd *cobra.Command, _ *bootstrap.App, svc *dispatch.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		eventType, _ := cmd.Flags().GetString("type")
		userID, _ := cmd.Flags().GetUint64("user-id")
		userProps, _ := cmd.Flags().GetString("user-props")
		eventProps, _ := cmd.Flags().GetString("event-props")
		instant, _ := cmd.Flags().GetBool("instant")

		input := dispatch.EmitInput{
			Type:                eventType,
			InstantSendIntercom: instant,
		}
		if userID != 0 {
			input.UserID = &userID
		}

		var err error
		if input.UserProperties, err = parseProps(userProps); err != nil {
			return errs.Wrap(err, "parse user-props")
		}
		if input.EventProperties, err = parseProps(eventProps); err != nil {
			return errs.Wrap(err, "parse event-props")
		}

		if err := svc.Emit(ctx, input); err != nil {
			logging.Error(ctx, "emit failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "emit event")
		}

		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "event emitted type=%s\n", eventType); err != nil {
			return errs.Wrap(err, "write emit output")
		}
		return nil
	}),
}

func parseProps(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, err
	}
	return props, nil
}

func init() {
	rootCmd.AddCommand(emitCmd)

	emitCmd.Flags().String("type", "", "Event type name from the registry")
	emitCmd.Flags().Uint64("user-id", 0, "Host user id the event belongs to")
	emitCmd.Flags().String("user-props", "", "User properties as a JSON object")
	emitCmd.Flags().String("event-props", "", "Event properties as a JSON object")
	emitCmd.Flags().Bool("instant", false, "Send to Intercom synchronously")
	_ = emitCmd.MarkFlagRequired("type")
}
