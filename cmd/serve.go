package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"eventrelay/internal/api"
	"eventrelay/internal/bootstrap"
	"eventrelay/internal/bootstrap/logging"
	"eventrelay/internal/errs"
	"eventrelay/internal/usecase/dispatch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the event ingestion HTTP server",
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App, svc *dispatch.Service) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		addr, _ := cmd.Flags().GetString("addr")
		addr = strings.TrimSpace(addr)
		if addr == "" {
			addr = app.Config.HTTP.Addr
		}

		server := &http.Server{
			Addr:    addr,
			Handler: api.NewRouter(svc),
			BaseContext: func(net.Listener) context.Context {
				// Requests inherit the command logger and attrs.
				return ctx
			},
		}

		logging.Info(ctx, "ingestion server started", slog.String("addr", addr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "ingestion server failed", slog.Any("err", errs.Loggable(err)))
			return errs.Wrap(err, "serve ingestion api")
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (defaults to http.addr from config)")
}
