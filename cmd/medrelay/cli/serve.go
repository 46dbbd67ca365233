package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrelay-project/medrelay/internal/siprelay"
)

// RegisterServeCommand adds the serve command to the root.
func RegisterServeCommand(root *cobra.Command) {
	var sweepInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay listeners and session sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			listener, err := siprelay.NewListener(eng.Config.ListenUDP, eng.Sealer, eng.Workflow, eng.Logger)
			if err != nil {
				return err
			}
			defer listener.Close()

			go func() {
				if err := listener.Serve(); err != nil {
					eng.Logger.Error().Err(err).Msg("datagram listener stopped")
				}
			}()
			eng.Logger.Info().Str("addr", listener.Addr()).Msg("datagram listener started")

			mux := http.NewServeMux()
			mux.HandleFunc("/relay/receive", eng.RelayA.Handler())
			httpServer := &http.Server{
				Addr:              eng.Config.ListenHTTP,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					eng.Logger.Error().Err(err).Msg("http listener stopped")
				}
			}()
			eng.Logger.Info().Str("addr", eng.Config.ListenHTTP).Msg("relay receive endpoint started")

			go eng.Sessions.RunSweeper(ctx, sweepInterval)

			<-ctx.Done()
			eng.Logger.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "session sweep interval")
	root.AddCommand(cmd)
}
