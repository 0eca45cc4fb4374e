package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session fresh and print every status change",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := startEngine(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Err(err).Msg("metrics server stopped")
				}
			}()
			defer func() {
				if err := shutdown(srv); err != nil {
					log.Err(err).Msg("metrics server shutdown")
				}
			}()
		}

		updates, cancelUpdates := rt.engine.Subscribe()
		defer cancelUpdates()
		events, cancelEvents := rt.engine.Events()
		defer cancelEvents()

		// SIGCONT marks a resume from suspension, timers may be late
		resumed := make(chan os.Signal, 1)
		signal.Notify(resumed, syscall.SIGCONT)
		defer signal.Stop(resumed)

		out := cmd.OutOrStdout()
		for {
			select {
			case s, ok := <-updates:
				if !ok {
					return nil
				}
				printStatus(out, s)
				if next, armed := rt.engine.NextRefreshAt(); armed {
					fmt.Fprintf(out, "next refresh: %s\n", next.Format(time.RFC3339))
				}
			case e, ok := <-events:
				if !ok {
					return nil
				}
				fmt.Fprintf(out, "event:      %s cause=%s attempt=%d terminal=%t err=%v\n", e.Type, e.Cause, e.Attempt, e.Terminal, e.Err)
			case <-resumed:
				if rt.engine.Resume() {
					log.Info().Msg("resumed near expiry, refreshing")
				}
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(watchCmd)
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
