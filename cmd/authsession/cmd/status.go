package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var statusVerify bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := startEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		status := awaitSettled(rt.engine, 30*time.Second)
		out := cmd.OutOrStdout()
		printStatus(out, status)
		if !status.IsAuthenticated() {
			return nil
		}

		if level, err := rt.engine.MfaLevel(); err == nil {
			fmt.Fprintf(out, "mfa:        %s (next %s)\n", level.Current, level.Next)
		}
		if statusVerify {
			claims, err := rt.engine.VerifiedClaims(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "verified:   sub=%s iss=%s\n", claims.Subject, claims.Issuer)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusVerify, "verify", false, "verify the access token signature against the issuer's keys")
	rootCmd.AddCommand(statusCmd)
}

// awaitSettled waits for a restore that needs a refresh to leave Initializing.
func awaitSettled(engine *auth.Engine, timeout time.Duration) auth.Status {
	updates, cancel := engine.Subscribe()
	defer cancel()

	deadline := time.After(timeout)
	for {
		select {
		case s, ok := <-updates:
			if !ok || s.Kind != auth.Initializing {
				return engine.Status()
			}
		case <-deadline:
			log.Warn().Msg("session restore still in progress")
			return engine.Status()
		}
	}
}

func printStatus(out io.Writer, status auth.Status) {
	fmt.Fprintf(out, "status:     %s\n", status)
	s := status.Session
	if s == nil {
		return
	}
	if s.User != nil {
		fmt.Fprintf(out, "user:       %s %s\n", s.User.ID, s.User.Email)
	}
	fmt.Fprintf(out, "expires at: %s (in %s)\n", s.Expiry().Format(time.RFC3339), time.Until(s.Expiry()).Round(time.Second))
}
