package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"
	"time"

	"github.com/jrsteele09/go-auth-session/auth/loopback"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	loginProvider string
	loginEmail    string
	loginTimeout  time.Duration
	loginBrowser  bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with a password or an external provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
		defer cancel()

		rt, err := startEngine(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if loginEmail != "" {
			fmt.Fprint(os.Stderr, "Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if _, err := rt.engine.SignInWithPassword(ctx, loginEmail, string(password)); err != nil {
				return err
			}
		} else {
			if loginProvider == "" {
				return fmt.Errorf("either --email or --provider is required")
			}
			var opts []loopback.Option
			if loginBrowser {
				opts = append(opts, loopback.WithOpener(openBrowser))
			}
			server := loopback.New(config.New().GetCallbackAddr(), "/callback", opts...)
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Close(context.Background())

			if _, err := rt.engine.SignInWithProvider(ctx, loginProvider, server); err != nil {
				return err
			}
		}

		printStatus(cmd.OutOrStdout(), rt.engine.Status())
		return nil
	},
}

func init() {
	flags := loginCmd.Flags()
	flags.StringVarP(&loginProvider, "provider", "p", "", "external provider name from the providers file")
	flags.StringVarP(&loginEmail, "email", "e", "", "sign in with this email and a password read from the terminal")
	flags.DurationVar(&loginTimeout, "timeout", 5*time.Minute, "how long to wait for the login to complete")
	flags.BoolVar(&loginBrowser, "browser", true, "open the authorization URL in the system browser")
	rootCmd.AddCommand(loginCmd)
}

func openBrowser(ctx context.Context, rawURL string) error {
	var c *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		c = exec.CommandContext(ctx, "open", rawURL)
	case "windows":
		c = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", rawURL)
	default:
		c = exec.CommandContext(ctx, "xdg-open", rawURL)
	}
	return c.Start()
}
