package cmd

import (
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the stored session now",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := startEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if _, err := rt.engine.RefreshNow(cmd.Context()); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), rt.engine.Status())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := startEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.engine.SignOut(cmd.Context()); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), rt.engine.Status())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd, logoutCmd)
}
