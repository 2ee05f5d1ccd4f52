package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCredentialCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Stockbit bearer token",
	}

	setCmd := &cobra.Command{
		Use:   "set-token <token>",
		Short: "Set the bearer token used for REST and WebSocket auth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cookieFlag, _ := cmd.Flags().GetString("cookie")
			if err := app.Facade.SetToken(cmd.Context(), args[0], cookieFlag); err != nil {
				output.Error("Failed to set token: %v", err)
				return err
			}
			output.Success("Token set")
			return nil
		},
	}
	setCmd.Flags().String("cookie", "", "raw Cookie header value to send alongside the token")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show current credential status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			status := app.Facade.GetStatus(cmd.Context())
			if output.IsJSON() {
				return output.JSON(status)
			}
			if !status.HasToken {
				output.Warning("No token set")
				return nil
			}
			output.Printf("Has token:  %v\n", status.HasToken)
			userID := "unknown"
			if status.UserID != nil {
				userID = fmt.Sprintf("%d", *status.UserID)
			}
			output.Printf("User ID:    %s\n", userID)
			if status.Unknown {
				output.Warning("Validity:   unknown (no exp claim on token)")
			} else {
				output.Printf("Valid:      %v\n", status.Valid)
				output.Printf("Expires in: %s\n", status.TimeUntilExpiry)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored token and cookies",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Facade.ClearCredential(cmd.Context()); err != nil {
				output.Error("Failed to clear credential: %v", err)
				return err
			}
			output.Success("Credential cleared")
			return nil
		},
	})

	return cmd
}
