package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session status",
	Long: `Show the current session status: lifecycle state, token validity,
expiry and the resolved provider endpoints. This command never talks
to the provider; it reports local state only.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	controller, cfg, err := newController()
	if err != nil {
		return err
	}

	session := controller.Session()
	tokens := controller.TokenSet()

	authenticated := "no"
	if controller.IsValidAccessToken() {
		authenticated = text.FgGreen.Sprint("yes")
	}

	expiry := "-"
	if tokens != nil && !tokens.ExpiresAt.IsZero() {
		expiry = tokens.ExpiresAt.Format(time.RFC3339)
		if tokens.Expired(time.Now()) {
			expiry = text.FgYellow.Sprintf("%s (expired)", expiry)
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRows([]table.Row{
		{"Client ID", cfg.ClientID},
		{"Scope", cfg.Scope},
		{"State", controller.CurrentState().String()},
		{"Authenticated", authenticated},
		{"Token expiry", expiry},
		{"Device ID", orDash(session.DeviceID)},
	})
	if session.Endpoints != nil {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"Authorization endpoint", session.Endpoints.Authorization},
			{"Token endpoint", session.Endpoints.Token},
			{"Verification endpoint", session.Endpoints.IDTokenVerification},
		})
	}
	t.Render()

	if tokens == nil && !quiet {
		fmt.Println("\nRun 'partnerauth login' to authenticate.")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
