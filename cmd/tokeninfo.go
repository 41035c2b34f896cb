package cmd

import (
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var tokenInfoCmd = &cobra.Command{
	Use:   "token-info",
	Short: "Verify and display the ID token claims",
	Long: `Verify the current ID token against the provider's verification
endpoint and display its claims. Verified claims are cached locally;
a verification failure ends the session.`,
	RunE: runTokenInfo,
}

func init() {
	rootCmd.AddCommand(tokenInfoCmd)
}

func runTokenInfo(cmd *cobra.Command, args []string) error {
	controller, _, err := newController()
	if err != nil {
		return err
	}

	info, err := controller.LoadIDTokenInfo(cmd.Context())
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRows([]table.Row{
		{"Issuer", info.Issuer},
		{"Audience", info.Audience},
		{"Service", info.Service},
		{"Partner ID", info.PartnerID},
		{"Partner user ID", info.PartnerUserID},
		{"Token ID", info.TokenID},
		{"Issued at", info.IssueDate.Format(time.RFC3339)},
		{"Not valid before", info.NotValidBefore.Format(time.RFC3339)},
		{"Expires", info.Expiration.Format(time.RFC3339)},
	})
	t.Render()
	return nil
}
