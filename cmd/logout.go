package cmd

import (
	"fmt"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"partnerauth/internal/flow"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Erase the stored session",
	Long: `Erase the stored session: tokens, verified claims and session
metadata are all removed from local storage.`,
	RunE: runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	controller, _, err := newController()
	if err != nil {
		return err
	}

	if err := controller.Logout(cmd.Context()); err != nil {
		// An empty session is reported but local state is clear either way.
		if errx.IsCode(err, flow.CodeLogoutFailed) {
			if !quiet {
				fmt.Println("No stored session to log out of.")
			}
			return nil
		}
		return err
	}

	if !quiet {
		fmt.Println(text.FgGreen.Sprint("Logged out"))
	}
	return nil
}
