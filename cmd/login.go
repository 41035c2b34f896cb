package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"partnerauth/internal/flow"
	"partnerauth/internal/presenter"
)

var loginTimeout time.Duration

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain tokens from the identity provider",
	Long: `Obtain tokens from the identity provider.

A valid cached token is returned immediately. An expired token is
refreshed silently when possible. Otherwise a browser opens for the
authorization-code flow with PKCE and the command waits for the
redirect on the configured loopback redirect URI.

Examples:
  partnerauth login                 # Use the default config
  partnerauth login --config p.yaml # Use a specific partner config`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", presenter.CallbackTimeout, "how long to wait for browser consent")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	controller, cfg, err := newController()
	if err != nil {
		return err
	}

	browser := presenter.NewBrowserPresenter(cfg.RedirectURI,
		presenter.WithTimeout(loginTimeout),
		presenter.WithLogger(newLogger()),
	)

	tokens, err := controller.Login(cmd.Context(), spinnerPresenter{inner: browser})
	if err != nil {
		if !quiet {
			fmt.Println(text.FgRed.Sprint("Login failed"))
		}
		return err
	}

	if !quiet {
		fmt.Println(text.FgGreen.Sprint("Login successful"))
		fmt.Printf("Access token valid until %s\n", tokens.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// spinnerPresenter shows a progress spinner while the inner presenter waits
// for the user to finish consent in the browser.
type spinnerPresenter struct {
	inner flow.ConsentPresenter
}

func (p spinnerPresenter) Present(ctx context.Context, authURL string) (string, error) {
	var s *spinner.Spinner
	if !quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for browser consent..."
		s.Start()
	}

	callbackURL, err := p.inner.Present(ctx, authURL)

	if s != nil {
		if err != nil {
			s.FinalMSG = text.FgRed.Sprint("Consent was not completed") + "\n"
		}
		s.Stop()
	}
	return callbackURL, err
}

var _ flow.ConsentPresenter = spinnerPresenter{}
