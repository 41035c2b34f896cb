package cmd

import (
	"os"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/spf13/cobra"

	"partnerauth/internal/flow"
	"partnerauth/internal/idtoken"
)

// Exit codes for CLI commands, usable from scripts.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no valid session exists.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authorization flow failed.
	ExitCodeAuthFailed = 3
)

// Global flags shared by all subcommands.
var (
	cfgPath string
	quiet   bool
	verbose bool
)

// rootCmd is the base command of the partnerauth CLI.
var rootCmd = &cobra.Command{
	Use:   "partnerauth",
	Short: "Authenticate against a partner identity provider",
	Long: `partnerauth runs the OAuth2 authorization-code flow with PKCE against
a partner identity provider, keeps the resulting tokens in a local
secure store, and refreshes or re-authenticates as needed.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with a semantic exit code on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "partnerauth version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error codes to exit codes for scripting.
func getExitCode(err error) int {
	switch {
	case errx.IsCode(err, flow.CodeSecurityValidationFailed),
		errx.IsCode(err, flow.CodeConsentFailed),
		errx.IsCode(err, flow.CodeLoginInProgress),
		errx.IsCode(err, idtoken.CodeInvalidIDToken),
		errx.IsCode(err, idtoken.CodeInvalidNonce):
		return ExitCodeAuthFailed
	case errx.IsCode(err, flow.CodeLogoutFailed):
		return ExitCodeAuthRequired
	default:
		return ExitCodeError
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default is $HOME/.config/partnerauth/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
