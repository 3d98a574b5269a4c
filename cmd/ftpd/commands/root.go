// Package commands implements the ftpd command line.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ftpd",
		Short: "ftpd - event-driven FTP server",
		Long: `ftpd serves local directories over FTP and explicit FTPS.

Every setting can be overridden from the environment as
FTPD_<SECTION>_<KEY>, e.g. FTPD_LOGGING_LEVEL=DEBUG.

Use "ftpd [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/ftpd/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
