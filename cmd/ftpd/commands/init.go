package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/config"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Long: `Write a sample configuration with a read-only anonymous area under
/srv/ftp.

Examples:
  # Initialize with default location
  ftpd init

  # Initialize with custom path, overwriting any existing file
  ftpd init --config /etc/ftpd/config.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration file created at: %s\n", path)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Create the anonymous root or add users to the file")
			fmt.Fprintf(out, "  2. Start the server with: ftpd serve --config %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
