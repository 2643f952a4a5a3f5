package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keybunker/keybunker/version"
)

var (
	updateURL string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "prints keybunker version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version())
			if updateURL == "" {
				return nil
			}
			release, err := version.CheckLatest(cmd.Context(), updateURL)
			if err != nil {
				return err
			}
			if release.Available {
				fmt.Fprintf(cmd.OutOrStdout(), "version %s is available\n", release.Latest)
			}
			return nil
		},
	}
)

func init() {
	versionCmd.Flags().StringVar(&updateURL, "update-url", "", "URL publishing the latest release version as plain text")
}
