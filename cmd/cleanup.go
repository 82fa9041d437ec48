package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/bootimg"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove unpacked component files from the working directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootimg.Cleanup()
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
