package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/bootimg"
)

var hexpatchCmd = &cobra.Command{
	Use:   "hexpatch <file> <hexpattern1> <hexpattern2>",
	Short: "Replace a hex pattern inside a binary file",
	Long: `Search the file for the first occurrence of hexpattern1 and
overwrite it with hexpattern2. The patterns must have the same length so
the file size is preserved. Exit 0 when patched, 1 when not found.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		patched, err := bootimg.HexPatch(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if !patched {
			exitCode = 1
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hexpatchCmd)
}
