package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/common/cryptoutil"
)

var sha1Cmd = &cobra.Command{
	Use:   "sha1 <file>",
	Short: "Print the SHA-1 checksum of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := cryptoutil.HashFile(cryptoutil.SHA1, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, sum)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sha1Cmd)
}
