package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/bootimg"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

var splitNoDecomp bool

var splitCmd = &cobra.Command{
	Use:   "split <file>",
	Short: "Split an appended device tree off a kernel blob",
	Long: `Split a kernel image with an appended device tree into the kernel
and kernel_dtb files. The kernel part is decompressed when compressed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := bootimg.SplitImageDTB(args[0], splitNoDecomp)
		if err != nil {
			logger.LogError("Split failed", err, map[string]interface{}{
				"file": args[0],
			})
		}
		exitCode = status
		return nil
	},
}

func init() {
	splitCmd.Flags().BoolVarP(&splitNoDecomp, "no-decompress", "n", false, "keep the kernel part compressed")
	rootCmd.AddCommand(splitCmd)
}
