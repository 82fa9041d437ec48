package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/bootimg"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

var (
	unpackNoDecomp   bool
	unpackDumpHeader bool
)

var unpackCmd = &cobra.Command{
	Use:   "unpack <bootimg>",
	Short: "Unpack a boot image into its component files",
	Long: `Unpack the boot image into kernel, ramdisk.cpio, second, extra,
recovery_dtbo and dtb files in the current directory. Compressed
components are decompressed on the way out.

Exit codes: 0 on success, 1 on error, 2 for ChromeOS signed images.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := bootimg.Unpack(args[0], unpackNoDecomp, unpackDumpHeader)
		if err != nil {
			logger.LogError("Unpack failed", err, map[string]interface{}{
				"image": args[0],
			})
		}
		exitCode = status
		return nil
	},
}

func init() {
	unpackCmd.Flags().BoolVarP(&unpackNoDecomp, "no-decompress", "n", false, "dump components without decompressing")
	unpackCmd.Flags().BoolVarP(&unpackDumpHeader, "header", "H", false, "dump header fields to the header file")
	rootCmd.AddCommand(unpackCmd)
}
