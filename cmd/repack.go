package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/bootimg"
)

var repackNoComp bool

var repackCmd = &cobra.Command{
	Use:   "repack <origbootimg> [outbootimg]",
	Short: "Rebuild a boot image from unpacked component files",
	Long: `Repack the component files in the current directory into a new
boot image, using the original image for the header layout, compression
formats and signature tail. The output defaults to new-boot.img.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := bootimg.NewBootFile
		if len(args) == 2 {
			out = args[1]
		}
		return bootimg.Repack(args[0], out, repackNoComp)
	},
}

func init() {
	repackCmd.Flags().BoolVarP(&repackNoComp, "no-compress", "n", false, "leave components uncompressed")
	rootCmd.AddCommand(repackCmd)
}
