package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/codec"
	"github.com/deploymenttheory/go-boot-forge/internal/format"
)

var compressMethod string

var compressCmd = &cobra.Command{
	Use:   "compress [--method <format>] <infile> [outfile]",
	Short: "Compress a file with one of the boot image codecs",
	Long: `Compress infile using the selected method (default gzip).
Formats: ` + strings.Join(format.Names(), ", ") + `.

infile and outfile accept '-' for stdin/stdout. Without an outfile the
format suffix is appended and the input file is replaced.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := ""
		if len(args) == 2 {
			out = args[1]
		}
		return codec.CompressFile(compressMethod, args[0], out)
	},
}

var decompressCmd = &cobra.Command{
	Use:   "decompress <infile> [outfile]",
	Short: "Detect and decompress a compressed file",
	Long: `Detect the compression format of infile by magic and decompress
it. infile and outfile accept '-' for stdin/stdout. Without an outfile
the format suffix is stripped and the input file is replaced.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := ""
		if len(args) == 2 {
			out = args[1]
		}
		return codec.DecompressFile(args[0], out)
	},
}

func init() {
	compressCmd.Flags().StringVar(&compressMethod, "method", "gzip", "compression format")
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(decompressCmd)
}
