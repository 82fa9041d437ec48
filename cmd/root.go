// Package cmd wires the boot image tooling into its command line surface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/config"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

var cfgFile string

// exitCode carries the command status out of cobra. Several commands use
// the exit code as their primary result channel (unpack, hexpatch, the
// cpio/dtb test actions), so errors and statuses are kept separate.
var exitCode int

// rootCmd represents the base CLI command
var rootCmd = &cobra.Command{
	Use:   "boot-forge",
	Short: "A CLI tool for editing Android boot images",
	Long: `boot-forge unpacks, edits and repacks Android boot images.

It understands boot image header versions 0 through 4 including vendor
boot variants, edits newc cpio ramdisks, patches fstab entries inside
flattened device trees, and converts between the compression formats
found in boot partitions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// CLI flags can override config settings
		if cmd.Flags().Changed("debug") {
			debug, _ := cmd.Flags().GetBool("debug")
			config.Instance.Debug = debug
		}
		if cmd.Flags().Changed("log-format") {
			logFormat, _ := cmd.Flags().GetString("log-format")
			config.Instance.LogFormat = logFormat
		}
		if cmd.Flags().Changed("config") && cfgFile != "" {
			if err := config.Initialize(cfgFile); err != nil {
				logger.LogError("Error loading config file", err, map[string]interface{}{
					"config_file": cfgFile,
				})
			}
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command and returns the process exit code.
func Execute(args []string) int {
	rootCmd.SetArgs(normalizeArgs(args))
	if err := rootCmd.Execute(); err != nil {
		logger.LogError("Command execution failed", err, nil)
		return 1
	}
	return exitCode
}

// normalizeArgs rewrites the historical "compress=<format>" spelling into
// the flag form so install scripts keep working unchanged.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if rest, ok := strings.CutPrefix(a, "compress="); ok {
			out = append(out, "compress", "--method", rest)
			continue
		}
		out = append(out, a)
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console or json)")
}
