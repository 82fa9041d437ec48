package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/cpio"
	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

var cpioCmd = &cobra.Command{
	Use:   "cpio <incpio> [commands...]",
	Short: "Edit a newc cpio archive in place",
	Long: `Apply a sequence of commands to the cpio archive and save it back
in place. Each command is one quoted argument:

  exists ENTRY         exit 0 if ENTRY exists, 1 otherwise
  test                 exit with the patch status bitmask
  ls [-r] [PATH]       list entries
  rm [-r] ENTRY        remove an entry (-r recursive)
  mkdir MODE ENTRY     create a directory
  ln TARGET ENTRY      create a symlink
  mv SOURCE DEST       rename an entry
  add MODE ENTRY FILE  insert a file
  extract [ENTRY OUT]  extract one entry or the whole archive
  patch                apply the ramdisk boot patches
  backup ORIG          record a backup against the stock archive
  restore              roll the archive back to stock
  sha1                 print the recorded stock archive SHA-1

Status commands (exists, test, ls) end the sequence without saving.`,
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "--help" || args[0] == "-h" {
			return cmd.Help()
		}
		status, err := cpio.Run(args[0], args[1:])
		if err != nil {
			logger.LogError("cpio command failed", err, map[string]interface{}{
				"archive": args[0],
			})
			exitCode = 1
			return nil
		}
		exitCode = status
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cpioCmd)
}
