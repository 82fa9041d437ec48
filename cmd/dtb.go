package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-boot-forge/internal/config"
	"github.com/deploymenttheory/go-boot-forge/internal/dtb"
)

var dtbPrintFstab bool

var dtbCmd = &cobra.Command{
	Use:   "dtb <file> <action>",
	Short: "Inspect and patch flattened device tree blobs",
	Long: `Run an action against every device tree blob found in the file:

  print [-f]  dump the trees (-f: fstab nodes only)
  patch       remove verity flags from fstab entries, in place
  test        exit 0 when an fstab exists with verity disabled, 1 otherwise`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, action := args[0], args[1]
		switch action {
		case "print":
			return dtb.Print(file, dtbPrintFstab)
		case "patch":
			patched, err := dtb.Patch(file, config.Instance.KeepVerity)
			if err != nil {
				return err
			}
			if !patched {
				exitCode = 1
			}
			return nil
		case "test":
			ok, err := dtb.Test(file)
			if err != nil {
				return err
			}
			if !ok {
				exitCode = 1
			}
			return nil
		default:
			return fmt.Errorf("unknown dtb action %q", action)
		}
	},
}

func init() {
	dtbCmd.Flags().BoolVarP(&dtbPrintFstab, "fstab", "f", false, "print only fstab nodes")
	rootCmd.AddCommand(dtbCmd)
}
