package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kernos/pkg/loader"
	"kernos/pkg/userland"
)

var mkimageCmd = &cobra.Command{
	Use:   "mkimage <host-path>",
	Short: "Write a program image to the host file system",
	Long: `Write a KXE program image entering one of the built-in programs.
Images written into a directory can be run with --image-dir.

Examples:
  kernos mkimage --program forktest images/usr/bin/ft
  kernos run --image-dir images -- /usr/bin/ft ft 8`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		program, _ := cmd.Flags().GetString("program")
		pages, _ := cmd.Flags().GetInt("data-pages")
		if _, ok := userland.Programs[program]; !ok {
			return fmt.Errorf("unknown program %q", program)
		}

		data, err := loader.Build(loader.Executable(program, pages))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(args[0]), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(args[0], data, 0755); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d bytes\n", args[0], program, len(data))
		return nil
	},
}

func init() {
	mkimageCmd.Flags().String("program", "", "Built-in program the image enters")
	mkimageCmd.Flags().Int("data-pages", 2, "Pages of zeroed data")
	mkimageCmd.MarkFlagRequired("program")
}
