package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List installed program images",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, err := bootKernel(cmd, nil)
		if err != nil {
			return err
		}
		names, err := k.Programs()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}
