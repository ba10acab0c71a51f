package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"movec/internal/binfmt"
	"movec/internal/verifier"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm [flags] <module.mvb>...",
	Short: "Disassemble binary modules",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, err := cmd.Flags().GetBool("verify")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for i, path := range args {
			// #nosec G304 -- path is provided by the user
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			m, err := binfmt.DecodeModule(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if verify {
				if err := (verifier.Structural{}).Verify(m); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprint(out, binfmt.Disassemble(m))
		}
		return nil
	},
}

func init() {
	disasmCmd.Flags().Bool("verify", false, "run the bytecode verifier before printing")
}
