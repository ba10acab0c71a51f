package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"movec/internal/driver"
	"movec/internal/stackless"
)

var irCmd = &cobra.Command{
	Use:   "ir [flags] [env.mpk]",
	Short: "Print the stackless bytecode of every function",
	Long: `Print the stackless bytecode each function has after the pipeline.
--stage=lowered shows the code before optimization, --stage=optimized after.`,
	Args: cobra.MaximumNArgs(1),
	RunE: irExecution,
}

func init() {
	addCompileFlags(irCmd)
	irCmd.Flags().String("stage", "optimized", "which code to print (lowered|optimized)")
	irCmd.Flags().String("function", "", "only print functions whose qualified name contains this")
}

func irExecution(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, args)
	if err != nil {
		return err
	}
	stage, err := cmd.Flags().GetString("stage")
	if err != nil {
		return err
	}
	filter, err := cmd.Flags().GetString("function")
	if err != nil {
		return err
	}
	switch stage {
	case "lowered":
		s.config.RunOptimizations = false
	case "optimized":
	default:
		return fmt.Errorf("invalid --stage %q (expected lowered|optimized)", stage)
	}

	req, err := s.request(false)
	if err != nil {
		return err
	}
	req.CheckOnly = true
	res, runErr := driver.Compile(cmd.Context(), req)
	if res != nil && res.Program != nil && runErr == nil {
		out := cmd.OutOrStdout()
		for _, fn := range res.Program.Functions {
			if filter != "" && !strings.Contains(fn.Name, filter) {
				continue
			}
			switch {
			case fn.Native:
				fmt.Fprintf(out, "// %s: native\n\n", fn.Name)
				continue
			case fn.Data == nil:
				fmt.Fprintf(out, "// %s: not lowered\n\n", fn.Name)
				continue
			case fn.Tainted:
				fmt.Fprintf(out, "// %s: tainted\n", fn.Name)
			default:
				fmt.Fprintf(out, "// %s\n", fn.Name)
			}
			if err := stackless.Dump(out, res.Env, fn.Data); err != nil {
				return err
			}
			fmt.Fprintln(out)
		}
	}
	return s.report(cmd, res, runErr)
}
