package main

import (
	"github.com/spf13/cobra"

	"movec/internal/driver"
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] [env.mpk]",
	Short: "Run the safety analyses without generating code",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, args)
		if err != nil {
			return err
		}
		req, err := s.request(false)
		if err != nil {
			return err
		}
		req.CheckOnly = true
		res, err := driver.Compile(cmd.Context(), req)
		if rerr := s.report(cmd, res, err); rerr != nil {
			return rerr
		}
		if res.Program != nil {
			s.say(cmd.OutOrStdout(), "%d functions checked, no errors\n", len(res.Program.Functions))
		}
		return nil
	},
}

func init() {
	addCompileFlags(checkCmd)
}
