// Package main implements the movec CLI.
package main

import (
	"github.com/spf13/cobra"

	"movec/internal/driver"
)

var buildCmd = &cobra.Command{
	Use:   "build [flags] [env.mpk]",
	Short: "Compile an environment into bytecode modules",
	Long: `Compile every module of a typed environment into one .mvb file per module.
Modules with a function that fails reference or resource checks are skipped;
the others are still written. Without an argument the environment is taken
from [build].env in movec.toml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: buildExecution,
}

func init() {
	addCompileFlags(buildCmd)
	buildCmd.Flags().StringP("out", "o", "", "output directory (default [build].out or ./build)")
	buildCmd.Flags().String("ui", "auto", "progress view (auto|on|off)")
}

func buildExecution(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, args)
	if err != nil {
		return err
	}
	uiValue, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	mode, err := readUIMode(uiValue)
	if err != nil {
		return err
	}
	outDir, err := cmd.Flags().GetString("out")
	if err != nil {
		return err
	}
	if outDir == "" {
		outDir = s.manifest.OutDir()
	}
	if outDir == "" {
		outDir = "build"
	}

	useTUI := shouldUseTUI(mode, s.quiet)
	req, err := s.request(useTUI)
	if err != nil {
		return err
	}
	var res *driver.Result
	if useTUI {
		res, err = runCompileWithUI(cmd.Context(), "movec build", req)
	} else {
		res, err = driver.Compile(cmd.Context(), req)
	}
	if err == nil && res != nil && len(res.Units) > 0 {
		paths, writeErr := driver.WriteUnits(outDir, res.Units)
		if writeErr != nil {
			return writeErr
		}
		for _, p := range paths {
			s.say(cmd.OutOrStdout(), "wrote %s\n", p)
		}
	}
	if res != nil {
		for _, name := range res.Skipped {
			s.say(cmd.ErrOrStderr(), "skipped %s\n", name)
		}
	}
	return s.report(cmd, res, err)
}
