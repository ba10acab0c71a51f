package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"movec/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "movec",
	Short:         "Move bytecode compiler backend",
	Long:          `movec checks a typed Move environment for reference and resource safety, optimizes it and emits verified bytecode modules`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(cmd); err != nil {
			return err
		}
		if err := setupProfiling(cmd); err != nil {
			return err
		}
		cleanup, err := setupTracing(cmd)
		if err != nil {
			return err
		}
		traceCleanup = cleanup
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		runTraceCleanup()
		stopProfiling(cmd)
	},
}

// errFailed signals that diagnostics were already printed and the process
// should exit with status 1 without printing anything else.
var errFailed = errors.New("compilation failed")

func init() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(irCmd)
	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("color", "auto", "colorize output (auto|on|off)")
	flags.Bool("quiet", false, "suppress non-essential output")
	flags.Bool("timings", false, "show timing information")
	flags.Int("max-diagnostics", 100, "maximum number of diagnostics to keep (0 = unlimited)")
	flags.CountP("verbose", "v", "log more (repeat for debug output)")
	flags.String("trace", "", "write trace events to a file (- for stderr)")
	flags.String("trace-level", "off", "trace level (off|pass|function|detail)")
	flags.String("trace-format", "", "trace encoding (text|ndjson, default from the file extension)")
	flags.Int("trace-recent", 4096, "trace events kept in memory and printed after an internal error")
	flags.String("cpuprofile", "", "write a CPU profile to this file")
	flags.String("memprofile", "", "write a heap profile to this file on exit")
	flags.String("runtime-trace", "", "write a Go runtime trace to this file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		runTraceCleanup()
		stopProfiling(rootCmd)
		if !errors.Is(err, errFailed) {
			rootCmd.PrintErrln("error:", err)
		}
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
