package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// setupLogging maps --quiet and -v onto commonlog verbosity: warnings by
// default, info with -v, debug with -vv. Logs go to stderr.
func setupLogging(cmd *cobra.Command) error {
	flags := cmd.Root().PersistentFlags()
	verbose, err := flags.GetCount("verbose")
	if err != nil {
		return fmt.Errorf("failed to get verbose flag: %w", err)
	}
	quiet, err := flags.GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}
	verbosity := verbose - 1
	if quiet {
		verbosity = -4
	}
	commonlog.Configure(verbosity, nil)
	return nil
}
