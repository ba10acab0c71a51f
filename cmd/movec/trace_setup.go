package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"movec/internal/trace"
)

var traceCleanup func()

func runTraceCleanup() {
	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}
}

// setupTracing reads the trace flags, attaches a recorder to the command
// context and returns the function that closes it.
func setupTracing(cmd *cobra.Command) (func(), error) {
	flags := cmd.Root().PersistentFlags()
	output, err := flags.GetString("trace")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace flag: %w", err)
	}
	levelStr, err := flags.GetString("trace-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-level flag: %w", err)
	}
	formatStr, err := flags.GetString("trace-format")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-format flag: %w", err)
	}
	recent, err := flags.GetInt("trace-recent")
	if err != nil {
		return nil, fmt.Errorf("failed to get trace-recent flag: %w", err)
	}

	level, err := trace.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	// --trace alone implies pass-level spans.
	if level == trace.LevelOff && output != "" {
		level = trace.LevelPass
	}
	format, err := trace.ParseFormat(formatStr, output)
	if err != nil {
		return nil, err
	}
	rec, err := trace.New(trace.Options{Level: level, Output: output, Format: format, Recent: recent})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	if rec == nil {
		return func() {}, nil
	}
	cmd.SetContext(trace.WithRecorder(cmd.Context(), rec))

	return func() {
		if err := rec.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: %v\n", err)
		}
	}, nil
}

// dumpTraceRecent writes the events kept in memory. Called after an
// internal error so the last steps before it are visible.
func dumpTraceRecent(cmd *cobra.Command, w io.Writer) {
	rec := trace.FromContext(cmd.Context())
	if len(rec.Recent()) == 0 {
		return
	}
	fmt.Fprintln(w, "--- last trace events ---")
	if _, err := rec.Dump(w); err != nil {
		fmt.Fprintf(w, "trace: dump error: %v\n", err)
	}
}
