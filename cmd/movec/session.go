package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"movec/internal/diag"
	"movec/internal/diagfmt"
	"movec/internal/driver"
	"movec/internal/env"
	"movec/internal/pipeline"
	"movec/internal/project"
	"movec/internal/source"
)

const noEnvMessage = "no environment given and no movec.toml with [build].env found\nplease specify it explicitly, e.g.:\n  movec build path/to/env.mpk"

// session is what every compiling command derives from movec.toml and its
// flags. Flags win over the manifest only when set explicitly.
type session struct {
	manifest *project.Manifest
	envPath  string
	config   pipeline.Config
	diag     diagfmt.Options
	timings  bool
	quiet    bool
}

func addCompileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("no-opt", false, "skip the optimization passes")
	f.Bool("no-recheck", false, "do not re-run the safety checks after optimizing")
	f.Int("iteration-cap", 0, "fixed-point iterations per call-graph cycle before falling back (0 = default)")
	f.Int("jobs", 0, "max parallel workers for per-function passes (0 = auto)")
	f.Bool("sequential", false, "run per-function passes on one goroutine")
	f.String("format", "pretty", "diagnostics format (pretty|short|json)")
	f.Bool("with-notes", false, "include diagnostic notes in output")
	f.Bool("preview", true, "show the source line under each diagnostic")
	f.Bool("fullpath", false, "emit absolute file paths in output")
}

func newSession(cmd *cobra.Command, args []string) (*session, error) {
	manifest, _, err := project.Load(".")
	if err != nil {
		return nil, err
	}
	s := &session{manifest: manifest}

	root := cmd.Root().PersistentFlags()
	if s.quiet, err = root.GetBool("quiet"); err != nil {
		return nil, err
	}
	if s.timings, err = root.GetBool("timings"); err != nil {
		return nil, err
	}

	switch {
	case len(args) > 0:
		s.envPath = args[0]
	case manifest.EnvPath() != "":
		s.envPath = manifest.EnvPath()
	default:
		return nil, errors.New(noEnvMessage)
	}

	s.config = pipeline.DefaultConfig()
	if s.config.MaxDiagnostics, err = root.GetInt("max-diagnostics"); err != nil {
		return nil, err
	}
	formatName := "pretty"
	if manifest != nil {
		if s.config, err = manifest.Config.Apply(s.config); err != nil {
			return nil, fmt.Errorf("%s: %w", manifest.Path, err)
		}
		if manifest.Config.Diagnostics.Format != "" {
			formatName = manifest.Config.Diagnostics.Format
		}
	}
	if err := s.applyFlags(cmd, &formatName); err != nil {
		return nil, err
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	if s.diag.Format, err = diagfmt.ParseFormat(formatName); err != nil {
		return nil, err
	}
	colorValue, err := root.GetString("color")
	if err != nil {
		return nil, err
	}
	if s.diag.Pretty.Color, err = readColorMode(colorValue, os.Stderr); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) applyFlags(cmd *cobra.Command, formatName *string) error {
	f := cmd.Flags()
	if f.Changed("max-diagnostics") {
		v, err := f.GetInt("max-diagnostics")
		if err != nil {
			return err
		}
		s.config.MaxDiagnostics = v
	}
	if v, _ := f.GetBool("no-opt"); v {
		s.config.RunOptimizations = false
	}
	if v, _ := f.GetBool("no-recheck"); v {
		s.config.RecheckAfterOptimize = false
	}
	if v, _ := f.GetBool("sequential"); v {
		s.config.ParallelFunctions = false
	}
	if f.Changed("iteration-cap") {
		v, err := f.GetInt("iteration-cap")
		if err != nil {
			return err
		}
		if v != 0 {
			s.config.IterationCap = v
		}
	}
	if f.Changed("jobs") {
		v, err := f.GetInt("jobs")
		if err != nil {
			return err
		}
		s.config.Jobs = v
	}
	if f.Changed("format") {
		v, err := f.GetString("format")
		if err != nil {
			return err
		}
		*formatName = v
	}

	withNotes, err := f.GetBool("with-notes")
	if err != nil {
		return err
	}
	preview, err := f.GetBool("preview")
	if err != nil {
		return err
	}
	fullPath, err := f.GetBool("fullpath")
	if err != nil {
		return err
	}
	pathMode := diagfmt.PathModeAuto
	if fullPath {
		pathMode = diagfmt.PathModeAbsolute
	}
	s.diag.Pretty = diagfmt.PrettyOpts{ShowNotes: withNotes, ShowPreview: preview, PathMode: pathMode}
	s.diag.JSON = diagfmt.JSONOpts{IncludePositions: true, IncludeNotes: withNotes, PathMode: pathMode}
	return nil
}

// request builds a driver request. The environment is loaded here rather
// than by the driver when the progress view needs its function list.
func (s *session) request(loadEnv bool) (*driver.Request, error) {
	req := &driver.Request{
		EnvPath:       s.envPath,
		Config:        s.config,
		EnableTimings: s.timings && s.diag.Format == diagfmt.FormatJSON,
	}
	if loadEnv {
		e, err := env.Load(s.envPath)
		if err != nil {
			return nil, err
		}
		req.Env = e
	}
	return req, nil
}

// report renders the diagnostics of res and turns the outcome into the
// command's error. Errors already shown as diagnostics become errFailed.
func (s *session) report(cmd *cobra.Command, res *driver.Result, runErr error) error {
	if res == nil {
		return runErr
	}
	var fs *source.FileSet
	if res.Env != nil {
		fs = res.Env.FileSet()
	}
	out := cmd.ErrOrStderr()
	if s.diag.Format == diagfmt.FormatJSON {
		out = cmd.OutOrStdout()
	}
	if err := diagfmt.Write(out, res.Diagnostics, fs, s.diag); err != nil {
		return err
	}
	if s.timings && s.diag.Format != diagfmt.FormatJSON && res.Timer != nil {
		fmt.Fprint(cmd.ErrOrStderr(), res.Timer.Summary())
	}

	var ie *diag.InternalError
	if errors.As(runErr, &ie) {
		dumpTraceRecent(cmd, cmd.ErrOrStderr())
	}
	switch {
	case runErr != nil && !res.Diagnostics.HasErrors():
		return runErr
	case runErr != nil || res.Failed():
		return errFailed
	}
	return nil
}

func (s *session) say(w io.Writer, format string, args ...any) {
	if s.quiet {
		return
	}
	fmt.Fprintf(w, format, args...)
}
