package project

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"movec/internal/pipeline"
)

// Manifest is a decoded movec.toml.
type Manifest struct {
	Path   string
	Root   string
	Config Config
}

// Config mirrors the sections of movec.toml. Pointer fields distinguish
// "unset" from the zero value so that only present keys override defaults.
type Config struct {
	Package     PackageConfig     `toml:"package"`
	Build       BuildConfig       `toml:"build"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
}

type PackageConfig struct {
	Name string `toml:"name"`
}

type BuildConfig struct {
	Env string `toml:"env"` // relative to the manifest
	Out string `toml:"out"`
}

type PipelineConfig struct {
	RunOptimizations     *bool `toml:"run_optimizations"`
	IterationCap         *int  `toml:"iteration_cap"`
	ParallelFunctions    *bool `toml:"parallel_functions"`
	Jobs                 *int  `toml:"jobs"`
	RecheckAfterOptimize *bool `toml:"recheck_after_optimize"`
}

type DiagnosticsConfig struct {
	Max    *int   `toml:"max"`
	Format string `toml:"format"`
}

var diagnosticFormats = []string{"pretty", "short", "json"}

// ManifestName is the file FindManifest looks for.
const ManifestName = "movec.toml"

// FindManifest returns the nearest movec.toml in startDir or one of its
// parents. An empty startDir means the working directory.
func FindManifest(startDir string) (string, bool, error) {
	dir, err := filepath.Abs(cmp.Or(startDir, "."))
	if err != nil {
		return "", false, fmt.Errorf("resolve %q: %w", startDir, err)
	}
	for {
		path := filepath.Join(dir, ManifestName)
		switch info, err := os.Stat(path); {
		case err == nil && !info.IsDir():
			return path, true, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", false, fmt.Errorf("stat %s: %w", path, err)
		}
		up := filepath.Dir(dir)
		if up == dir {
			return "", false, nil
		}
		dir = up
	}
}

// Load finds movec.toml above startDir and decodes it. ok is false when no
// manifest exists.
func Load(startDir string) (*Manifest, bool, error) {
	path, ok, err := FindManifest(startDir)
	if err != nil || !ok {
		return nil, ok, err
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, true, err
	}
	return &Manifest{Path: path, Root: filepath.Dir(path), Config: cfg}, true, nil
}

// LoadConfig decodes one manifest file, rejecting unknown keys.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("package") && strings.TrimSpace(cfg.Package.Name) == "" {
		return Config{}, fmt.Errorf("%s: [package].name must not be empty", path)
	}
	if f := cfg.Diagnostics.Format; f != "" && !slices.Contains(diagnosticFormats, f) {
		return Config{}, fmt.Errorf("%s: [diagnostics].format must be one of %s, got %q",
			path, strings.Join(diagnosticFormats, "|"), f)
	}
	return cfg, nil
}

// Apply overrides the fields of base that the manifest sets and validates
// the result.
func (c Config) Apply(base pipeline.Config) (pipeline.Config, error) {
	p := c.Pipeline
	if p.RunOptimizations != nil {
		base.RunOptimizations = *p.RunOptimizations
	}
	if p.IterationCap != nil {
		base.IterationCap = *p.IterationCap
	}
	if p.ParallelFunctions != nil {
		base.ParallelFunctions = *p.ParallelFunctions
	}
	if p.Jobs != nil {
		base.Jobs = *p.Jobs
	}
	if p.RecheckAfterOptimize != nil {
		base.RecheckAfterOptimize = *p.RecheckAfterOptimize
	}
	if c.Diagnostics.Max != nil {
		base.MaxDiagnostics = *c.Diagnostics.Max
	}
	if err := base.Validate(); err != nil {
		return base, err
	}
	return base, nil
}

// EnvPath resolves [build].env against the manifest directory.
func (m *Manifest) EnvPath() string {
	if m == nil || m.Config.Build.Env == "" {
		return ""
	}
	return m.resolve(m.Config.Build.Env)
}

// OutDir resolves [build].out against the manifest directory.
func (m *Manifest) OutDir() string {
	if m == nil || m.Config.Build.Out == "" {
		return ""
	}
	return m.resolve(m.Config.Build.Out)
}

func (m *Manifest) resolve(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Root, p)
}
