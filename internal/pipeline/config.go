package pipeline

import (
	"fmt"
	"runtime"

	"movec/internal/refsafety"
)

// Config selects optional passes and how per-function passes are scheduled.
// Reference safety is always on.
type Config struct {
	RunOptimizations     bool
	IterationCap         int
	ParallelFunctions    bool
	Jobs                 int // 0 means GOMAXPROCS
	RecheckAfterOptimize bool
	MaxDiagnostics       int // 0 means unlimited
}

// DefaultConfig optimizes, rechecks and runs functions in parallel.
func DefaultConfig() Config {
	return Config{
		RunOptimizations:     true,
		IterationCap:         refsafety.DefaultIterationCap,
		ParallelFunctions:    true,
		RecheckAfterOptimize: true,
	}
}

func (c Config) Validate() error {
	if c.IterationCap <= 0 {
		return fmt.Errorf("pipeline: iteration cap must be positive, got %d", c.IterationCap)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("pipeline: jobs must not be negative, got %d", c.Jobs)
	}
	if c.MaxDiagnostics < 0 {
		return fmt.Errorf("pipeline: max diagnostics must not be negative, got %d", c.MaxDiagnostics)
	}
	return nil
}

func (c Config) workers(items int) int {
	if !c.ParallelFunctions {
		return 1
	}
	jobs := c.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	return max(1, min(jobs, items))
}
