// Package steps runs an ordered list of named side-effect steps where
// individual failures are collected as warnings instead of aborting the
// sequence. The intake pipeline and the post-submission effects of the
// prescription pipeline both report partial success this way: the caller's
// critical write has already landed, so a failed PDF render or portal invite
// must degrade the response, not fail it.
package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Warning records a soft step that failed.
type Warning struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// Step is one unit of work in a sequence. A Critical step's error aborts the
// run and is returned to the caller; any other error becomes a Warning and
// the run continues.
type Step struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

// Runner executes steps strictly in order. Sequential execution keeps the
// warnings list deterministic.
type Runner struct {
	log zerolog.Logger
}

func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{log: log}
}

// Run executes the steps in order. It returns the warnings accumulated so
// far and, if a critical step failed, the error that stopped the run.
// Panics inside a step are contained the same way errors are.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]Warning, error) {
	warnings := []Warning{}

	for _, step := range steps {
		err := r.runOne(ctx, step)
		if err == nil {
			continue
		}

		if step.Critical {
			r.log.Error().Err(err).Str("step", step.Name).Msg("critical step failed")
			return warnings, fmt.Errorf("%s: %w", step.Name, err)
		}

		r.log.Warn().Err(err).Str("step", step.Name).Msg("soft step failed")
		warnings = append(warnings, Warning{Step: step.Name, Reason: err.Error()})
	}

	return warnings, nil
}

func (r *Runner) runOne(ctx context.Context, step Step) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return step.Run(ctx)
}
