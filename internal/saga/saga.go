// Package saga runs ordered steps with per-step compensation and drives the agent
// spawn sequence on top of it.
package saga

import (
	"context"
	"fmt"
	"log/slog"
)

// Step is one unit of a saga. Compensate may be nil for steps with nothing to undo.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError ties an error to the step that produced it.
type StepError struct {
	Step string
	Err  error
}

func (e StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e StepError) Unwrap() error { return e.Err }

// RunResult reports how far a saga got. Err is nil on success.
type RunResult struct {
	Completed          []string
	FailedStep         string
	Err                error
	CompensationErrors []StepError
}

// Run executes steps in order. When a step fails, the steps that already completed
// are compensated in reverse order; a failing compensation is recorded and the
// remaining compensations still run. Compensation ignores cancellation of ctx.
func Run(ctx context.Context, logger *slog.Logger, steps []Step) RunResult {
	if logger == nil {
		logger = slog.Default()
	}
	var res RunResult
	completed := make([]Step, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			res.FailedStep = step.Name
			res.Err = err
			break
		}
		if err := execute(ctx, step.Execute); err != nil {
			res.FailedStep = step.Name
			res.Err = err
			logger.Warn("saga step failed", "step", step.Name, "error", err)
			break
		}
		completed = append(completed, step)
		res.Completed = append(res.Completed, step.Name)
	}
	if res.Err == nil {
		return res
	}

	cctx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := execute(cctx, step.Compensate); err != nil {
			logger.Error("saga compensation failed", "step", step.Name, "error", err)
			res.CompensationErrors = append(res.CompensationErrors, StepError{Step: step.Name, Err: err})
			continue
		}
		logger.Debug("saga step compensated", "step", step.Name)
	}
	return res
}

// execute converts a panic in fn into an error so one bad step cannot abort the rollback.
func execute(ctx context.Context, fn func(context.Context) error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
