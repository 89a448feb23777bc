// Package lifecycle models environment startup and shutdown as an ordered
// list of steps. Setup runs the list forward; teardown runs it in reverse.
// Encoding the ordering structurally means dependency order (daemon before
// containers before template) is enforced by construction rather than by
// convention.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Step is one unit of environment setup paired with the teardown that
// releases whatever the setup acquired. Teardown may be nil for steps that
// acquire nothing (pure checks).
type Step struct {
	Name     string
	Setup    func(ctx context.Context) error
	Teardown func(ctx context.Context) error
}

// TeardownFunc releases everything a successful Up acquired. It is safe to
// call more than once; only the first call does work. The returned error
// aggregates per-step teardown failures, all of which are also logged —
// callers that ignore the error still get every step attempted.
type TeardownFunc func(ctx context.Context) error

// Runner executes an ordered list of lifecycle steps.
type Runner struct {
	logger *slog.Logger
	steps  []Step

	mu        sync.Mutex
	completed []Step
	started   bool
	tearOnce  sync.Once
}

// ErrAlreadyStarted is returned when Up is called twice on the same
// Runner. A Runner represents one run; reuse is a programming error.
var ErrAlreadyStarted = errors.New("lifecycle: runner already started")

// NewRunner creates a Runner over the given steps. The logger is used for
// progress and teardown diagnostics; a nil logger falls back to
// slog.Default().
func NewRunner(logger *slog.Logger, steps ...Step) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, steps: steps}
}

// Up runs every step's Setup in order. If a setup fails mid-sequence, the
// steps that already completed are torn down in reverse before the error
// is returned, so a failed Up never leaves acquired resources behind.
//
// On success Up returns the teardown closure for the whole sequence. The
// closure is invoked exactly once no matter how many times it is called.
func (r *Runner) Up(ctx context.Context) (TeardownFunc, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	for _, step := range r.steps {
		r.logger.Info("lifecycle step starting", "step", step.Name)

		if err := step.Setup(ctx); err != nil {
			r.logger.Error("lifecycle step failed", "step", step.Name, "error", err)

			// Unwind whatever has been acquired so far. The setup error,
			// not any unwind error, is what callers need to see.
			if unwindErr := r.teardown(context.WithoutCancel(ctx)); unwindErr != nil {
				r.logger.Warn("partial teardown reported errors after failed setup",
					"failed_step", step.Name, "error", unwindErr)
			}
			return nil, fmt.Errorf("lifecycle step %q failed: %w", step.Name, err)
		}

		r.mu.Lock()
		r.completed = append(r.completed, step)
		r.mu.Unlock()

		r.logger.Info("lifecycle step complete", "step", step.Name)
	}

	return r.Teardown, nil
}

// Teardown releases completed steps in reverse order. It is exported so
// that callers holding the Runner (rather than the closure returned by Up)
// can register it with signal handlers. Exactly-once semantics apply
// across both access paths.
func (r *Runner) Teardown(ctx context.Context) error {
	var err error
	r.tearOnce.Do(func() {
		err = r.teardown(ctx)
	})
	return err
}

// teardown walks the completed list backwards, attempting every step even
// when earlier ones fail. Errors are logged as they happen and aggregated
// in the return value; teardown never masks a test failure by panicking.
func (r *Runner) teardown(ctx context.Context) error {
	r.mu.Lock()
	completed := r.completed
	r.completed = nil
	r.mu.Unlock()

	var errs []error
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Teardown == nil {
			continue
		}

		r.logger.Info("lifecycle teardown starting", "step", step.Name)
		if err := step.Teardown(ctx); err != nil {
			r.logger.Error("lifecycle teardown failed", "step", step.Name, "error", err)
			errs = append(errs, fmt.Errorf("teardown of %q: %w", step.Name, err))
			continue
		}
		r.logger.Info("lifecycle teardown complete", "step", step.Name)
	}

	return errors.Join(errs...)
}
