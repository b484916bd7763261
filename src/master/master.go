// Package master implements the build master: the dispatch state machine that
// hands builds to slaves and records the steps they report.
package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bitten-master/src/config"
	"bitten-master/src/contracts"
	"bitten-master/src/logger"
	"bitten-master/src/platform"
	"bitten-master/src/queue"
	"bitten-master/src/recipe"
	"bitten-master/src/repo"
	"bitten-master/src/sanitize"
	"bitten-master/src/store"
)

// RecipeStep is the name of the step recorded when a recipe cannot be parsed.
const RecipeStep = "recipe"

// Envelope is what a slave receives when it starts a build.
type Envelope struct {
	Build contracts.Build `json:"build"`
	Vars  recipe.Vars     `json:"vars"`
	// Steps with build variables expanded.
	Steps []recipe.Step `json:"steps"`
}

// BuildMaster coordinates slaves and builds.
type BuildMaster struct {
	store     store.Store
	repo      *repo.Repository
	queue     *queue.BuildQueue
	matcher   *platform.Matcher
	logger    logger.Logger
	options   atomic.Pointer[config.MasterOptions]
	listeners listeners

	changedMu sync.Mutex
	changed   chan struct{} // closed on the next options change
	now       func() time.Time
}

// New creates a build master with the given options.
func New(s store.Store, opts config.MasterOptions, log logger.Logger) *BuildMaster {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	bm := &BuildMaster{
		store:   s,
		repo:    repo.New(s),
		matcher: platform.NewMatcher(opts.EmptyPlatformMatchesAll, log),
		logger:  log,
		now:     time.Now,
		changed: make(chan struct{}),
	}
	bm.options.Store(&opts)
	bm.queue = queue.New(s, bm.repo, bm.matcher, log, bm.Options)
	return bm
}

// Options returns the active master options.
func (bm *BuildMaster) Options() config.MasterOptions {
	return *bm.options.Load()
}

// SetOptions validates and installs new options. Invalid options leave the
// active ones untouched.
func (bm *BuildMaster) SetOptions(opts config.MasterOptions) error {
	if err := config.ValidateOptions(opts); err != nil {
		return err
	}
	bm.options.Store(&opts)
	bm.matcher.SetEmptyMatchesAll(opts.EmptyPlatformMatchesAll)

	bm.changedMu.Lock()
	close(bm.changed)
	bm.changed = make(chan struct{})
	bm.changedMu.Unlock()

	bm.logger.Info("[BuildMaster] Options updated: build_all=%t adjust_timestamps=%t slave_timeout_ms=%d stabilize_wait_ms=%d",
		opts.BuildAll, opts.AdjustTimestamps, opts.SlaveTimeoutMs, opts.StabilizeWaitMs)
	return nil
}

// OptionsChanged returns a channel that is closed when the options next change.
func (bm *BuildMaster) OptionsChanged() <-chan struct{} {
	bm.changedMu.Lock()
	defer bm.changedMu.Unlock()
	return bm.changed
}

// SetClock replaces the time source of the master and its queue.
func (bm *BuildMaster) SetClock(now func() time.Time) {
	bm.now = now
	bm.queue.SetClock(now)
}

// AddListener registers a build lifecycle listener.
func (bm *BuildMaster) AddListener(l Listener) {
	bm.listeners.add(l)
}

// Store returns the underlying store.
func (bm *BuildMaster) Store() store.Store {
	return bm.store
}

// Repository returns the changeset repository.
func (bm *BuildMaster) Repository() *repo.Repository {
	return bm.repo
}

// Queue returns the build queue.
func (bm *BuildMaster) Queue() *queue.BuildQueue {
	return bm.queue
}

// Matcher returns the platform matcher.
func (bm *BuildMaster) Matcher() *platform.Matcher {
	return bm.matcher
}

// Populate enqueues builds for new revisions.
func (bm *BuildMaster) Populate(ctx context.Context) (int, error) {
	return bm.queue.Populate(ctx)
}

// RequestBuild handles a connecting slave. It returns the claimed build, nil
// when nothing is pending for the slave, or contracts.ErrNoMatchingPlatform.
func (bm *BuildMaster) RequestBuild(ctx context.Context, info contracts.SlaveInfo) (*contracts.Build, error) {
	if info.Name == "" {
		return nil, fmt.Errorf("slave name is required: %w", contracts.ErrInvalid)
	}
	if _, err := bm.ResetOrphanedBuilds(ctx); err != nil {
		return nil, err
	}
	if _, err := bm.queue.Populate(ctx); err != nil {
		return nil, fmt.Errorf("failed to populate build queue: %w", err)
	}
	b, err := bm.queue.GetBuildForSlave(ctx, info)
	if errors.Is(err, contracts.ErrNoMatchingPlatform) {
		bm.logger.Info("[BuildMaster] Rejecting slave %q: %v", info.Name, err)
	}
	return b, err
}

// owned loads a build and checks that it is in progress on the named slave.
func (bm *BuildMaster) owned(ctx context.Context, slave string, id int64) (*contracts.Build, error) {
	b, err := bm.store.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != contracts.BuildInProgress || b.Slave != slave {
		return nil, fmt.Errorf("build %d is %s on %q: %w", id, b.Status, b.Slave, contracts.ErrForbidden)
	}
	return b, nil
}

// update writes b if the build is still in progress in the same attempt.
// Losing that race means the slave no longer owns the build.
func (bm *BuildMaster) update(ctx context.Context, b contracts.Build, attempt int) error {
	err := bm.store.UpdateBuild(ctx, b, store.Expect{
		Statuses: []contracts.BuildStatus{contracts.BuildInProgress},
		Attempt:  attempt,
	})
	if errors.Is(err, contracts.ErrConflict) {
		return fmt.Errorf("build %d changed concurrently: %w", b.ID, contracts.ErrForbidden)
	}
	return err
}

// InitiateBuild returns the recipe of a build claimed by slave and marks the
// build started. A recipe that cannot be parsed fails the build.
func (bm *BuildMaster) InitiateBuild(ctx context.Context, slave string, id int64) (*Envelope, error) {
	b, err := bm.owned(ctx, slave, id)
	if err != nil {
		return nil, err
	}
	cfg, err := bm.store.GetConfig(ctx, b.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %q: %w", b.Config, err)
	}
	p, err := bm.store.GetPlatform(ctx, b.Platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load platform %d: %w", b.Platform, err)
	}

	r, err := recipe.Parse(cfg.Recipe)
	if err != nil {
		if ferr := bm.failRecipe(ctx, *b, err); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	now := bm.now()
	first := b.Started.IsZero()
	next := *b
	if first {
		next.Started = now
	}
	next.LastActivity = now
	if err := bm.update(ctx, next, b.Attempt); err != nil {
		return nil, err
	}
	if first {
		bm.logger.Info("[BuildMaster] Slave %q started build %d (%q as of [%s])", slave, b.ID, b.Config, b.Rev)
		bm.listeners.emit(ctx, contracts.EventBuildStarted, next, now)
	}

	vars := recipe.Vars{Path: cfg.Path, Revision: b.Rev, Config: b.Config, Build: b.ID, Platform: p.Name}
	steps := make([]recipe.Step, len(r.Steps))
	for i, st := range r.Steps {
		st.Run = vars.Expand(st.Run)
		reports := make([]recipe.ReportSpec, len(st.Reports))
		for j, rep := range st.Reports {
			rep.File = vars.Expand(rep.File)
			reports[j] = rep
		}
		st.Reports = reports
		steps[i] = st
	}
	return &Envelope{Build: next, Vars: vars, Steps: steps}, nil
}

func (bm *BuildMaster) failRecipe(ctx context.Context, b contracts.Build, cause error) error {
	now := bm.now()
	step := contracts.Step{
		BuildID:     b.ID,
		Attempt:     b.Attempt,
		Name:        RecipeStep,
		Description: "Parse the build recipe",
		Status:      contracts.StepFailure,
		Started:     now,
		Stopped:     now,
		Errors:      []string{cause.Error()},
	}
	if err := bm.store.AddStep(ctx, step); err != nil && !errors.Is(err, contracts.ErrAlreadyExists) {
		return fmt.Errorf("failed to record recipe error: %w", err)
	}

	next := b
	if next.Started.IsZero() {
		next.Started = now
	}
	next.Status = contracts.BuildFailed
	next.Stopped = now
	next.LastActivity = now
	if err := bm.update(ctx, next, b.Attempt); err != nil {
		return err
	}
	bm.logger.Error("[BuildMaster] Build %d of %q failed: %v", b.ID, b.Config, cause)
	bm.listeners.emit(ctx, contracts.EventBuildCompleted, next, now)
	return nil
}

// SubmitStep records a step reported by the slave owning the build and
// finishes the build after the last step or a failed step whose policy is to
// stop. Only the fields describing the step outcome are taken from report.
func (bm *BuildMaster) SubmitStep(ctx context.Context, slave string, id int64, report contracts.Step) (*contracts.Build, error) {
	b, err := bm.owned(ctx, slave, id)
	if err != nil {
		return nil, err
	}
	cfg, err := bm.store.GetConfig(ctx, b.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %q: %w", b.Config, err)
	}
	r, err := recipe.Parse(cfg.Recipe)
	if err != nil {
		// The recipe was edited into an invalid one while the build ran.
		if ferr := bm.failRecipe(ctx, *b, err); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	rs, _, ok := r.Step(report.Name)
	if !ok {
		return nil, fmt.Errorf("step %q is not part of the recipe of %q: %w", report.Name, b.Config, contracts.ErrForbidden)
	}

	now := bm.now()
	step := record(report, *b, rs, now)
	if err := bm.store.AddStep(ctx, step); err != nil {
		if errors.Is(err, contracts.ErrAlreadyExists) {
			return nil, fmt.Errorf("step %q of build %d: %w", step.Name, b.ID, contracts.ErrConflict)
		}
		return nil, fmt.Errorf("failed to record step: %w", err)
	}
	bm.logger.Info("[BuildMaster] Slave %q completed step %q of build %d with status %s",
		slave, step.Name, b.ID, step.Status)

	failed := step.Status == contracts.StepFailure
	if !r.IsLast(step.Name) && !(failed && rs.OnError == recipe.OnErrorFail) {
		next := *b
		next.LastActivity = now
		if err := bm.update(ctx, next, b.Attempt); err != nil {
			return nil, err
		}
		return &next, nil
	}

	return bm.finish(ctx, *b, r, now)
}

// record normalizes a reported step: it belongs to the current attempt, its
// messages are stripped of terminal escapes and errors make it a failure.
func record(report contracts.Step, b contracts.Build, rs *recipe.Step, now time.Time) contracts.Step {
	step := contracts.Step{
		BuildID:     b.ID,
		Attempt:     b.Attempt,
		Name:        report.Name,
		Description: report.Description,
		Status:      report.Status,
		Started:     report.Started,
		Stopped:     report.Stopped,
		Reports:     report.Reports,
	}
	if step.Description == "" {
		step.Description = rs.Description
	}
	if step.Stopped.IsZero() {
		step.Stopped = now
	}
	if step.Started.IsZero() {
		step.Started = step.Stopped
	}

	for _, l := range report.Logs {
		msgs := make([]contracts.LogMessage, len(l.Messages))
		for i, m := range l.Messages {
			if m.Level == "" {
				m.Level = contracts.LevelInfo
			}
			m.Message = sanitize.StripANSI(m.Message)
			msgs[i] = m
		}
		step.Logs = append(step.Logs, contracts.StepLog{Generator: l.Generator, Messages: msgs})
	}
	for _, e := range report.Errors {
		step.Errors = append(step.Errors, sanitize.StripANSI(e))
	}

	if step.Status != contracts.StepFailure && len(step.Errors) > 0 {
		step.Status = contracts.StepFailure
	}
	if step.Status == "" {
		step.Status = contracts.StepSuccess
	}
	return step
}

// finish computes the outcome of the current attempt and closes the build.
func (bm *BuildMaster) finish(ctx context.Context, b contracts.Build, r *recipe.Recipe, now time.Time) (*contracts.Build, error) {
	steps, err := bm.store.ListSteps(ctx, b.ID, b.Attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}

	next := b
	next.Status = Outcome(r, steps)
	next.Stopped = now
	next.LastActivity = now
	if err := bm.update(ctx, next, b.Attempt); err != nil {
		return nil, err
	}
	bm.logger.Info("[BuildMaster] Build %d of %q as of [%s] on %q finished: %s",
		b.ID, b.Config, b.Rev, b.Slave, next.Status)
	bm.listeners.emit(ctx, contracts.EventBuildCompleted, next, now)
	return &next, nil
}

// Outcome returns failed when a failed step does not have the ignore policy,
// completed otherwise. Steps unknown to the recipe count as failing.
func Outcome(r *recipe.Recipe, steps []contracts.Step) contracts.BuildStatus {
	for _, st := range steps {
		if st.Status != contracts.StepFailure {
			continue
		}
		rs, _, ok := r.Step(st.Name)
		if !ok || rs.OnError != recipe.OnErrorIgnore {
			return contracts.BuildFailed
		}
	}
	return contracts.BuildCompleted
}

// CancelBuild handles a slave aborting a build: it goes back to pending.
// Steps of the aborted attempt are kept.
func (bm *BuildMaster) CancelBuild(ctx context.Context, slave string, id int64) error {
	b, err := bm.owned(ctx, slave, id)
	if err != nil {
		return err
	}
	next := queue.Requeued(*b)
	if err := bm.update(ctx, next, b.Attempt); err != nil {
		return err
	}
	bm.logger.Info("[BuildMaster] Slave %q aborted build %d, returned to pending", slave, id)
	bm.listeners.emit(ctx, contracts.EventBuildAborted, next, bm.now())
	return nil
}

// Keepalive refreshes the activity time of a build so that it is not reclaimed.
func (bm *BuildMaster) Keepalive(ctx context.Context, slave string, id int64) error {
	if _, err := bm.owned(ctx, slave, id); err != nil {
		return err
	}
	if err := bm.store.TouchBuild(ctx, id, bm.now()); err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			return fmt.Errorf("build %d: %w", id, contracts.ErrForbidden)
		}
		return err
	}
	return nil
}

// InvalidateBuild marks a build invalidated from any state. Invalidating an
// invalidated build returns it unchanged. Recorded steps are left untouched and
// the next populate may enqueue a fresh build for the same revision.
func (bm *BuildMaster) InvalidateBuild(ctx context.Context, id int64) (*contracts.Build, error) {
	for {
		b, err := bm.store.GetBuild(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Status == contracts.BuildInvalidated {
			return b, nil
		}

		next := *b
		next.Status = contracts.BuildInvalidated
		err = bm.store.UpdateBuild(ctx, next, store.Expect{
			Statuses: []contracts.BuildStatus{b.Status},
			Attempt:  b.Attempt,
		})
		if errors.Is(err, contracts.ErrConflict) {
			// Changed underneath us; look again.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to invalidate build %d: %w", id, err)
		}

		bm.logger.Info("[BuildMaster] Build %d of %q as of [%s] invalidated (was %s)", id, b.Config, b.Rev, b.Status)
		bm.listeners.emit(ctx, contracts.EventBuildInvalidated, next, bm.now())
		return &next, nil
	}
}

// ResetOrphanedBuilds returns idle builds to the queue and announces each as aborted.
func (bm *BuildMaster) ResetOrphanedBuilds(ctx context.Context) ([]contracts.Build, error) {
	reset, err := bm.queue.ResetOrphanedBuilds(ctx)
	now := bm.now()
	for _, b := range reset {
		bm.listeners.emit(ctx, contracts.EventBuildAborted, b, now)
	}
	return reset, err
}

// Steps returns the steps of the latest attempt of a build.
func (bm *BuildMaster) Steps(ctx context.Context, id int64) ([]contracts.Step, error) {
	b, err := bm.store.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	return bm.store.ListSteps(ctx, b.ID, b.Attempt)
}
