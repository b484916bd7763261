// Package queue schedules builds: it enqueues builds for new revisions, matches
// connecting slaves against target platforms and hands out pending builds.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitten-master/src/config"
	"bitten-master/src/contracts"
	"bitten-master/src/logger"
	"bitten-master/src/platform"
	"bitten-master/src/repo"
	"bitten-master/src/store"
)

// BuildQueue encapsulates the build queue of a master.
type BuildQueue struct {
	store   store.Store
	repo    *repo.Repository
	matcher *platform.Matcher
	logger  logger.Logger
	options func() config.MasterOptions
	now     func() time.Time
}

// New creates a build queue. options is consulted on every operation so that
// admin changes apply without restarting the queue.
func New(s store.Store, r *repo.Repository, m *platform.Matcher, log logger.Logger, options func() config.MasterOptions) *BuildQueue {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &BuildQueue{
		store:   s,
		repo:    r,
		matcher: m,
		logger:  log,
		options: options,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (q *BuildQueue) SetClock(now func() time.Time) {
	q.now = now
}

// Populate enqueues builds for revisions that have not been built yet.
//
// For every active configuration and each of its platforms, the newest eligible
// revision is enqueued when it has no live build, and older pending builds of the
// same platform are superseded. With build_all every eligible revision without a
// live build is enqueued instead. A revision whose builds were all invalidated is
// enqueued again either way and never superseded. Changesets younger than
// stabilize_wait are skipped.
func (q *BuildQueue) Populate(ctx context.Context) (int, error) {
	opts := q.options()
	configs, err := q.store.ListConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list configurations: %w", err)
	}

	enqueued := 0
	for _, cfg := range configs {
		if !cfg.Active {
			continue
		}
		n, err := q.populateConfig(ctx, cfg, opts)
		if err != nil {
			return enqueued, err
		}
		enqueued += n
	}
	return enqueued, nil
}

func (q *BuildQueue) populateConfig(ctx context.Context, cfg contracts.Configuration, opts config.MasterOptions) (int, error) {
	history, err := q.repo.History(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if wait := opts.StabilizeWait(); wait > 0 {
		cutoff := q.now().Add(-wait)
		stable := history[:0:0]
		for _, cs := range history {
			if cs.Time.After(cutoff) {
				q.logger.Debug("[BuildQueue] Changeset [%s] is younger than %s, waiting", cs.Rev, wait)
				continue
			}
			stable = append(stable, cs)
		}
		history = stable
	}
	if len(history) == 0 {
		return 0, nil
	}

	platforms, err := q.store.ListPlatforms(ctx, cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to list platforms: %w", err)
	}

	enqueued := 0
	for _, p := range platforms {
		builds, err := q.store.ListBuilds(ctx, store.BuildFilter{Config: cfg.Name, Platform: p.ID})
		if err != nil {
			return enqueued, fmt.Errorf("failed to list builds: %w", err)
		}
		live := make(map[string]bool, len(builds))
		invalidated := make(map[string]bool)
		for _, b := range builds {
			if b.Status == contracts.BuildInvalidated {
				invalidated[b.Rev] = true
			} else {
				live[b.Rev] = true
			}
		}

		candidates := history
		if !opts.BuildAll {
			candidates = history[:1]
			for _, cs := range history[1:] {
				if invalidated[cs.Rev] && !live[cs.Rev] {
					candidates = append(candidates, cs)
				}
			}
		}
		for _, cs := range candidates {
			if live[cs.Rev] {
				continue
			}
			ok, err := q.enqueue(ctx, cfg, p, cs)
			if err != nil {
				return enqueued, err
			}
			if ok {
				live[cs.Rev] = true
				enqueued++
			}
		}

		if !opts.BuildAll {
			q.supersede(ctx, cfg, p, history[0].Rev, builds, invalidated)
		}
	}
	return enqueued, nil
}

func (q *BuildQueue) enqueue(ctx context.Context, cfg contracts.Configuration, p contracts.Platform, cs contracts.Changeset) (bool, error) {
	b := contracts.Build{
		Config:   cfg.Name,
		Platform: p.ID,
		Rev:      cs.Rev,
		RevTime:  cs.Time,
		Status:   contracts.BuildPending,
		Created:  q.now(),
	}
	id, err := q.store.CreateBuild(ctx, b)
	if errors.Is(err, contracts.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue build: %w", err)
	}
	q.logger.Info("[BuildQueue] Enqueuing build %d of configuration %q at revision [%s] on %s",
		id, cfg.Name, cs.Rev, p.Name)
	return true, nil
}

// supersede drops pending builds older than the newest revision. Rebuilds
// requested by invalidation are kept.
func (q *BuildQueue) supersede(ctx context.Context, cfg contracts.Configuration, p contracts.Platform, newest string, builds []contracts.Build, rebuild map[string]bool) {
	for _, b := range builds {
		if b.Status != contracts.BuildPending || !contracts.RevOlderThan(b.Rev, newest) || rebuild[b.Rev] {
			continue
		}
		if err := q.store.DeletePendingBuild(ctx, b.ID); err != nil {
			if !errors.Is(err, contracts.ErrConflict) && !errors.Is(err, contracts.ErrNotFound) {
				q.logger.Error("[BuildQueue] Failed to drop superseded build %d: %v", b.ID, err)
			}
			continue
		}
		q.logger.Info("[BuildQueue] Dropping build %d of configuration %q at revision [%s] on %s, superseded by [%s]",
			b.ID, cfg.Name, b.Rev, p.Name, newest)
	}
}

// MatchSlave returns, per active configuration, the first target platform the
// slave matches.
func (q *BuildQueue) MatchSlave(ctx context.Context, info contracts.SlaveInfo) ([]contracts.Platform, error) {
	configs, err := q.store.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	active := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		active[cfg.Name] = cfg.Active
	}

	all, err := q.store.ListPlatforms(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	candidates := all[:0:0]
	for _, p := range all {
		if active[p.Config] {
			candidates = append(candidates, p)
		}
	}

	matched := q.matcher.MatchPerConfig(candidates, info.Properties())
	for _, p := range matched {
		q.logger.Debug("[BuildQueue] Slave %q matched target platform %q of build configuration %q",
			info.Name, p.Name, p.Config)
	}
	if len(matched) == 0 {
		q.logger.Info("[BuildQueue] Slave %q matched none of the target platforms", info.Name)
	}
	return matched, nil
}

// GetBuildForSlave claims a pending build for the slave.
//
// Pending builds are visited newest revision time first: obsolete ones
// (inactive configuration, removed platform or revision out of range) are
// dropped and the first build on a platform the slave matched is claimed.
// Callers reset orphaned builds beforehand so that reclaimed builds are
// offered too. Returns (nil, nil) when nothing is pending for the slave and
// contracts.ErrNoMatchingPlatform when the slave matches no platform at all.
func (q *BuildQueue) GetBuildForSlave(ctx context.Context, info contracts.SlaveInfo) (*contracts.Build, error) {
	platforms, err := q.MatchSlave(ctx, info)
	if err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		return nil, fmt.Errorf("slave %q: %w", info.Name, contracts.ErrNoMatchingPlatform)
	}
	matched := make(map[int64]bool, len(platforms))
	for _, p := range platforms {
		matched[p.ID] = true
	}

	configs, err := q.configsByName(ctx)
	if err != nil {
		return nil, err
	}
	all, err := q.store.ListPlatforms(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	exists := make(map[int64]bool, len(all))
	for _, p := range all {
		exists[p.ID] = true
	}

	pending, err := q.store.ListBuilds(ctx, store.BuildFilter{Statuses: []contracts.BuildStatus{contracts.BuildPending}})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending builds: %w", err)
	}

	for _, b := range pending {
		if reason := q.obsolete(b, configs, exists); reason != "" {
			if err := q.store.DeletePendingBuild(ctx, b.ID); err == nil {
				q.logger.Info("[BuildQueue] Dropping build %d of configuration %q at revision [%s] because %s",
					b.ID, b.Config, b.Rev, reason)
			}
			continue
		}
		if !matched[b.Platform] {
			continue
		}

		claimed, err := q.claim(ctx, b, info)
		if errors.Is(err, contracts.ErrConflict) || errors.Is(err, contracts.ErrNotFound) {
			q.logger.Debug("[BuildQueue] Build %d was claimed by another slave", b.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}

	q.logger.Debug("[BuildQueue] No pending builds for slave %q", info.Name)
	return nil, nil
}

func (q *BuildQueue) claim(ctx context.Context, b contracts.Build, info contracts.SlaveInfo) (*contracts.Build, error) {
	now := q.now()
	next := b
	next.Status = contracts.BuildInProgress
	next.Slave = info.Name
	next.SlaveInfo = info
	next.Attempt = b.Attempt + 1
	next.Started = time.Time{}
	next.Stopped = time.Time{}
	next.LastActivity = now

	expect := store.Expect{Statuses: []contracts.BuildStatus{contracts.BuildPending}, Attempt: b.Attempt}
	if err := q.store.UpdateBuild(ctx, next, expect); err != nil {
		return nil, err
	}
	q.logger.Info("[BuildQueue] Slave %q claimed build %d of configuration %q at revision [%s] (attempt %d)",
		info.Name, next.ID, next.Config, next.Rev, next.Attempt)
	return &next, nil
}

func (q *BuildQueue) configsByName(ctx context.Context) (map[string]contracts.Configuration, error) {
	configs, err := q.store.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	out := make(map[string]contracts.Configuration, len(configs))
	for _, cfg := range configs {
		out[cfg.Name] = cfg
	}
	return out, nil
}

// obsolete returns why a pending build should be dropped, or "" to keep it.
func (q *BuildQueue) obsolete(b contracts.Build, configs map[string]contracts.Configuration, platforms map[int64]bool) string {
	cfg, ok := configs[b.Config]
	if !ok {
		return "the configuration no longer exists"
	}
	if !cfg.Active {
		return "the configuration is deactivated"
	}
	if !platforms[b.Platform] {
		return "its target platform has been removed"
	}
	if !repo.InRange(cfg, b.Rev) {
		return "it is outside of the revision range of the configuration"
	}
	return ""
}

// ResetOrphanedBuilds returns in-progress builds whose slave has been silent for
// at least slave_timeout to the pending state. A zero timeout disables the reset.
// Steps recorded by the abandoned attempt are kept.
func (q *BuildQueue) ResetOrphanedBuilds(ctx context.Context) ([]contracts.Build, error) {
	timeout := q.options().SlaveTimeout()
	if timeout <= 0 {
		return nil, nil
	}

	running, err := q.store.ListBuilds(ctx, store.BuildFilter{Statuses: []contracts.BuildStatus{contracts.BuildInProgress}})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress builds: %w", err)
	}

	now := q.now()
	var reset []contracts.Build
	for _, b := range running {
		if now.Sub(b.LastActivity) < timeout {
			continue
		}
		next := Requeued(b)
		expect := store.Expect{Statuses: []contracts.BuildStatus{contracts.BuildInProgress}, Attempt: b.Attempt}
		if err := q.store.UpdateBuild(ctx, next, expect); err != nil {
			if errors.Is(err, contracts.ErrConflict) || errors.Is(err, contracts.ErrNotFound) {
				continue
			}
			return reset, fmt.Errorf("failed to reset build %d: %w", b.ID, err)
		}
		q.logger.Info("[BuildQueue] Build %d on slave %q idle since %s, returned to pending",
			b.ID, b.Slave, b.LastActivity.Format(time.RFC3339))
		reset = append(reset, next)
	}
	return reset, nil
}

// Requeued returns b as it looks after being handed back to the queue.
func Requeued(b contracts.Build) contracts.Build {
	b.Status = contracts.BuildPending
	b.Slave = ""
	b.SlaveInfo = contracts.SlaveInfo{}
	b.Started = time.Time{}
	b.Stopped = time.Time{}
	b.LastActivity = time.Time{}
	return b
}
