package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitten-master/src/contracts"
)

type stepKey struct {
	build   int64
	attempt int
	name    string
}

// MemoryStore is an in-memory implementation of Store.
// Useful for testing and single-process deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	configs    map[string]contracts.Configuration
	platforms  map[int64]contracts.Platform
	builds     map[int64]contracts.Build
	steps      []contracts.Step
	stepIndex  map[stepKey]struct{}
	changesets map[string]contracts.Changeset
	nextID     int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:    make(map[string]contracts.Configuration),
		platforms:  make(map[int64]contracts.Platform),
		builds:     make(map[int64]contracts.Build),
		stepIndex:  make(map[stepKey]struct{}),
		changesets: make(map[string]contracts.Changeset),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// CreateConfig adds a configuration.
func (s *MemoryStore) CreateConfig(ctx context.Context, cfg contracts.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.Name]; exists {
		return fmt.Errorf("configuration %q: %w", cfg.Name, contracts.ErrAlreadyExists)
	}
	s.configs[cfg.Name] = cfg
	return nil
}

// UpdateConfig replaces a configuration, cascading renames.
func (s *MemoryStore) UpdateConfig(ctx context.Context, name string, cfg contracts.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[name]; !exists {
		return fmt.Errorf("configuration %q: %w", name, contracts.ErrNotFound)
	}
	if cfg.Name != name {
		if _, exists := s.configs[cfg.Name]; exists {
			return fmt.Errorf("configuration %q: %w", cfg.Name, contracts.ErrAlreadyExists)
		}
		delete(s.configs, name)
		for id, p := range s.platforms {
			if p.Config == name {
				p.Config = cfg.Name
				s.platforms[id] = p
			}
		}
		for id, b := range s.builds {
			if b.Config == name {
				b.Config = cfg.Name
				s.builds[id] = b
			}
		}
	}
	s.configs[cfg.Name] = cfg
	return nil
}

// GetConfig returns a configuration by name.
func (s *MemoryStore) GetConfig(ctx context.Context, name string) (*contracts.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, exists := s.configs[name]
	if !exists {
		return nil, fmt.Errorf("configuration %q: %w", name, contracts.ErrNotFound)
	}
	return &cfg, nil
}

// ListConfigs returns all configurations ordered by name.
func (s *MemoryStore) ListConfigs(ctx context.Context) ([]contracts.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Configuration, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteConfig removes a configuration and everything it owns.
func (s *MemoryStore) DeleteConfig(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[name]; !exists {
		return fmt.Errorf("configuration %q: %w", name, contracts.ErrNotFound)
	}
	delete(s.configs, name)
	for id, p := range s.platforms {
		if p.Config == name {
			delete(s.platforms, id)
		}
	}
	removed := make(map[int64]bool)
	for id, b := range s.builds {
		if b.Config == name {
			removed[id] = true
			delete(s.builds, id)
		}
	}
	s.dropSteps(removed)
	return nil
}

func (s *MemoryStore) dropSteps(builds map[int64]bool) {
	if len(builds) == 0 {
		return
	}
	kept := s.steps[:0]
	for _, st := range s.steps {
		if builds[st.BuildID] {
			delete(s.stepIndex, stepKey{st.BuildID, st.Attempt, st.Name})
			continue
		}
		kept = append(kept, st)
	}
	s.steps = kept
}

// SetConfigActive toggles dispatch eligibility.
func (s *MemoryStore) SetConfigActive(ctx context.Context, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, exists := s.configs[name]
	if !exists {
		return fmt.Errorf("configuration %q: %w", name, contracts.ErrNotFound)
	}
	cfg.Active = active
	s.configs[name] = cfg
	return nil
}

// CreatePlatform adds a platform and returns its ID.
func (s *MemoryStore) CreatePlatform(ctx context.Context, p contracts.Platform) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[p.Config]; !exists {
		return 0, fmt.Errorf("configuration %q: %w", p.Config, contracts.ErrNotFound)
	}
	p.ID = s.id()
	p.Rules = append([]contracts.Rule(nil), p.Rules...)
	s.platforms[p.ID] = p
	return p.ID, nil
}

// UpdatePlatform replaces the name and rules of a platform.
func (s *MemoryStore) UpdatePlatform(ctx context.Context, p contracts.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.platforms[p.ID]
	if !exists {
		return fmt.Errorf("platform %d: %w", p.ID, contracts.ErrNotFound)
	}
	existing.Name = p.Name
	existing.Rules = append([]contracts.Rule(nil), p.Rules...)
	s.platforms[p.ID] = existing
	return nil
}

// GetPlatform returns a platform by ID.
func (s *MemoryStore) GetPlatform(ctx context.Context, id int64) (*contracts.Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.platforms[id]
	if !exists {
		return nil, fmt.Errorf("platform %d: %w", id, contracts.ErrNotFound)
	}
	p.Rules = append([]contracts.Rule(nil), p.Rules...)
	return &p, nil
}

// ListPlatforms returns platforms ordered by configuration, then ID.
func (s *MemoryStore) ListPlatforms(ctx context.Context, config string) ([]contracts.Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Platform, 0)
	for _, p := range s.platforms {
		if config != "" && p.Config != config {
			continue
		}
		p.Rules = append([]contracts.Rule(nil), p.Rules...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config != out[j].Config {
			return out[i].Config < out[j].Config
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeletePlatform removes a platform and its pending builds.
func (s *MemoryStore) DeletePlatform(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.platforms[id]; !exists {
		return fmt.Errorf("platform %d: %w", id, contracts.ErrNotFound)
	}
	delete(s.platforms, id)
	dropped := make(map[int64]bool)
	for bid, b := range s.builds {
		if b.Platform == id && b.Status == contracts.BuildPending {
			delete(s.builds, bid)
			dropped[bid] = true
		}
	}
	s.dropSteps(dropped)
	return nil
}

// CreateBuild adds a build and returns its ID.
func (s *MemoryStore) CreateBuild(ctx context.Context, b contracts.Build) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.builds {
		if existing.Config == b.Config && existing.Platform == b.Platform && existing.Rev == b.Rev &&
			existing.Status != contracts.BuildInvalidated {
			return 0, fmt.Errorf("build of %s@%s on platform %d: %w", b.Config, b.Rev, b.Platform, contracts.ErrAlreadyExists)
		}
	}
	b.ID = s.id()
	s.builds[b.ID] = cloneBuild(b)
	return b.ID, nil
}

// GetBuild returns a build by ID.
func (s *MemoryStore) GetBuild(ctx context.Context, id int64) (*contracts.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, exists := s.builds[id]
	if !exists {
		return nil, fmt.Errorf("build %d: %w", id, contracts.ErrNotFound)
	}
	b = cloneBuild(b)
	return &b, nil
}

// ListBuilds returns builds newest revision time first.
func (s *MemoryStore) ListBuilds(ctx context.Context, filter BuildFilter) ([]contracts.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Build, 0)
	for _, b := range s.builds {
		if filter.Config != "" && b.Config != filter.Config {
			continue
		}
		if filter.Platform != 0 && b.Platform != filter.Platform {
			continue
		}
		if filter.Rev != "" && b.Rev != filter.Rev {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(b.Status, filter.Statuses) {
			continue
		}
		out = append(out, cloneBuild(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RevTime.Equal(out[j].RevTime) {
			return out[i].RevTime.After(out[j].RevTime)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateBuild writes b when the stored build matches expect.
func (s *MemoryStore) UpdateBuild(ctx context.Context, b contracts.Build, expect Expect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.builds[b.ID]
	if !exists {
		return fmt.Errorf("build %d: %w", b.ID, contracts.ErrNotFound)
	}
	if !statusIn(existing.Status, expect.Statuses) || existing.Attempt != expect.Attempt {
		return fmt.Errorf("build %d is %s (attempt %d): %w", b.ID, existing.Status, existing.Attempt, contracts.ErrConflict)
	}
	b.Config = existing.Config
	b.Platform = existing.Platform
	b.Rev = existing.Rev
	b.Created = existing.Created
	s.builds[b.ID] = cloneBuild(b)
	return nil
}

// TouchBuild records slave activity on an in-progress build.
func (s *MemoryStore) TouchBuild(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.builds[id]
	if !exists {
		return fmt.Errorf("build %d: %w", id, contracts.ErrNotFound)
	}
	if b.Status != contracts.BuildInProgress {
		return fmt.Errorf("build %d is %s: %w", id, b.Status, contracts.ErrConflict)
	}
	b.LastActivity = at
	s.builds[id] = b
	return nil
}

// DeletePendingBuild removes a build that is still pending.
func (s *MemoryStore) DeletePendingBuild(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.builds[id]
	if !exists {
		return fmt.Errorf("build %d: %w", id, contracts.ErrNotFound)
	}
	if b.Status != contracts.BuildPending {
		return fmt.Errorf("build %d is %s: %w", id, b.Status, contracts.ErrConflict)
	}
	delete(s.builds, id)
	s.dropSteps(map[int64]bool{id: true})
	return nil
}

// AddStep appends a step.
func (s *MemoryStore) AddStep(ctx context.Context, step contracts.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.builds[step.BuildID]; !exists {
		return fmt.Errorf("build %d: %w", step.BuildID, contracts.ErrNotFound)
	}
	key := stepKey{step.BuildID, step.Attempt, step.Name}
	if _, exists := s.stepIndex[key]; exists {
		return fmt.Errorf("step %q of build %d: %w", step.Name, step.BuildID, contracts.ErrAlreadyExists)
	}
	s.stepIndex[key] = struct{}{}
	s.steps = append(s.steps, cloneStep(step))
	return nil
}

// ListSteps returns the steps of one build attempt in submission order.
func (s *MemoryStore) ListSteps(ctx context.Context, buildID int64, attempt int) ([]contracts.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Step, 0)
	for _, st := range s.steps {
		if st.BuildID == buildID && st.Attempt == attempt {
			out = append(out, cloneStep(st))
		}
	}
	return out, nil
}

// AddChangeset records a repository revision.
func (s *MemoryStore) AddChangeset(ctx context.Context, cs contracts.Changeset) error {
	if _, err := contracts.ParseRev(cs.Rev); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.changesets[cs.Rev]; exists {
		return fmt.Errorf("changeset %s: %w", cs.Rev, contracts.ErrAlreadyExists)
	}
	cs.Paths = append([]string(nil), cs.Paths...)
	s.changesets[cs.Rev] = cs
	return nil
}

// GetChangeset returns a changeset by revision.
func (s *MemoryStore) GetChangeset(ctx context.Context, rev string) (*contracts.Changeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, exists := s.changesets[rev]
	if !exists {
		return nil, fmt.Errorf("changeset %s: %w", rev, contracts.ErrNotFound)
	}
	cs.Paths = append([]string(nil), cs.Paths...)
	return &cs, nil
}

// ListChangesets returns all changesets, newest revision first.
func (s *MemoryStore) ListChangesets(ctx context.Context) ([]contracts.Changeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Changeset, 0, len(s.changesets))
	for _, cs := range s.changesets {
		cs.Paths = append([]string(nil), cs.Paths...)
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return contracts.RevOlderThan(out[j].Rev, out[i].Rev) })
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneBuild(b contracts.Build) contracts.Build {
	if b.SlaveInfo.Extra != nil {
		extra := make(map[string]string, len(b.SlaveInfo.Extra))
		for k, v := range b.SlaveInfo.Extra {
			extra[k] = v
		}
		b.SlaveInfo.Extra = extra
	}
	return b
}

func cloneStep(st contracts.Step) contracts.Step {
	logs := make([]contracts.StepLog, len(st.Logs))
	for i, l := range st.Logs {
		logs[i] = contracts.StepLog{
			Generator: l.Generator,
			Messages:  append([]contracts.LogMessage(nil), l.Messages...),
		}
	}
	st.Logs = logs
	reports := make([]contracts.Report, len(st.Reports))
	for i, r := range st.Reports {
		items := make([]map[string]string, len(r.Items))
		for j, item := range r.Items {
			copied := make(map[string]string, len(item))
			for k, v := range item {
				copied[k] = v
			}
			items[j] = copied
		}
		reports[i] = contracts.Report{Kind: r.Kind, Generator: r.Generator, Items: items}
	}
	st.Reports = reports
	st.Errors = append([]string(nil), st.Errors...)
	return st
}
