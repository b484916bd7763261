package master

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bitten-master/src/broker"
	"bitten-master/src/config"
	"bitten-master/src/contracts"
	"bitten-master/src/recipe"
	"bitten-master/src/store"
)

const linuxRecipe = `
steps:
  - id: compile
    description: Compile the sources
    run: make -C ${path} all
  - id: test
    description: Run the unit tests
    onerror: continue
    run: make test REV=${revision}
    reports:
      - kind: test
        format: junit
        file: build/${config}-${build}.xml
`

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []contracts.BuildEvent
}

func (r *recorder) BuildEvent(ctx context.Context, ev contracts.BuildEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []contracts.BuildEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.BuildEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type env struct {
	master *BuildMaster
	store  store.Store
	clock  *clock
	events *recorder
}

func newEnv(t *testing.T, recipeText string, mutate func(*config.MasterOptions)) *env {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	opts := config.DefaultMasterOptions()
	if mutate != nil {
		mutate(&opts)
	}

	require.NoError(t, s.CreateConfig(ctx, contracts.Configuration{
		Name: "linux-build", Label: "Linux build", Path: "/trunk", Recipe: recipeText, Active: true,
	}))
	_, err := s.CreatePlatform(ctx, contracts.Platform{
		Config: "linux-build", Name: "linux",
		Rules: []contracts.Rule{{Property: contracts.PropOSFamily, Pattern: "posix"}},
	})
	require.NoError(t, err)

	e := &env{store: s, clock: &clock{now: epoch.Add(time.Hour)}, events: &recorder{}}
	e.master = New(s, opts, nil)
	e.master.SetClock(e.clock.Now)
	e.master.AddListener(e.events)
	return e
}

func (e *env) commit(t *testing.T, rev string) {
	t.Helper()
	require.NoError(t, e.store.AddChangeset(context.Background(), contracts.Changeset{
		Rev: rev, Time: epoch, Author: "jo", Message: "fix", Paths: []string{"/trunk/main.c"},
	}))
}

func (e *env) claim(t *testing.T, slave string) *contracts.Build {
	t.Helper()
	b, err := e.master.RequestBuild(context.Background(), posix(slave))
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func posix(name string) contracts.SlaveInfo {
	return contracts.SlaveInfo{Name: name, IPAddress: "10.0.0.7", OSName: "Linux", OSFamily: "posix", OSVersion: "6.1", Machine: "x86_64"}
}

func step(name string, started time.Time, d time.Duration, errs ...string) contracts.Step {
	status := contracts.StepSuccess
	if len(errs) > 0 {
		status = contracts.StepFailure
	}
	return contracts.Step{
		Name:    name,
		Status:  status,
		Started: started,
		Stopped: started.Add(d),
		Logs: []contracts.StepLog{{
			Generator: "make",
			Messages: []contracts.LogMessage{
				{Level: contracts.LevelInfo, Message: "running " + name},
				{Level: contracts.LevelError, Message: "\x1b[31mdone\x1b[0m"},
			},
		}},
		Errors: errs,
	}
}

func TestLinuxBuildScenario(t *testing.T) {
	e := newEnv(t, linuxRecipe, nil)
	ctx := context.Background()
	e.commit(t, "42")

	b := e.claim(t, "builder-1")
	assert.Equal(t, "42", b.Rev)
	assert.Equal(t, contracts.BuildInProgress, b.Status)

	envl, err := e.master.InitiateBuild(ctx, "builder-1", b.ID)
	require.NoError(t, err)
	require.Len(t, envl.Steps, 2)
	assert.Equal(t, "make -C /trunk all", envl.Steps[0].Run)
	assert.Equal(t, "make test REV=42", envl.Steps[1].Run)
	assert.Equal(t, fmt.Sprintf("build/linux-build-%d.xml", b.ID), envl.Steps[1].Reports[0].File)
	assert.Equal(t, "linux", envl.Vars.Platform)

	start := e.clock.Now()
	got, err := e.master.SubmitStep(ctx, "builder-1", b.ID, step("compile", start, 12*time.Second))
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildInProgress, got.Status)

	got, err = e.master.SubmitStep(ctx, "builder-1", b.ID,
		step("test", start.Add(12*time.Second), 30*time.Second, "test_parser failed"))
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildFailed, got.Status)

	stored, err := e.store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildFailed, stored.Status)
	assert.False(t, stored.Stopped.IsZero())

	steps, err := e.master.Steps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "compile", steps[0].Name)
	assert.Equal(t, 12*time.Second, steps[0].Duration())
	assert.Empty(t, steps[0].Errors)
	assert.Equal(t, "test", steps[1].Name)
	assert.Equal(t, 30*time.Second, steps[1].Duration())
	assert.Equal(t, []string{"test_parser failed"}, steps[1].Errors)
	assert.Equal(t, "Run the unit tests", steps[1].Description)
	assert.Equal(t, "done", steps[1].Logs[0].Messages[1].Message)

	assert.Equal(t, []contracts.BuildEventType{contracts.EventBuildStarted, contracts.EventBuildCompleted}, e.events.types())
}

func TestSubmitStepOutcome(t *testing.T) {
	tests := []struct {
		name    string
		recipe  string
		submit  []contracts.Step
		want    contracts.BuildStatus
		running bool
	}{
		{
			name: "all steps succeed",
			recipe: `steps:
  - id: compile
  - id: test`,
			submit: []contracts.Step{step("compile", epoch, time.Second), step("test", epoch, time.Second)},
			want:   contracts.BuildCompleted,
		},
		{
			name: "failed step stops the build",
			recipe: `steps:
  - id: compile
  - id: test`,
			submit: []contracts.Step{step("compile", epoch, time.Second, "cc: error")},
			want:   contracts.BuildFailed,
		},
		{
			name: "reported failure without errors",
			recipe: `steps:
  - id: compile`,
			submit: []contracts.Step{{Name: "compile", Status: contracts.StepFailure}},
			want:   contracts.BuildFailed,
		},
		{
			name: "continue keeps running",
			recipe: `steps:
  - id: lint
    onerror: continue
  - id: test`,
			submit:  []contracts.Step{step("lint", epoch, time.Second, "style")},
			want:    contracts.BuildInProgress,
			running: true,
		},
		{
			name: "ignored failure completes",
			recipe: `steps:
  - id: lint
    onerror: ignore
  - id: test`,
			submit: []contracts.Step{step("lint", epoch, time.Second, "style"), step("test", epoch, time.Second)},
			want:   contracts.BuildCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.recipe, nil)
			ctx := context.Background()
			e.commit(t, "42")
			b := e.claim(t, "s1")
			_, err := e.master.InitiateBuild(ctx, "s1", b.ID)
			require.NoError(t, err)

			var last *contracts.Build
			for _, st := range tt.submit {
				last, err = e.master.SubmitStep(ctx, "s1", b.ID, st)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, last.Status)
			if !tt.running {
				assert.Contains(t, e.events.types(), contracts.EventBuildCompleted)
			}
		})
	}
}

func TestSubmitStepRejections(t *testing.T) {
	e := newEnv(t, linuxRecipe, nil)
	ctx := context.Background()
	e.commit(t, "42")
	b := e.claim(t, "s1")

	_, err := e.master.SubmitStep(ctx, "intruder", b.ID, step("compile", epoch, time.Second))
	assert.ErrorIs(t, err, contracts.ErrForbidden)

	_, err = e.master.SubmitStep(ctx, "s1", b.ID, step("package", epoch, time.Second))
	assert.ErrorIs(t, err, contracts.ErrForbidden)

	_, err = e.master.SubmitStep(ctx, "s1", b.ID, step("compile", epoch, time.Second))
	require.NoError(t, err)
	_, err = e.master.SubmitStep(ctx, "s1", b.ID, step("compile", epoch, time.Second))
	assert.ErrorIs(t, err, contracts.ErrConflict)

	_, err = e.master.SubmitStep(ctx, "s1", 999, step("compile", epoch, time.Second))
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestInvalidRecipeFailsBuild(t *testing.T) {
	e := newEnv(t, "steps: [", nil)
	ctx := context.Background()
	e.commit(t, "42")
	b := e.claim(t, "s1")

	_, err := e.master.InitiateBuild(ctx, "s1", b.ID)
	require.ErrorIs(t, err, contracts.ErrInvalidRecipe)

	stored, err := e.store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildFailed, stored.Status)

	steps, err := e.master.Steps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, RecipeStep, steps[0].Name)
	assert.Equal(t, contracts.StepFailure, steps[0].Status)
	require.Len(t, steps[0].Errors, 1)
	assert.Contains(t, steps[0].Errors[0], "invalid recipe")
}

func TestRequestBuildRejectsUnmatchedSlave(t *testing.T) {
	e := newEnv(t, linuxRecipe, nil)
	e.commit(t, "42")

	b, err := e.master.RequestBuild(context.Background(), contracts.SlaveInfo{Name: "win", OSFamily: "nt"})
	assert.ErrorIs(t, err, contracts.ErrNoMatchingPlatform)
	assert.Nil(t, b)

	_, err = e.master.RequestBuild(context.Background(), contracts.SlaveInfo{})
	assert.ErrorIs(t, err, contracts.ErrInvalid)
}

func TestCancelBuildRequeues(t *testing.T) {
	e := newEnv(t, linuxRecipe, nil)
	ctx := context.Background()
	e.commit(t, "42")
	b := e.claim(t, "s1")
	_, err := e.master.SubmitStep(ctx, "s1", b.ID, step("compile", epoch, time.Second))
	require.NoError(t, err)

	require.ErrorIs(t, e.master.CancelBuild(ctx, "s2", b.ID), contracts.ErrForbidden)
	require.NoError(t, e.master.CancelBuild(ctx, "s1", b.ID))

	stored, err := e.store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildPending, stored.Status)
	assert.Empty(t, stored.Slave)

	again := e.claim(t, "s2")
	assert.Equal(t, b.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)

	// The new attempt starts without steps; the old attempt keeps its own.
	steps, err := e.master.Steps(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
	old, err := e.store.ListSteps(ctx, b.ID, 1)
	require.NoError(t, err)
	assert.Len(t, old, 1)

	_, err = e.master.SubmitStep(ctx, "s2", b.ID, step("compile", epoch, time.Second))
	assert.NoError(t, err)
	assert.Contains(t, e.events.types(), contracts.EventBuildAborted)
}

func TestKeepalive(t *testing.T) {
	e := newEnv(t, linuxRecipe, func(o *config.MasterOptions) { o.SlaveTimeoutMs = 60000 })
	ctx := context.Background()
	e.commit(t, "42")
	b := e.claim(t, "s1")

	e.clock.Advance(50 * time.Second)
	require.NoError(t, e.master.Keepalive(ctx, "s1", b.ID))
	assert.ErrorIs(t, e.master.Keepalive(ctx, "s2", b.ID), contracts.ErrForbidden)

	e.clock.Advance(50 * time.Second)
	reset, err := e.master.ResetOrphanedBuilds(ctx)
	require.NoError(t, err)
	assert.Empty(t, reset)

	e.clock.Advance(10 * time.Second)
	reset, err = e.master.ResetOrphanedBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, reset, 1)
	assert.Equal(t, b.ID, reset[0].ID)

	assert.ErrorIs(t, e.master.Keepalive(ctx, "s1", b.ID), contracts.ErrForbidden)
}

func TestInvalidateBuild(t *testing.T) {
	e := newEnv(t, linuxRecipe, nil)
	ctx := context.Background()
	e.commit(t, "42")
	b := e.claim(t, "s1")
	_, err := e.master.SubmitStep(ctx, "s1", b.ID, step("compile", epoch, time.Second))
	require.NoError(t, err)

	first, err := e.master.InvalidateBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildInvalidated, first.Status)

	second, err := e.master.InvalidateBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The slave no longer owns the build.
	_, err = e.master.SubmitStep(ctx, "s1", b.ID, step("test", epoch, time.Second))
	assert.ErrorIs(t, err, contracts.ErrForbidden)

	steps, err := e.master.Steps(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "compile", steps[0].Name)

	// The revision is dispatchable again.
	fresh := e.claim(t, "s2")
	assert.NotEqual(t, b.ID, fresh.ID)
	assert.Equal(t, "42", fresh.Rev)

	_, err = e.master.InvalidateBuild(ctx, 999)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	n := 0
	for _, typ := range e.events.types() {
		if typ == contracts.EventBuildInvalidated {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestInvalidateFinishedBuild(t *testing.T) {
	e := newEnv(t, "steps:\n  - id: compile\n", nil)
	ctx := context.Background()
	e.commit(t, "42")
	b := e.claim(t, "s1")
	done, err := e.master.SubmitStep(ctx, "s1", b.ID, step("compile", epoch, time.Second))
	require.NoError(t, err)
	require.Equal(t, contracts.BuildCompleted, done.Status)

	got, err := e.master.InvalidateBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildInvalidated, got.Status)
	assert.Equal(t, done.Stopped, got.Stopped)
}

func TestSetOptions(t *testing.T) {
	e := newEnv(t, linuxRecipe, nil)

	bad := e.master.Options()
	bad.SlaveTimeoutMs = -1
	require.ErrorIs(t, e.master.SetOptions(bad), contracts.ErrInvalid)
	assert.Equal(t, int64(config.DefaultSlaveTimeoutMs), e.master.Options().SlaveTimeoutMs)

	next := e.master.Options()
	next.BuildAll = true
	next.EmptyPlatformMatchesAll = false
	require.NoError(t, e.master.SetOptions(next))
	assert.True(t, e.master.Options().BuildAll)
	assert.False(t, e.master.Matcher().EmptyMatchesAll())
}

func TestSweeperReclaimsIdleBuilds(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t, linuxRecipe, func(o *config.MasterOptions) { o.SlaveTimeoutMs = 1000 })
	ctx, cancel := context.WithCancel(context.Background())
	e.commit(t, "42")
	b := e.claim(t, "s1")
	e.clock.Advance(2 * time.Second)

	done := make(chan error, 1)
	go func() { done <- NewSweeper(e.master, 5*time.Millisecond).Run(ctx) }()

	require.Eventually(t, func() bool {
		stored, err := e.store.GetBuild(context.Background(), b.ID)
		return err == nil && stored.Status == contracts.BuildPending
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperFollowsSweepIntervalOption(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newEnv(t, linuxRecipe, func(o *config.MasterOptions) {
		o.SlaveTimeoutMs = 1000
		o.SweepIntervalMs = int64(time.Hour / time.Millisecond)
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.commit(t, "42")
	b := e.claim(t, "s1")
	e.clock.Advance(2 * time.Second)

	done := make(chan error, 1)
	go func() { done <- NewSweeper(e.master, 0).Run(ctx) }()

	pending := func() bool {
		stored, err := e.store.GetBuild(context.Background(), b.ID)
		return err == nil && stored.Status == contracts.BuildPending
	}
	require.Never(t, pending, 50*time.Millisecond, 5*time.Millisecond)

	opts := e.master.Options()
	opts.SweepIntervalMs = 5
	require.NoError(t, e.master.SetOptions(opts))
	require.Eventually(t, pending, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRequestBuildReclaimAnnouncesAbort(t *testing.T) {
	e := newEnv(t, linuxRecipe, func(o *config.MasterOptions) { o.SlaveTimeoutMs = 60000 })
	e.commit(t, "42")
	b := e.claim(t, "s1")

	e.clock.Advance(2 * time.Hour)
	again := e.claim(t, "s2")
	assert.Equal(t, b.ID, again.ID)
	assert.Equal(t, 2, again.Attempt)
	assert.Equal(t, []contracts.BuildEventType{contracts.EventBuildAborted}, e.events.types())
}

func TestInvalidatedOlderRevisionIsRebuilt(t *testing.T) {
	e := newEnv(t, "steps:\n  - id: compile\n", nil)
	ctx := context.Background()

	e.commit(t, "41")
	old := e.claim(t, "s1")
	require.Equal(t, "41", old.Rev)
	_, err := e.master.SubmitStep(ctx, "s1", old.ID, step("compile", epoch, time.Second))
	require.NoError(t, err)

	e.commit(t, "42")
	newest := e.claim(t, "s1")
	require.Equal(t, "42", newest.Rev)
	_, err = e.master.SubmitStep(ctx, "s1", newest.ID, step("compile", epoch, time.Second))
	require.NoError(t, err)

	_, err = e.master.InvalidateBuild(ctx, old.ID)
	require.NoError(t, err)

	rebuilt := e.claim(t, "s2")
	assert.Equal(t, "41", rebuilt.Rev)
	assert.NotEqual(t, old.ID, rebuilt.ID)
}

func TestRecipeBrokenDuringBuildFailsBuild(t *testing.T) {
	e := newEnv(t, "steps:\n  - id: compile\n  - id: test\n", nil)
	ctx := context.Background()
	e.commit(t, "42")
	b := e.claim(t, "s1")
	_, err := e.master.InitiateBuild(ctx, "s1", b.ID)
	require.NoError(t, err)
	_, err = e.master.SubmitStep(ctx, "s1", b.ID, step("compile", epoch, time.Second))
	require.NoError(t, err)

	cfg, err := e.store.GetConfig(ctx, "linux-build")
	require.NoError(t, err)
	cfg.Recipe = "steps: ["
	require.NoError(t, e.store.UpdateConfig(ctx, cfg.Name, *cfg))

	_, err = e.master.SubmitStep(ctx, "s1", b.ID, step("test", epoch, time.Second))
	require.ErrorIs(t, err, contracts.ErrInvalidRecipe)

	stored, err := e.store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildFailed, stored.Status)
	assert.Contains(t, e.events.types(), contracts.EventBuildCompleted)
}

func TestBrokerListenerPublishesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	brk := broker.NewInMemoryBroker()
	defer brk.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := brk.Subscribe(ctx, contracts.TopicBuildEvents, "test")
	require.NoError(t, err)

	e := newEnv(t, linuxRecipe, nil)
	e.master.AddListener(NewBrokerListener(brk, e.master.logger))
	e.commit(t, "42")
	b := e.claim(t, "s1")
	_, err = e.master.InvalidateBuild(ctx, b.ID)
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, "linux-build", msg.Key)
		assert.Contains(t, string(msg.Value), `"type":"build_invalidated"`)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestOutcome(t *testing.T) {
	r, err := recipe.Parse("steps:\n  - id: a\n    onerror: ignore\n  - id: b\n")
	require.NoError(t, err)
	assert.Equal(t, contracts.BuildCompleted, Outcome(r, []contracts.Step{{Name: "a", Status: contracts.StepFailure}}))
	assert.Equal(t, contracts.BuildFailed, Outcome(r, []contracts.Step{{Name: "b", Status: contracts.StepFailure}}))
	assert.Equal(t, contracts.BuildFailed, Outcome(r, []contracts.Step{{Name: "zz", Status: contracts.StepFailure}}))
	assert.Equal(t, contracts.BuildCompleted, Outcome(r, nil))
}
