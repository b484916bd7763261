package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitten-master/src/contracts"
)

// forEachStore runs fn against every Store implementation that works without
// external services.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bitten.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedConfig(t *testing.T, s Store, name string) contracts.Configuration {
	t.Helper()
	cfg := contracts.Configuration{
		Name:   name,
		Label:  name,
		Path:   "/trunk",
		Recipe: "steps: []",
		Active: true,
	}
	require.NoError(t, s.CreateConfig(context.Background(), cfg))
	return cfg
}

func pendingBuild(config string, platform int64, rev string, revTime time.Time) contracts.Build {
	return contracts.Build{
		Config:   config,
		Platform: platform,
		Rev:      rev,
		RevTime:  revTime,
		Status:   contracts.BuildPending,
		Created:  t0,
	}
}

func TestConfigurations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")
		seedConfig(t, s, "branch")

		err := s.CreateConfig(ctx, contracts.Configuration{Name: "trunk"})
		require.ErrorIs(t, err, contracts.ErrAlreadyExists)

		configs, err := s.ListConfigs(ctx)
		require.NoError(t, err)
		require.Len(t, configs, 2)
		assert.Equal(t, "branch", configs[0].Name)
		assert.Equal(t, "trunk", configs[1].Name)

		require.NoError(t, s.SetConfigActive(ctx, "trunk", false))
		got, err := s.GetConfig(ctx, "trunk")
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, "/trunk", got.Path)

		_, err = s.GetConfig(ctx, "missing")
		require.ErrorIs(t, err, contracts.ErrNotFound)
		require.ErrorIs(t, s.SetConfigActive(ctx, "missing", true), contracts.ErrNotFound)
	})
}

func TestRenameConfigCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cfg := seedConfig(t, s, "old")
		seedConfig(t, s, "taken")

		pid, err := s.CreatePlatform(ctx, contracts.Platform{Config: "old", Name: "linux"})
		require.NoError(t, err)
		bid, err := s.CreateBuild(ctx, pendingBuild("old", pid, "10", t0))
		require.NoError(t, err)

		cfg.Name = "taken"
		require.ErrorIs(t, s.UpdateConfig(ctx, "old", cfg), contracts.ErrAlreadyExists)

		cfg.Name = "new"
		cfg.Description = "renamed"
		require.NoError(t, s.UpdateConfig(ctx, "old", cfg))

		_, err = s.GetConfig(ctx, "old")
		require.ErrorIs(t, err, contracts.ErrNotFound)
		got, err := s.GetConfig(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Description)

		p, err := s.GetPlatform(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, "new", p.Config)

		b, err := s.GetBuild(ctx, bid)
		require.NoError(t, err)
		assert.Equal(t, "new", b.Config)

		require.ErrorIs(t, s.UpdateConfig(ctx, "ghost", cfg), contracts.ErrNotFound)
	})
}

func TestDeleteConfigCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "doomed")
		seedConfig(t, s, "kept")

		pid, err := s.CreatePlatform(ctx, contracts.Platform{Config: "doomed", Name: "linux"})
		require.NoError(t, err)
		keptPID, err := s.CreatePlatform(ctx, contracts.Platform{Config: "kept", Name: "linux"})
		require.NoError(t, err)
		bid, err := s.CreateBuild(ctx, pendingBuild("doomed", pid, "1", t0))
		require.NoError(t, err)
		keptBID, err := s.CreateBuild(ctx, pendingBuild("kept", keptPID, "1", t0))
		require.NoError(t, err)
		require.NoError(t, s.AddStep(ctx, contracts.Step{BuildID: bid, Name: "compile", Status: contracts.StepSuccess}))

		require.NoError(t, s.DeleteConfig(ctx, "doomed"))
		require.ErrorIs(t, s.DeleteConfig(ctx, "doomed"), contracts.ErrNotFound)

		_, err = s.GetPlatform(ctx, pid)
		require.ErrorIs(t, err, contracts.ErrNotFound)
		_, err = s.GetBuild(ctx, bid)
		require.ErrorIs(t, err, contracts.ErrNotFound)
		steps, err := s.ListSteps(ctx, bid, 0)
		require.NoError(t, err)
		assert.Empty(t, steps)

		_, err = s.GetBuild(ctx, keptBID)
		require.NoError(t, err)
	})
}

func TestPlatforms(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "b")
		seedConfig(t, s, "a")

		rules := []contracts.Rule{
			{Property: "family", Pattern: "posix"},
			{Property: "os", Pattern: "^Linux$"},
		}
		first, err := s.CreatePlatform(ctx, contracts.Platform{Config: "b", Name: "linux", Rules: rules})
		require.NoError(t, err)
		second, err := s.CreatePlatform(ctx, contracts.Platform{Config: "a", Name: "any"})
		require.NoError(t, err)
		third, err := s.CreatePlatform(ctx, contracts.Platform{Config: "b", Name: "mac"})
		require.NoError(t, err)
		assert.Less(t, first, second)
		assert.Less(t, second, third)

		_, err = s.CreatePlatform(ctx, contracts.Platform{Config: "missing", Name: "x"})
		require.ErrorIs(t, err, contracts.ErrNotFound)

		all, err := s.ListPlatforms(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{second, first, third}, []int64{all[0].ID, all[1].ID, all[2].ID})
		assert.Equal(t, rules, all[1].Rules)
		assert.Empty(t, all[0].Rules)

		ofB, err := s.ListPlatforms(ctx, "b")
		require.NoError(t, err)
		require.Len(t, ofB, 2)

		updated := contracts.Platform{ID: first, Name: "gnu", Rules: rules[:1]}
		require.NoError(t, s.UpdatePlatform(ctx, updated))
		got, err := s.GetPlatform(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, "gnu", got.Name)
		assert.Equal(t, "b", got.Config)
		assert.Equal(t, rules[:1], got.Rules)

		require.ErrorIs(t, s.UpdatePlatform(ctx, contracts.Platform{ID: 999}), contracts.ErrNotFound)
	})
}

func TestDeletePlatformRemovesPendingBuilds(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")
		pid, err := s.CreatePlatform(ctx, contracts.Platform{Config: "trunk", Name: "linux"})
		require.NoError(t, err)

		pending, err := s.CreateBuild(ctx, pendingBuild("trunk", pid, "2", t0))
		require.NoError(t, err)
		done := pendingBuild("trunk", pid, "1", t0)
		done.Status = contracts.BuildCompleted
		completed, err := s.CreateBuild(ctx, done)
		require.NoError(t, err)
		// Steps of an abandoned attempt of the pending build and of the completed build.
		require.NoError(t, s.AddStep(ctx, contracts.Step{BuildID: pending, Attempt: 1, Name: "compile", Status: contracts.StepSuccess}))
		require.NoError(t, s.AddStep(ctx, contracts.Step{BuildID: completed, Attempt: 1, Name: "compile", Status: contracts.StepSuccess}))

		require.NoError(t, s.DeletePlatform(ctx, pid))
		require.ErrorIs(t, s.DeletePlatform(ctx, pid), contracts.ErrNotFound)

		_, err = s.GetBuild(ctx, pending)
		require.ErrorIs(t, err, contracts.ErrNotFound)
		_, err = s.GetBuild(ctx, completed)
		require.NoError(t, err)

		orphans, err := s.ListSteps(ctx, pending, 1)
		require.NoError(t, err)
		assert.Empty(t, orphans)
		kept, err := s.ListSteps(ctx, completed, 1)
		require.NoError(t, err)
		assert.Len(t, kept, 1)
	})
}

func TestBuildUniquenessAmongLiveBuilds(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")

		id, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "42", t0))
		require.NoError(t, err)

		_, err = s.CreateBuild(ctx, pendingBuild("trunk", 1, "42", t0))
		require.ErrorIs(t, err, contracts.ErrAlreadyExists)

		b, err := s.GetBuild(ctx, id)
		require.NoError(t, err)
		next := *b
		next.Status = contracts.BuildInvalidated
		require.NoError(t, s.UpdateBuild(ctx, next, Expect{Statuses: []contracts.BuildStatus{contracts.BuildPending}, Attempt: 0}))

		again, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "42", t0))
		require.NoError(t, err)
		assert.NotEqual(t, id, again)
	})
}

func TestListBuildsOrderAndFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")

		older, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "1", t0))
		require.NoError(t, err)
		newer, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "2", t0.Add(time.Hour)))
		require.NoError(t, err)
		other, err := s.CreateBuild(ctx, pendingBuild("trunk", 2, "2", t0.Add(time.Hour)))
		require.NoError(t, err)

		all, err := s.ListBuilds(ctx, BuildFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{newer, other, older}, []int64{all[0].ID, all[1].ID, all[2].ID})
		assert.True(t, all[0].RevTime.Equal(t0.Add(time.Hour)))

		byPlatform, err := s.ListBuilds(ctx, BuildFilter{Platform: 2})
		require.NoError(t, err)
		require.Len(t, byPlatform, 1)
		assert.Equal(t, other, byPlatform[0].ID)

		byRev, err := s.ListBuilds(ctx, BuildFilter{Config: "trunk", Rev: "1"})
		require.NoError(t, err)
		require.Len(t, byRev, 1)

		limited, err := s.ListBuilds(ctx, BuildFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)

		none, err := s.ListBuilds(ctx, BuildFilter{Statuses: []contracts.BuildStatus{contracts.BuildFailed}})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestUpdateBuildCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")
		id, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "7", t0))
		require.NoError(t, err)

		b, err := s.GetBuild(ctx, id)
		require.NoError(t, err)

		claimed := *b
		claimed.Status = contracts.BuildInProgress
		claimed.Slave = "slave-1"
		claimed.SlaveInfo = contracts.SlaveInfo{Name: "slave-1", OSFamily: "posix", Extra: map[string]string{"go.version": "1.22"}}
		claimed.Attempt = 1
		claimed.Started = t0.Add(time.Minute)
		claimed.LastActivity = claimed.Started
		pendingOnly := Expect{Statuses: []contracts.BuildStatus{contracts.BuildPending}, Attempt: 0}
		require.NoError(t, s.UpdateBuild(ctx, claimed, pendingOnly))

		// A second claim against the same observed state loses.
		rival := *b
		rival.Status = contracts.BuildInProgress
		rival.Slave = "slave-2"
		rival.Attempt = 1
		require.ErrorIs(t, s.UpdateBuild(ctx, rival, pendingOnly), contracts.ErrConflict)

		got, err := s.GetBuild(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.BuildInProgress, got.Status)
		assert.Equal(t, "slave-1", got.Slave)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, "1.22", got.SlaveInfo.Extra["go.version"])
		assert.True(t, got.Started.Equal(t0.Add(time.Minute)))

		missing := claimed
		missing.ID = 999
		require.ErrorIs(t, s.UpdateBuild(ctx, missing, pendingOnly), contracts.ErrNotFound)
	})
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")
		id, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "7", t0))
		require.NoError(t, err)
		b, err := s.GetBuild(ctx, id)
		require.NoError(t, err)

		const slaves = 8
		var wg sync.WaitGroup
		results := make(chan error, slaves)
		for i := 0; i < slaves; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claim := *b
				claim.Status = contracts.BuildInProgress
				claim.Attempt = 1
				results <- s.UpdateBuild(ctx, claim, Expect{Statuses: []contracts.BuildStatus{contracts.BuildPending}, Attempt: 0})
			}(i)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, contracts.ErrConflict)
		}
		assert.Equal(t, 1, wins)
	})
}

func TestTouchAndDeletePending(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")
		id, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "7", t0))
		require.NoError(t, err)

		require.ErrorIs(t, s.TouchBuild(ctx, id, t0), contracts.ErrConflict)
		require.ErrorIs(t, s.TouchBuild(ctx, 999, t0), contracts.ErrNotFound)

		b, err := s.GetBuild(ctx, id)
		require.NoError(t, err)
		running := *b
		running.Status = contracts.BuildInProgress
		running.Attempt = 1
		require.NoError(t, s.UpdateBuild(ctx, running, Expect{Statuses: []contracts.BuildStatus{contracts.BuildPending}}))

		at := t0.Add(5 * time.Minute)
		require.NoError(t, s.TouchBuild(ctx, id, at))
		got, err := s.GetBuild(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.LastActivity.Equal(at))

		require.ErrorIs(t, s.DeletePendingBuild(ctx, id), contracts.ErrConflict)
		require.ErrorIs(t, s.DeletePendingBuild(ctx, 999), contracts.ErrNotFound)

		other, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "8", t0))
		require.NoError(t, err)
		require.NoError(t, s.DeletePendingBuild(ctx, other))
		_, err = s.GetBuild(ctx, other)
		require.ErrorIs(t, err, contracts.ErrNotFound)
	})
}

func TestSteps(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConfig(t, s, "trunk")
		id, err := s.CreateBuild(ctx, pendingBuild("trunk", 1, "7", t0))
		require.NoError(t, err)

		compile := contracts.Step{
			BuildID: id, Attempt: 1, Name: "compile", Description: "Compile",
			Status: contracts.StepSuccess, Started: t0, Stopped: t0.Add(12 * time.Second),
			Logs: []contracts.StepLog{{Generator: "sh", Messages: []contracts.LogMessage{
				{Level: contracts.LevelInfo, Message: "make all"},
				{Level: contracts.LevelWarning, Message: "unused variable"},
			}}},
		}
		test := contracts.Step{
			BuildID: id, Attempt: 1, Name: "test", Status: contracts.StepFailure,
			Started: t0.Add(12 * time.Second), Stopped: t0.Add(42 * time.Second),
			Reports: []contracts.Report{{Kind: contracts.ReportTest, Items: []map[string]string{
				{"name": "TestA", "status": "success"},
			}}},
			Errors: []string{"1 test failed"},
		}
		require.NoError(t, s.AddStep(ctx, compile))
		require.NoError(t, s.AddStep(ctx, test))
		require.ErrorIs(t, s.AddStep(ctx, compile), contracts.ErrAlreadyExists)
		require.ErrorIs(t, s.AddStep(ctx, contracts.Step{BuildID: 999, Name: "x"}), contracts.ErrNotFound)

		// Same name in a later attempt is a different step.
		retry := compile
		retry.Attempt = 2
		require.NoError(t, s.AddStep(ctx, retry))

		steps, err := s.ListSteps(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "compile", steps[0].Name)
		assert.Equal(t, 12*time.Second, steps[0].Duration())
		assert.Equal(t, "unused variable", steps[0].Logs[0].Messages[1].Message)
		assert.Equal(t, "test", steps[1].Name)
		assert.Equal(t, []string{"1 test failed"}, steps[1].Errors)
		assert.Equal(t, "TestA", steps[1].Reports[0].Items[0]["name"])

		second, err := s.ListSteps(ctx, id, 2)
		require.NoError(t, err)
		assert.Len(t, second, 1)
	})
}

func TestChangesets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, rev := range []string{"9", "10", "100"} {
			require.NoError(t, s.AddChangeset(ctx, contracts.Changeset{
				Rev: rev, Time: t0, Author: "jo", Paths: []string{"/trunk/main.c"},
			}))
		}
		require.ErrorIs(t, s.AddChangeset(ctx, contracts.Changeset{Rev: "9"}), contracts.ErrAlreadyExists)
		require.ErrorIs(t, s.AddChangeset(ctx, contracts.Changeset{Rev: "abc"}), contracts.ErrInvalid)

		all, err := s.ListChangesets(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"100", "10", "9"}, []string{all[0].Rev, all[1].Rev, all[2].Rev})

		cs, err := s.GetChangeset(ctx, "10")
		require.NoError(t, err)
		assert.Equal(t, "jo", cs.Author)
		assert.Equal(t, []string{"/trunk/main.c"}, cs.Paths)

		_, err = s.GetChangeset(ctx, "11")
		require.ErrorIs(t, err, contracts.ErrNotFound)
	})
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("oracle", "")
	require.ErrorIs(t, err, contracts.ErrInvalid)
}
