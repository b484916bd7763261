// Package store defines the interface for persisting configurations, platforms,
// builds, steps and changesets.
package store

import (
	"context"
	"time"

	"bitten-master/src/contracts"
)

// BuildFilter selects builds. Zero fields do not filter.
type BuildFilter struct {
	Config   string
	Platform int64
	Rev      string
	Statuses []contracts.BuildStatus
	// Limit caps the number of builds returned (0 = unlimited).
	Limit int
}

// Expect is the state a build must be in for UpdateBuild to apply.
type Expect struct {
	Statuses []contracts.BuildStatus
	Attempt  int
}

// Store defines the persistence operations of the build master.
//
// Builds are returned newest revision time first (ties by ascending ID).
// Platforms are returned ordered by configuration name, then ID.
// Steps are returned in submission order.
type Store interface {
	// CreateConfig adds a configuration. Returns ErrAlreadyExists for a taken name.
	CreateConfig(ctx context.Context, cfg contracts.Configuration) error

	// UpdateConfig replaces the configuration stored as name. A changed name is
	// propagated to its platforms and builds.
	UpdateConfig(ctx context.Context, name string, cfg contracts.Configuration) error

	// GetConfig returns a configuration by name.
	GetConfig(ctx context.Context, name string) (*contracts.Configuration, error)

	// ListConfigs returns all configurations ordered by name.
	ListConfigs(ctx context.Context) ([]contracts.Configuration, error)

	// DeleteConfig removes a configuration with its platforms, builds and steps.
	DeleteConfig(ctx context.Context, name string) error

	// SetConfigActive toggles dispatch eligibility.
	SetConfigActive(ctx context.Context, name string, active bool) error

	// CreatePlatform adds a platform and returns its ID.
	CreatePlatform(ctx context.Context, p contracts.Platform) (int64, error)

	// UpdatePlatform replaces the name and rules of a platform.
	UpdatePlatform(ctx context.Context, p contracts.Platform) error

	// GetPlatform returns a platform by ID.
	GetPlatform(ctx context.Context, id int64) (*contracts.Platform, error)

	// ListPlatforms returns the platforms of config, or all platforms when config is empty.
	ListPlatforms(ctx context.Context, config string) ([]contracts.Platform, error)

	// DeletePlatform removes a platform and its pending builds.
	DeletePlatform(ctx context.Context, id int64) error

	// CreateBuild adds a build and returns its ID. Returns ErrAlreadyExists when a
	// live (not invalidated) build exists for the same config, platform and revision.
	CreateBuild(ctx context.Context, b contracts.Build) (int64, error)

	// GetBuild returns a build by ID.
	GetBuild(ctx context.Context, id int64) (*contracts.Build, error)

	// ListBuilds returns the builds selected by filter.
	ListBuilds(ctx context.Context, filter BuildFilter) ([]contracts.Build, error)

	// UpdateBuild atomically writes b when the stored build is in one of the expected
	// statuses and attempt. Returns ErrConflict otherwise.
	UpdateBuild(ctx context.Context, b contracts.Build, expect Expect) error

	// TouchBuild records slave activity on an in-progress build.
	TouchBuild(ctx context.Context, id int64, at time.Time) error

	// DeletePendingBuild removes a build that is still pending. Returns ErrConflict
	// when the build has moved on.
	DeletePendingBuild(ctx context.Context, id int64) error

	// AddStep appends a step. Returns ErrAlreadyExists for a duplicate
	// (build, attempt, name).
	AddStep(ctx context.Context, step contracts.Step) error

	// ListSteps returns the steps of one build attempt.
	ListSteps(ctx context.Context, buildID int64, attempt int) ([]contracts.Step, error)

	// AddChangeset records a repository revision. Returns ErrAlreadyExists for a known revision.
	AddChangeset(ctx context.Context, cs contracts.Changeset) error

	// GetChangeset returns a changeset by revision.
	GetChangeset(ctx context.Context, rev string) (*contracts.Changeset, error)

	// ListChangesets returns all changesets, newest revision first.
	ListChangesets(ctx context.Context) ([]contracts.Changeset, error)

	// Close closes the store connection.
	Close() error
}

func statusIn(s contracts.BuildStatus, statuses []contracts.BuildStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
