// Package repo exposes the repository history that drives build scheduling.
package repo

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"bitten-master/src/contracts"
	"bitten-master/src/store"
)

// NormalizePath cleans a repository path and gives it a leading slash.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.Trim(p, "/"))
}

// Covers reports whether a changeset touches the configuration path.
func Covers(configPath string, cs contracts.Changeset) bool {
	root := NormalizePath(configPath)
	if root == "/" {
		return true
	}
	for _, p := range cs.Paths {
		p = NormalizePath(p)
		if p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}

// InRange reports whether rev lies within the configuration's min/max revision.
func InRange(cfg contracts.Configuration, rev string) bool {
	if cfg.MinRev != "" && contracts.RevOlderThan(rev, cfg.MinRev) {
		return false
	}
	if cfg.MaxRev != "" && contracts.RevOlderThan(cfg.MaxRev, rev) {
		return false
	}
	return true
}

// Repository reads changesets recorded in the store.
type Repository struct {
	store store.Store
}

// New creates a repository view over the store.
func New(s store.Store) *Repository {
	return &Repository{store: s}
}

// Record stores a changeset. A revision that is already known is not an error.
func (r *Repository) Record(ctx context.Context, cs contracts.Changeset) (bool, error) {
	err := r.store.AddChangeset(ctx, cs)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, contracts.ErrAlreadyExists) {
		return false, nil
	}
	return false, fmt.Errorf("failed to record changeset %s: %w", cs.Rev, err)
}

// Changeset returns a changeset by revision.
func (r *Repository) Changeset(ctx context.Context, rev string) (*contracts.Changeset, error) {
	return r.store.GetChangeset(ctx, rev)
}

// History returns the changesets relevant to cfg, newest first: those touching
// its path within its revision range.
func (r *Repository) History(ctx context.Context, cfg contracts.Configuration) ([]contracts.Changeset, error) {
	all, err := r.store.ListChangesets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list changesets: %w", err)
	}

	out := make([]contracts.Changeset, 0)
	for _, cs := range all {
		if cfg.MinRev != "" && contracts.RevOlderThan(cs.Rev, cfg.MinRev) {
			break
		}
		if !InRange(cfg, cs.Rev) || !Covers(cfg.Path, cs) {
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}
