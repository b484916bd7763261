// Package admin implements validated administration of build configurations,
// target platforms, builds and master options.
//
// Every operation validates its whole input before writing anything; failures
// are reported as *contracts.ValidationError with one message per field.
package admin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"bitten-master/src/config"
	"bitten-master/src/contracts"
	"bitten-master/src/logger"
	"bitten-master/src/platform"
	"bitten-master/src/repo"
	"bitten-master/src/store"
)

var namePattern = regexp.MustCompile(`^[\w.-]+$`)

// Master is the part of the build master the admin service drives.
type Master interface {
	Options() config.MasterOptions
	SetOptions(opts config.MasterOptions) error
	InvalidateBuild(ctx context.Context, id int64) (*contracts.Build, error)
}

// Service performs admin operations.
type Service struct {
	store  store.Store
	master Master
	logger logger.Logger
}

// New creates an admin service.
func New(s store.Store, m Master, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &Service{store: s, master: m, logger: log}
}

// normalizeConfig validates cfg and returns it with defaults applied.
func normalizeConfig(cfg contracts.Configuration) (contracts.Configuration, error) {
	ve := &contracts.ValidationError{}

	cfg.Name = strings.TrimSpace(cfg.Name)
	switch {
	case cfg.Name == "":
		ve.Add("name", "missing required field")
	case !namePattern.MatchString(cfg.Name):
		ve.Add("name", "may only contain letters, digits, underscores, periods, or dashes")
	}

	if strings.TrimSpace(cfg.Path) == "" {
		ve.Add("path", "missing required field")
	} else {
		cfg.Path = repo.NormalizePath(cfg.Path)
	}

	cfg.MinRev = strings.TrimSpace(cfg.MinRev)
	cfg.MaxRev = strings.TrimSpace(cfg.MaxRev)
	var minOK, maxOK bool
	if cfg.MinRev != "" {
		if _, err := contracts.ParseRev(cfg.MinRev); err != nil {
			ve.Add("min_rev", "%v", err)
		} else {
			minOK = true
		}
	}
	if cfg.MaxRev != "" {
		if _, err := contracts.ParseRev(cfg.MaxRev); err != nil {
			ve.Add("max_rev", "%v", err)
		} else {
			maxOK = true
		}
	}
	if minOK && maxOK && contracts.RevOlderThan(cfg.MaxRev, cfg.MinRev) {
		ve.Add("max_rev", "must not be older than the oldest revision %s", cfg.MinRev)
	}

	if cfg.Label == "" {
		cfg.Label = cfg.Name
	}
	return cfg, ve.OrNil()
}

// CreateConfig validates and adds a configuration. The recipe is not checked
// until a slave starts a build.
func (s *Service) CreateConfig(ctx context.Context, cfg contracts.Configuration) (*contracts.Configuration, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateConfig(ctx, cfg); err != nil {
		if errors.Is(err, contracts.ErrAlreadyExists) {
			return nil, nameTaken(cfg.Name)
		}
		return nil, fmt.Errorf("failed to create configuration: %w", err)
	}
	s.logger.Info("[Admin] Created configuration %q (path %s)", cfg.Name, cfg.Path)
	return &cfg, nil
}

// UpdateConfig validates and replaces the configuration called name. A changed
// name renames the configuration with its platforms and builds.
func (s *Service) UpdateConfig(ctx context.Context, name string, cfg contracts.Configuration) (*contracts.Configuration, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateConfig(ctx, name, cfg); err != nil {
		if errors.Is(err, contracts.ErrAlreadyExists) {
			return nil, nameTaken(cfg.Name)
		}
		return nil, fmt.Errorf("failed to update configuration %q: %w", name, err)
	}
	s.logger.Info("[Admin] Updated configuration %q", cfg.Name)
	return &cfg, nil
}

func nameTaken(name string) error {
	ve := &contracts.ValidationError{}
	ve.Add("name", "a configuration named %q already exists", name)
	return ve
}

// DeleteConfig removes a configuration with its platforms, builds and steps.
func (s *Service) DeleteConfig(ctx context.Context, name string) error {
	if err := s.store.DeleteConfig(ctx, name); err != nil {
		return err
	}
	s.logger.Info("[Admin] Deleted configuration %q", name)
	return nil
}

// SetActive activates or deactivates the named configurations. Nothing is
// changed when one of them does not exist.
func (s *Service) SetActive(ctx context.Context, names []string, active bool) error {
	ve := &contracts.ValidationError{}
	for _, name := range names {
		if _, err := s.store.GetConfig(ctx, name); err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				ve.Add("name", "configuration %q not found", name)
				continue
			}
			return err
		}
	}
	if err := ve.OrNil(); err != nil {
		return err
	}
	for _, name := range names {
		if err := s.store.SetConfigActive(ctx, name, active); err != nil {
			return fmt.Errorf("failed to set configuration %q active=%t: %w", name, active, err)
		}
	}
	s.logger.Info("[Admin] Set active=%t on %d configurations", active, len(names))
	return nil
}

// normalizePlatform validates p. Rules without a property are dropped.
func normalizePlatform(p contracts.Platform) (contracts.Platform, error) {
	ve := &contracts.ValidationError{}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		ve.Add("name", "missing required field")
	}

	rules := make([]contracts.Rule, 0, len(p.Rules))
	for i, r := range p.Rules {
		r.Property = strings.TrimSpace(r.Property)
		if r.Property == "" {
			continue
		}
		if err := platform.ValidatePattern(r.Pattern); err != nil {
			ve.Add(fmt.Sprintf("rules[%d].pattern", i), "%v", err)
		}
		rules = append(rules, r)
	}
	p.Rules = rules
	return p, ve.OrNil()
}

// AddPlatform validates and adds a target platform to a configuration.
func (s *Service) AddPlatform(ctx context.Context, p contracts.Platform) (*contracts.Platform, error) {
	p, err := normalizePlatform(p)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetConfig(ctx, p.Config); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			ve := &contracts.ValidationError{}
			ve.Add("config", "configuration %q not found", p.Config)
			return nil, ve
		}
		return nil, err
	}
	id, err := s.store.CreatePlatform(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to create platform: %w", err)
	}
	p.ID = id
	s.logger.Info("[Admin] Added platform %q (%d rules) to configuration %q", p.Name, len(p.Rules), p.Config)
	return &p, nil
}

// UpdatePlatform validates and replaces the name and rules of a platform.
func (s *Service) UpdatePlatform(ctx context.Context, p contracts.Platform) (*contracts.Platform, error) {
	p, err := normalizePlatform(p)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.GetPlatform(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Config = existing.Config
	if err := s.store.UpdatePlatform(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update platform %d: %w", p.ID, err)
	}
	s.logger.Info("[Admin] Updated platform %q of configuration %q", p.Name, p.Config)
	return &p, nil
}

// RemovePlatforms deletes the given platforms. Nothing is removed when one of
// them does not exist.
func (s *Service) RemovePlatforms(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		ve := &contracts.ValidationError{}
		ve.Add("platforms", "no platform selected")
		return ve
	}
	ve := &contracts.ValidationError{}
	for _, id := range ids {
		if _, err := s.store.GetPlatform(ctx, id); err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				ve.Add("platforms", "target platform %d not found", id)
				continue
			}
			return err
		}
	}
	if err := ve.OrNil(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.DeletePlatform(ctx, id); err != nil {
			return fmt.Errorf("failed to delete platform %d: %w", id, err)
		}
	}
	s.logger.Info("[Admin] Removed %d platforms", len(ids))
	return nil
}

// InvalidateBuild marks a build invalidated.
func (s *Service) InvalidateBuild(ctx context.Context, id int64) (*contracts.Build, error) {
	return s.master.InvalidateBuild(ctx, id)
}

// Options returns the active master options.
func (s *Service) Options() config.MasterOptions {
	return s.master.Options()
}

// SetOptions applies raw option values (as submitted by a form or the CLI) to
// the active master options. An invalid value rejects the whole change.
func (s *Service) SetOptions(raw map[string]string) (config.MasterOptions, error) {
	current := s.master.Options()
	next, err := config.ApplyRaw(current, raw)
	if err != nil {
		return current, err
	}
	if err := s.master.SetOptions(next); err != nil {
		return current, err
	}
	return next, nil
}

// ImportFile is the YAML layout accepted by Import.
type ImportFile struct {
	Configurations []ImportedConfig `yaml:"configurations"`
}

// ImportedConfig is a configuration with its platforms.
type ImportedConfig struct {
	contracts.Configuration `yaml:",inline"`
	Platforms               []contracts.Platform `yaml:"platforms"`
}

// Import creates the configurations and platforms described by YAML data.
// Everything is validated before the first write.
func (s *Service) Import(ctx context.Context, data []byte) (int, error) {
	var file ImportFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse import file: %w: %v", contracts.ErrInvalid, err)
	}

	ve := &contracts.ValidationError{}
	for i := range file.Configurations {
		c := &file.Configurations[i]
		cfg, err := normalizeConfig(c.Configuration)
		prefix := fmt.Sprintf("configurations[%d].", i)
		collect(ve, prefix, err)
		c.Configuration = cfg
		for j := range c.Platforms {
			c.Platforms[j].Config = cfg.Name
			p, err := normalizePlatform(c.Platforms[j])
			collect(ve, fmt.Sprintf("%splatforms[%d].", prefix, j), err)
			c.Platforms[j] = p
		}
	}
	if err := ve.OrNil(); err != nil {
		return 0, err
	}

	for _, c := range file.Configurations {
		if _, err := s.CreateConfig(ctx, c.Configuration); err != nil {
			return 0, err
		}
		for _, p := range c.Platforms {
			if _, err := s.AddPlatform(ctx, p); err != nil {
				return 0, err
			}
		}
	}
	return len(file.Configurations), nil
}

func collect(ve *contracts.ValidationError, prefix string, err error) {
	var fe *contracts.ValidationError
	if errors.As(err, &fe) {
		for _, f := range fe.Fields {
			ve.Add(prefix+f.Field, "%s", f.Message)
		}
	}
}
