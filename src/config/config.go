// Package config provides configuration management for the build master and slave.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"bitten-master/src/contracts"
)

// EnvPrefix is the prefix of environment variables overriding file settings.
const EnvPrefix = "BITTEN"

// DefaultSlaveTimeoutMs is the idle time after which an in-progress build is reclaimed.
const DefaultSlaveTimeoutMs = 3600000

// MasterOptions are the master-wide dispatch options. They are passed to the
// build master at construction and replaced as a whole on admin changes.
type MasterOptions struct {
	// BuildAll builds every eligible revision instead of only the newest one.
	BuildAll bool `mapstructure:"build_all" json:"build_all"`
	// AdjustTimestamps reports build start/stop times relative to the master clock.
	AdjustTimestamps bool `mapstructure:"adjust_timestamps" json:"adjust_timestamps"`
	// SlaveTimeoutMs is the idle reclaim timeout in milliseconds. 0 disables reclaim.
	SlaveTimeoutMs int64 `mapstructure:"slave_timeout_ms" json:"slave_timeout_ms"`
	// StabilizeWaitMs delays builds of changesets younger than this.
	StabilizeWaitMs int64 `mapstructure:"stabilize_wait_ms" json:"stabilize_wait_ms"`
	// SweepIntervalMs is the period of the orphaned build sweep.
	SweepIntervalMs int64 `mapstructure:"sweep_interval_ms" json:"sweep_interval_ms"`
	// EmptyPlatformMatchesAll makes platforms without rules match every slave.
	EmptyPlatformMatchesAll bool `mapstructure:"empty_platform_matches_all" json:"empty_platform_matches_all"`
}

// SlaveTimeout returns the reclaim timeout as a duration.
func (o MasterOptions) SlaveTimeout() time.Duration {
	return time.Duration(o.SlaveTimeoutMs) * time.Millisecond
}

// StabilizeWait returns the stabilization delay as a duration.
func (o MasterOptions) StabilizeWait() time.Duration {
	return time.Duration(o.StabilizeWaitMs) * time.Millisecond
}

// SweepInterval returns the sweep period, falling back to one minute.
func (o MasterOptions) SweepInterval() time.Duration {
	if o.SweepIntervalMs <= 0 {
		return time.Minute
	}
	return time.Duration(o.SweepIntervalMs) * time.Millisecond
}

// DefaultMasterOptions returns the options used when nothing is configured.
func DefaultMasterOptions() MasterOptions {
	return MasterOptions{
		SlaveTimeoutMs:          DefaultSlaveTimeoutMs,
		SweepIntervalMs:         60000,
		EmptyPlatformMatchesAll: true,
	}
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is postgres, sqlite or memory.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// BrokerConfig configures the event broker. No brokers means in-memory.
type BrokerConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// HTTPConfig configures the slave protocol and admin API listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// NotifyConfig configures build notifications.
type NotifyConfig struct {
	OnFailure bool   `mapstructure:"on_failure"`
	OnSuccess bool   `mapstructure:"on_success"`
	Project   string `mapstructure:"project"`
}

// Config holds the application configuration.
type Config struct {
	Master MasterOptions `mapstructure:"master"`
	Store  StoreConfig   `mapstructure:"store"`
	Broker BrokerConfig  `mapstructure:"broker"`
	HTTP   HTTPConfig    `mapstructure:"http"`
	Log    LogConfig     `mapstructure:"log"`
	Notify NotifyConfig  `mapstructure:"notify"`
}

func setDefaults(v *viper.Viper) {
	d := DefaultMasterOptions()
	v.SetDefault("master.build_all", d.BuildAll)
	v.SetDefault("master.adjust_timestamps", d.AdjustTimestamps)
	v.SetDefault("master.slave_timeout_ms", d.SlaveTimeoutMs)
	v.SetDefault("master.stabilize_wait_ms", d.StabilizeWaitMs)
	v.SetDefault("master.sweep_interval_ms", d.SweepIntervalMs)
	v.SetDefault("master.empty_platform_matches_all", d.EmptyPlatformMatchesAll)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "bitten.db")
	v.SetDefault("broker.brokers", []string{})
	v.SetDefault("broker.group_id", "bitten-master")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("notify.on_failure", true)
	v.SetDefault("notify.on_success", false)
	v.SetDefault("notify.project", "")
}

func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	)
}

// Load reads configuration with the following precedence (highest first):
//  1. Environment variables (BITTEN_* prefix, e.g. BITTEN_MASTER_BUILD_ALL)
//  2. The config file at path, when path is not empty
//  3. Built-in defaults
func Load(path string) (*Config, error) {
	v := newViperInstance()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decoderOption()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and returns field errors.
func Validate(cfg *Config) error {
	ve := &contracts.ValidationError{}
	validateMaster(ve, cfg.Master)
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			ve.Add("store.dsn", "required for driver %s", cfg.Store.Driver)
		}
	default:
		ve.Add("store.driver", "unknown driver %q", cfg.Store.Driver)
	}
	if cfg.HTTP.Addr == "" {
		ve.Add("http.addr", "must not be empty")
	}
	return ve.OrNil()
}

// ValidateOptions checks master options alone.
func ValidateOptions(o MasterOptions) error {
	ve := &contracts.ValidationError{}
	validateMaster(ve, o)
	return ve.OrNil()
}

// MaxMillis bounds the millisecond options to one year.
const MaxMillis = int64(365 * 24 * time.Hour / time.Millisecond)

func validateMaster(ve *contracts.ValidationError, o MasterOptions) {
	for _, opt := range []struct {
		key string
		ms  int64
	}{
		{"slave_timeout_ms", o.SlaveTimeoutMs},
		{"stabilize_wait_ms", o.StabilizeWaitMs},
		{"sweep_interval_ms", o.SweepIntervalMs},
	} {
		switch {
		case opt.ms < 0:
			ve.Add(opt.key, "must not be negative, got %d", opt.ms)
		case opt.ms > MaxMillis:
			ve.Add(opt.key, "must not exceed %d (one year), got %d", MaxMillis, opt.ms)
		}
	}
}

// ApplyRaw returns a copy of base with the raw string values applied. Unknown keys
// and unparseable values yield field errors and leave base untouched.
func ApplyRaw(base MasterOptions, raw map[string]string) (MasterOptions, error) {
	next := base
	ve := &contracts.ValidationError{}
	for key, value := range raw {
		value = strings.TrimSpace(value)
		switch key {
		case "build_all":
			setBool(ve, key, value, &next.BuildAll)
		case "adjust_timestamps":
			setBool(ve, key, value, &next.AdjustTimestamps)
		case "empty_platform_matches_all":
			setBool(ve, key, value, &next.EmptyPlatformMatchesAll)
		case "slave_timeout_ms", "timeout":
			setMillis(ve, "slave_timeout_ms", value, &next.SlaveTimeoutMs)
		case "stabilize_wait_ms":
			setMillis(ve, key, value, &next.StabilizeWaitMs)
		case "sweep_interval_ms":
			setMillis(ve, key, value, &next.SweepIntervalMs)
		default:
			ve.Add(key, "unknown option")
		}
	}
	if err := ve.OrNil(); err != nil {
		return base, err
	}
	if err := ValidateOptions(next); err != nil {
		return base, err
	}
	return next, nil
}

func setBool(ve *contracts.ValidationError, key, value string, dst *bool) {
	switch strings.ToLower(value) {
	case "yes", "on":
		*dst = true
		return
	case "no", "off":
		*dst = false
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		ve.Add(key, "expected a boolean, got %q", value)
		return
	}
	*dst = b
}

func setMillis(ve *contracts.ValidationError, key, value string, dst *int64) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		ve.Add(key, "expected milliseconds, got %q", value)
		return
	}
	if n < 0 {
		ve.Add(key, "must not be negative, got %d", n)
		return
	}
	*dst = n
}
