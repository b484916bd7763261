// Package contracts defines the data structures shared by the build master, its store,
// the slave protocol and the presentation layer.
package contracts

import (
	"strconv"
	"time"
)

// Configuration is a named build definition bound to a repository path and a recipe.
type Configuration struct {
	// Unique name, restricted to letters, digits, underscores, periods and dashes.
	Name string `json:"name" yaml:"name"`
	// Human readable label (defaults to Name).
	Label string `json:"label" yaml:"label"`
	// Free-form description.
	Description string `json:"description" yaml:"description"`
	// Recipe text (YAML). Only parsed when a slave starts the build.
	Recipe string `json:"recipe" yaml:"recipe"`
	// Repository path whose history drives the builds (e.g. "/trunk").
	Path string `json:"path" yaml:"path"`
	// Oldest revision to build (optional).
	MinRev string `json:"min_rev,omitempty" yaml:"min_rev"`
	// Youngest revision to build (optional).
	MaxRev string `json:"max_rev,omitempty" yaml:"max_rev"`
	// Whether new builds are dispatched for this configuration.
	Active bool `json:"active" yaml:"active"`
}

// Rule matches a single slave property against a regular expression.
type Rule struct {
	Property string `json:"property" yaml:"property"`
	Pattern  string `json:"pattern" yaml:"pattern"`
}

// Platform is a classification bucket for slaves within one configuration.
type Platform struct {
	ID     int64  `json:"id"`
	Config string `json:"config"`
	Name   string `json:"name" yaml:"name"`
	Rules  []Rule `json:"rules" yaml:"rules"`
}

// Standard slave property names used by platform rules.
const (
	PropName      = "name"
	PropIPAddress = "ipnr"
	PropOSName    = "os"
	PropOSFamily  = "family"
	PropOSVersion = "version"
	PropMachine   = "machine"
	PropProcessor = "processor"
)

// SlaveInfo describes a connected build slave.
type SlaveInfo struct {
	Name      string `json:"name"`
	IPAddress string `json:"ip_address"`
	OSName    string `json:"os_name"`
	OSVersion string `json:"os_version"`
	OSFamily  string `json:"os_family"`
	Machine   string `json:"machine"`
	Processor string `json:"processor"`
	// Additional properties, e.g. "python.version" reported for installed packages.
	Extra map[string]string `json:"extra,omitempty"`
}

// Properties returns the property map consulted by platform rules.
// Empty values are omitted so that rules on unknown properties fail.
func (s SlaveInfo) Properties() map[string]string {
	props := make(map[string]string, 7+len(s.Extra))
	for k, v := range s.Extra {
		props[k] = v
	}
	set := func(key, value string) {
		if value != "" {
			props[key] = value
		}
	}
	set(PropName, s.Name)
	set(PropIPAddress, s.IPAddress)
	set(PropOSName, s.OSName)
	set(PropOSFamily, s.OSFamily)
	set(PropOSVersion, s.OSVersion)
	set(PropMachine, s.Machine)
	set(PropProcessor, s.Processor)
	return props
}

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

const (
	BuildPending     BuildStatus = "pending"
	BuildInProgress  BuildStatus = "in-progress"
	BuildCompleted   BuildStatus = "completed"
	BuildFailed      BuildStatus = "failed"
	BuildInvalidated BuildStatus = "invalidated"
)

// Finished reports whether the build reached an outcome.
func (s BuildStatus) Finished() bool {
	return s == BuildCompleted || s == BuildFailed
}

// Build is one dispatch of a configuration and platform against a revision.
type Build struct {
	ID       int64  `json:"id"`
	Config   string `json:"config"`
	Platform int64  `json:"platform"`
	Rev      string `json:"rev"`
	// Time of the changeset being built.
	RevTime   time.Time   `json:"rev_time"`
	Slave     string      `json:"slave,omitempty"`
	SlaveInfo SlaveInfo   `json:"slave_info"`
	Status    BuildStatus `json:"status"`
	// Number of times the build has been claimed; steps belong to one attempt.
	Attempt      int       `json:"attempt"`
	Started      time.Time `json:"started"`
	Stopped      time.Time `json:"stopped"`
	LastActivity time.Time `json:"last_activity"`
	Created      time.Time `json:"created"`
}

// Duration returns the wall time of a finished build.
func (b Build) Duration() time.Duration {
	if b.Started.IsZero() || b.Stopped.IsZero() {
		return 0
	}
	return b.Stopped.Sub(b.Started)
}

// StepStatus is the outcome of a single recipe step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
)

// LogLevel of a step log message.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogMessage is one leveled line of step output.
type LogMessage struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// StepLog groups the messages produced by one generator (command, tool) within a step.
type StepLog struct {
	Generator string       `json:"generator,omitempty"`
	Messages  []LogMessage `json:"messages"`
}

// ReportKind tags the payload carried by a Report.
type ReportKind string

const (
	ReportTest     ReportKind = "test"
	ReportCoverage ReportKind = "coverage"
	ReportLint     ReportKind = "lint"
)

// Report is structured output of a step. Items are kind specific key/value records.
type Report struct {
	Kind      ReportKind          `json:"kind"`
	Generator string              `json:"generator,omitempty"`
	Items     []map[string]string `json:"items"`
}

// Step is one unit of work within a build attempt.
type Step struct {
	BuildID     int64      `json:"build_id"`
	Attempt     int        `json:"attempt"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Started     time.Time  `json:"started"`
	Stopped     time.Time  `json:"stopped"`
	Logs        []StepLog  `json:"logs"`
	Reports     []Report   `json:"reports"`
	Errors      []string   `json:"errors"`
}

// Duration returns the time the step took.
func (s Step) Duration() time.Duration {
	return s.Stopped.Sub(s.Started)
}

// Changeset is a repository revision.
type Changeset struct {
	Rev     string    `json:"rev"`
	Time    time.Time `json:"time"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	// Paths touched by the changeset.
	Paths []string `json:"paths"`
}

// ParseRev parses a numeric revision. Revisions are ordered numerically.
func ParseRev(rev string) (int64, error) {
	n, err := strconv.ParseInt(rev, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidRevision{Rev: rev}
	}
	return n, nil
}

// RevOlderThan reports whether revision a precedes revision b.
// Unparseable revisions never compare as older.
func RevOlderThan(a, b string) bool {
	na, errA := ParseRev(a)
	nb, errB := ParseRev(b)
	if errA != nil || errB != nil {
		return false
	}
	return na < nb
}
