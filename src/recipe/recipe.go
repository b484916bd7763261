// Package recipe parses build recipes: the ordered steps a slave executes for a build.
//
// Recipes are YAML documents:
//
//	steps:
//	  - id: compile
//	    description: Compile the sources
//	    run: make all
//	  - id: test
//	    onerror: continue
//	    run: make test
//	    reports:
//	      - kind: test
//	        format: junit
//	        file: build/results.xml
package recipe

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"bitten-master/src/contracts"
)

// OnError is the failure policy of a step.
type OnError string

const (
	// OnErrorFail stops the build and marks it failed.
	OnErrorFail OnError = "fail"
	// OnErrorContinue runs the remaining steps but still fails the build.
	OnErrorContinue OnError = "continue"
	// OnErrorIgnore runs the remaining steps and does not affect the outcome.
	OnErrorIgnore OnError = "ignore"
)

// ReportSpec names a file produced by a step that is attached as a report.
type ReportSpec struct {
	Kind   contracts.ReportKind `yaml:"kind" json:"kind"`
	Format string               `yaml:"format" json:"format"`
	File   string               `yaml:"file" json:"file"`
}

// Step is one recipe step.
type Step struct {
	ID          string       `yaml:"id" json:"id"`
	Description string       `yaml:"description" json:"description"`
	OnError     OnError      `yaml:"onerror" json:"onerror"`
	Run         string       `yaml:"run" json:"run"`
	Reports     []ReportSpec `yaml:"reports" json:"reports,omitempty"`
}

// Recipe is a parsed build recipe.
type Recipe struct {
	Steps []Step `yaml:"steps" json:"steps"`
}

var stepIDPattern = regexp.MustCompile(`^[\w.-]+$`)

// Parse parses and validates recipe text. Errors wrap contracts.ErrInvalidRecipe.
func Parse(text string) (*Recipe, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty recipe: %w", contracts.ErrInvalidRecipe)
	}

	var r Recipe
	if err := yaml.Unmarshal([]byte(text), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidRecipe, err)
	}
	if len(r.Steps) == 0 {
		return nil, fmt.Errorf("recipe has no steps: %w", contracts.ErrInvalidRecipe)
	}

	seen := make(map[string]bool, len(r.Steps))
	for i := range r.Steps {
		st := &r.Steps[i]
		if !stepIDPattern.MatchString(st.ID) {
			return nil, fmt.Errorf("step %d has invalid id %q: %w", i+1, st.ID, contracts.ErrInvalidRecipe)
		}
		if seen[st.ID] {
			return nil, fmt.Errorf("duplicate step %q: %w", st.ID, contracts.ErrInvalidRecipe)
		}
		seen[st.ID] = true

		switch st.OnError {
		case "":
			st.OnError = OnErrorFail
		case OnErrorFail, OnErrorContinue, OnErrorIgnore:
		default:
			return nil, fmt.Errorf("step %q has unknown onerror %q: %w", st.ID, st.OnError, contracts.ErrInvalidRecipe)
		}

		for _, rep := range st.Reports {
			if rep.File == "" {
				return nil, fmt.Errorf("step %q has a report without file: %w", st.ID, contracts.ErrInvalidRecipe)
			}
			if rep.Format != "" && rep.Format != "junit" {
				return nil, fmt.Errorf("step %q has unsupported report format %q: %w", st.ID, rep.Format, contracts.ErrInvalidRecipe)
			}
		}
	}
	return &r, nil
}

// Step returns the step with the given id and its index.
func (r *Recipe) Step(id string) (*Step, int, bool) {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i], i, true
		}
	}
	return nil, -1, false
}

// IsLast reports whether id names the final step.
func (r *Recipe) IsLast(id string) bool {
	return len(r.Steps) > 0 && r.Steps[len(r.Steps)-1].ID == id
}

// Vars are the build variables substituted into step commands as ${name}.
type Vars struct {
	Path     string `json:"path"`
	Revision string `json:"revision"`
	Config   string `json:"config"`
	Build    int64  `json:"build"`
	Platform string `json:"platform"`
}

// Expand substitutes ${path}, ${revision}, ${config}, ${build} and ${platform}.
// Unknown references are left untouched.
func (v Vars) Expand(s string) string {
	return strings.NewReplacer(
		"${path}", v.Path,
		"${revision}", v.Revision,
		"${config}", v.Config,
		"${build}", fmt.Sprint(v.Build),
		"${platform}", v.Platform,
	).Replace(s)
}
