package mcp

import (
	"bitten-master/src/view"
)

// DefaultLogTail is the number of trailing log lines kept per failed step.
const DefaultLogTail = 40

// BuildDigest is a build detail trimmed for a language model: failed steps
// come first with their errors and the tail of their log, passed steps are
// reduced to a summary.
type BuildDigest struct {
	Build       BuildSummary  `json:"build"`
	FailedSteps []StepDigest  `json:"failed_steps"`
	PassedSteps []StepSummary `json:"passed_steps"`
}

// BuildSummary is the header of a digest.
type BuildSummary struct {
	ID       int64  `json:"id"`
	Config   string `json:"config"`
	Platform string `json:"platform"`
	Rev      string `json:"rev"`
	Author   string `json:"author"`
	Status   string `json:"status"`
	Slave    string `json:"slave"`
	Duration string `json:"duration"`
	Href     string `json:"href"`
}

// StepDigest is a failed step.
type StepDigest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Duration    string   `json:"duration"`
	Errors      []string `json:"errors"`
	LogTail     []string `json:"log_tail"`
	// OmittedLines counts log lines before the tail; get_step_log returns them.
	OmittedLines int      `json:"omitted_lines,omitempty"`
	Reports      []string `json:"reports,omitempty"`
}

// StepSummary is a step that succeeded.
type StepSummary struct {
	Name     string   `json:"name"`
	Duration string   `json:"duration"`
	Reports  []string `json:"reports,omitempty"`
}

// Digest condenses a build view. tail bounds the log lines kept per failed
// step; values <= 0 use DefaultLogTail.
func Digest(b *view.BuildView, tail int) BuildDigest {
	if tail <= 0 {
		tail = DefaultLogTail
	}
	d := BuildDigest{
		Build: BuildSummary{
			ID:       b.ID,
			Config:   b.Config,
			Platform: b.Platform,
			Rev:      b.Rev,
			Author:   b.ChgsetAuthor,
			Status:   b.Status,
			Slave:    b.Slave.Name,
			Duration: b.Duration,
			Href:     b.Href,
		},
		FailedSteps: []StepDigest{},
		PassedSteps: []StepSummary{},
	}

	for _, st := range b.Steps {
		reports := reportTexts(st.Reports)
		if st.Status == "success" {
			d.PassedSteps = append(d.PassedSteps, StepSummary{Name: st.Name, Duration: st.Duration, Reports: reports})
			continue
		}

		lines := make([]string, len(st.Log))
		for i, l := range st.Log {
			lines[i] = l.Message
		}
		omitted := 0
		if len(lines) > tail {
			omitted = len(lines) - tail
			lines = lines[omitted:]
		}
		d.FailedSteps = append(d.FailedSteps, StepDigest{
			Name:         st.Name,
			Description:  st.Description,
			Duration:     st.Duration,
			Errors:       st.Errors,
			LogTail:      compactLines(lines),
			OmittedLines: omitted,
			Reports:      reports,
		})
	}
	return d
}

func reportTexts(refs []view.ReportRef) []string {
	var out []string
	for _, r := range refs {
		out = append(out, r.Type+": "+r.Summary.Text)
	}
	return out
}
