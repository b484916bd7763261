// Package junit converts JUnit XML test results into test report items.
package junit

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"bitten-master/src/contracts"
)

// Generator is recorded on reports produced from JUnit XML.
const Generator = "junit"

// Test case outcomes as stored in report items.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusError   = "error"
	StatusIgnore  = "ignore"
)

// TestSuites is the root element for multiple test suites.
type TestSuites struct {
	XMLName    xml.Name    `xml:"testsuites"`
	TestSuites []TestSuite `xml:"testsuite"`
}

// TestSuite represents a <testsuite> element.
type TestSuite struct {
	Name      string     `xml:"name,attr"`
	Tests     int        `xml:"tests,attr"`
	Failures  int        `xml:"failures,attr"`
	Errors    int        `xml:"errors,attr"`
	Skipped   int        `xml:"skipped,attr"`
	Time      float64    `xml:"time,attr"`
	TestCases []TestCase `xml:"testcase"`
}

// TestCase represents a <testcase> element.
type TestCase struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	File      string   `xml:"file,attr"`
	Line      string   `xml:"line,attr"`
	Time      float64  `xml:"time,attr"`
	Failure   *Failure `xml:"failure"`
	Error     *Failure `xml:"error"`
	Skipped   *Skipped `xml:"skipped"`
	SystemOut string   `xml:"system-out"`
}

// Failure represents a <failure> or <error> element.
type Failure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

// Skipped represents a skipped test.
type Skipped struct {
	Message string `xml:"message,attr"`
}

// Result is one test case outcome.
type Result struct {
	Name      string
	Fixture   string
	File      string
	Line      string
	Status    string
	Duration  float64
	Message   string
	Traceback string
	Stdout    string
}

// Parse reads JUnit XML with either a <testsuites> or a single <testsuite> root.
func Parse(data []byte) ([]Result, error) {
	var suites TestSuites
	if err := xml.Unmarshal(data, &suites); err == nil && len(suites.TestSuites) > 0 {
		return results(suites.TestSuites), nil
	}

	var suite TestSuite
	if err := xml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("failed to parse JUnit XML: %w", err)
	}
	return results([]TestSuite{suite}), nil
}

func results(suites []TestSuite) []Result {
	var out []Result
	for _, suite := range suites {
		for _, tc := range suite.TestCases {
			r := Result{
				Name:     tc.Name,
				Fixture:  tc.ClassName,
				File:     tc.File,
				Line:     tc.Line,
				Status:   StatusSuccess,
				Duration: tc.Time,
				Stdout:   strings.TrimSpace(tc.SystemOut),
			}
			if r.Fixture == "" {
				r.Fixture = suite.Name
			}
			switch {
			case tc.Error != nil:
				r.Status = StatusError
				r.Message = tc.Error.Message
				r.Traceback = strings.TrimSpace(tc.Error.Content)
			case tc.Failure != nil:
				r.Status = StatusFailure
				r.Message = tc.Failure.Message
				r.Traceback = strings.TrimSpace(tc.Failure.Content)
			case tc.Skipped != nil:
				r.Status = StatusIgnore
				r.Message = tc.Skipped.Message
			}
			out = append(out, r)
		}
	}
	return out
}

// Item returns the report item of r. Empty fields are omitted.
func (r Result) Item() map[string]string {
	item := map[string]string{
		"name":     r.Name,
		"fixture":  r.Fixture,
		"status":   r.Status,
		"duration": strconv.FormatFloat(r.Duration, 'f', 3, 64),
	}
	set := func(key, value string) {
		if value != "" {
			item[key] = value
		}
	}
	set("file", r.File)
	set("line", r.Line)
	set("message", r.Message)
	set("traceback", r.Traceback)
	set("stdout", r.Stdout)
	return item
}

// ToReport parses JUnit XML into a test report.
func ToReport(data []byte) (contracts.Report, error) {
	res, err := Parse(data)
	if err != nil {
		return contracts.Report{}, err
	}
	rep := contracts.Report{Kind: contracts.ReportTest, Generator: Generator, Items: make([]map[string]string, 0, len(res))}
	for _, r := range res {
		rep.Items = append(rep.Items, r.Item())
	}
	return rep, nil
}

// Failed returns the results that did not succeed or get skipped.
func Failed(res []Result) []Result {
	var out []Result
	for _, r := range res {
		if r.Status == StatusFailure || r.Status == StatusError {
			out = append(out, r)
		}
	}
	return out
}

// String returns a one-line description such as "[failure] pkg.Test.testX: message".
func (r Result) String() string {
	if r.Message != "" {
		return fmt.Sprintf("[%s] %s.%s: %s", r.Status, r.Fixture, r.Name, r.Message)
	}
	return fmt.Sprintf("[%s] %s.%s", r.Status, r.Fixture, r.Name)
}
