package slave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"bitten-master/src/contracts"
	"bitten-master/src/junit"
	"bitten-master/src/logger"
	"bitten-master/src/recipe"
	"bitten-master/src/sanitize"
)

// Executor runs one step command in a build directory.
type Executor interface {
	Execute(ctx context.Context, dir, command string) (output string, exitCode int, err error)
}

// ShellExecutor runs commands through the platform shell.
type ShellExecutor struct{}

// Execute runs command with `sh -c` (`cmd /C` on Windows) and returns its
// combined output. A non-zero exit is reported as exitCode, not as err.
func (ShellExecutor) Execute(ctx context.Context, dir, command string) (string, int, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), exitErr.ExitCode(), nil
	}
	if err != nil {
		return string(out), -1, err
	}
	return string(out), 0, nil
}

// LocalInfo describes the machine the slave runs on.
func LocalInfo(name string) contracts.SlaveInfo {
	family := "posix"
	if runtime.GOOS == "windows" {
		family = "nt"
	}
	osName := runtime.GOOS
	if osName != "" {
		osName = strings.ToUpper(osName[:1]) + osName[1:]
	}
	return contracts.SlaveInfo{
		Name:      name,
		OSName:    osName,
		OSFamily:  family,
		Machine:   runtime.GOARCH,
		Processor: runtime.GOARCH,
	}
}

// Options control the runner.
type Options struct {
	// WorkDir holds one directory per build.
	WorkDir string
	// PollInterval is the wait between requests when nothing is pending.
	PollInterval time.Duration
	// KeepaliveInterval is the period of keepalive requests during a build.
	KeepaliveInterval time.Duration
	// SingleBuild stops the runner after one build.
	SingleBuild bool
	// KeepFiles keeps build directories after the build.
	KeepFiles bool
	// DryRun executes builds but cancels them instead of reporting the outcome.
	DryRun bool
}

// Runner polls the master for builds and executes them.
type Runner struct {
	client *Client
	exec   Executor
	info   contracts.SlaveInfo
	opts   Options
	logger logger.Logger
	now    func() time.Time
}

// NewRunner creates a runner.
func NewRunner(c *Client, ex Executor, info contracts.SlaveInfo, opts Options, log logger.Logger) *Runner {
	if ex == nil {
		ex = ShellExecutor{}
	}
	if log == nil {
		log = logger.NewSilentLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = time.Minute
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Runner{client: c, exec: ex, info: info, opts: opts, logger: log, now: time.Now}
}

// Run requests and executes builds until ctx is done. A slave that matches no
// target platform of the master stops with an error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("[Slave] Starting as %q...", r.client.Name())
	for {
		built, err := r.RunOnce(ctx)
		switch {
		case errors.Is(err, contracts.ErrForbidden), errors.Is(err, contracts.ErrInvalid):
			return err
		case err != nil && ctx.Err() == nil:
			r.logger.Error("[Slave] %v", err)
		}
		if built && r.opts.SingleBuild {
			r.logger.Info("[Slave] Exiting after single build completed")
			return nil
		}
		if built && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			r.logger.Info("[Slave] Context cancelled, shutting down")
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// RunOnce requests one build and executes it. It reports whether a build was
// handed out.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	b, err := r.client.RequestBuild(ctx, r.info)
	if err != nil {
		return false, err
	}
	if b == nil {
		r.logger.Info("[Slave] No pending builds")
		return false, nil
	}
	return true, r.Execute(ctx, *b)
}

// Execute runs all steps of a claimed build and reports each to the master.
// Cancelling ctx returns the build to the master's queue.
func (r *Runner) Execute(ctx context.Context, b contracts.Build) error {
	r.logger.Info("[Slave] Build %d of %q as of [%s] pending", b.ID, b.Config, b.Rev)
	env, err := r.client.Initiate(ctx, b.ID)
	if errors.Is(err, contracts.ErrInvalidRecipe) {
		r.logger.Error("[Slave] Master rejected the recipe of build %d: %v", b.ID, err)
		return nil
	}
	if IsGone(err) {
		r.logger.Info("[Slave] Build %d no longer ours: %v", b.ID, err)
		return nil
	}
	if err != nil {
		r.cancel(b.ID)
		return fmt.Errorf("failed to initiate build %d: %w", b.ID, err)
	}

	dir := filepath.Join(r.opts.WorkDir, fmt.Sprintf("build_%s_%d", b.Config, b.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.cancel(b.ID)
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	if !r.opts.KeepFiles {
		defer os.RemoveAll(dir)
	}

	buildCtx, stop := context.WithCancel(ctx)
	var gone bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if r.keepalive(buildCtx, b.ID) {
			gone = true
			stop()
		}
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	for _, st := range env.Steps {
		r.logger.Info("[Slave] Executing build step %q", st.ID)
		step := r.runStep(buildCtx, dir, st)

		if ctx.Err() != nil {
			r.logger.Info("[Slave] Build %d interrupted", b.ID)
			r.cancel(b.ID)
			return ctx.Err()
		}
		if buildCtx.Err() != nil {
			stop()
			wg.Wait()
			if gone {
				r.logger.Info("[Slave] Build %d was taken away by the master", b.ID)
				return nil
			}
		}

		if r.opts.DryRun {
			if step.Status == contracts.StepFailure && st.OnError == recipe.OnErrorFail {
				break
			}
			continue
		}
		updated, err := r.client.SubmitStep(ctx, b.ID, step)
		if IsGone(err) {
			r.logger.Info("[Slave] Build %d no longer ours: %v", b.ID, err)
			return nil
		}
		if err != nil {
			r.cancel(b.ID)
			return fmt.Errorf("failed to submit step %q: %w", st.ID, err)
		}
		if updated.Status.Finished() {
			r.logger.Info("[Slave] Build %d %s", b.ID, updated.Status)
			return nil
		}
	}

	if r.opts.DryRun {
		r.cancel(b.ID)
	}
	return nil
}

// keepalive pings the master until ctx is done. It returns true when the
// master no longer considers the build ours.
func (r *Runner) keepalive(ctx context.Context, id int64) bool {
	ticker := time.NewTicker(r.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			err := r.client.Keepalive(ctx, id)
			if IsGone(err) {
				return true
			}
			if err != nil && ctx.Err() == nil {
				r.logger.Error("[Slave] Keepalive for build %d failed: %v", id, err)
			}
		}
	}
}

func (r *Runner) cancel(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.Cancel(ctx, id); err != nil {
		r.logger.Error("[Slave] Failed to cancel build %d: %v", id, err)
		return
	}
	r.logger.Info("[Slave] Cancelled build %d", id)
}

// runStep executes one step and collects its log, errors and reports.
func (r *Runner) runStep(ctx context.Context, dir string, st recipe.Step) contracts.Step {
	step := contracts.Step{Name: st.ID, Description: st.Description, Started: r.now()}
	log := contracts.StepLog{Generator: "sh"}

	if strings.TrimSpace(st.Run) != "" {
		out, code, err := r.exec.Execute(ctx, dir, st.Run)
		for _, line := range sanitize.Lines(out) {
			log.Messages = append(log.Messages, contracts.LogMessage{Level: contracts.LevelInfo, Message: line})
		}
		switch {
		case err != nil:
			step.Errors = append(step.Errors, err.Error())
		case code != 0:
			step.Errors = append(step.Errors, fmt.Sprintf("command exited with code %d", code))
		}
	}

	for _, spec := range st.Reports {
		rep, warn, err := readReport(dir, spec)
		switch {
		case err != nil:
			step.Errors = append(step.Errors, err.Error())
		case warn != "":
			log.Messages = append(log.Messages, contracts.LogMessage{Level: contracts.LevelWarning, Message: warn})
		default:
			step.Reports = append(step.Reports, rep)
		}
	}

	if len(log.Messages) > 0 {
		step.Logs = []contracts.StepLog{log}
	}
	step.Status = contracts.StepSuccess
	if len(step.Errors) > 0 {
		step.Status = contracts.StepFailure
		r.logger.Error("[Slave] Build step %q failed", st.ID)
	}
	step.Stopped = r.now()
	return step
}

// readReport loads a report file. JUnit files become test reports; other files
// hold a JSON array of report items. A missing file is a warning.
func readReport(dir string, spec recipe.ReportSpec) (contracts.Report, string, error) {
	path := spec.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return contracts.Report{}, fmt.Sprintf("report file %s not found", spec.File), nil
	}
	if err != nil {
		return contracts.Report{}, "", fmt.Errorf("failed to read report %s: %w", spec.File, err)
	}

	if spec.Format == junit.Generator {
		rep, err := junit.ToReport(data)
		if err != nil {
			return contracts.Report{}, "", fmt.Errorf("failed to parse report %s: %w", spec.File, err)
		}
		return rep, "", nil
	}

	rep := contracts.Report{Kind: spec.Kind}
	if err := json.Unmarshal(data, &rep.Items); err != nil {
		return contracts.Report{}, "", fmt.Errorf("failed to parse report %s: %w", spec.File, err)
	}
	return rep, "", nil
}
