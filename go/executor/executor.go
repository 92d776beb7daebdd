// Package executor implements the Executor (C9): given a Job and an
// already-connected Vendor Driver, it runs the job's commands in order,
// retry-wraps each one per the Worker Pool's retry policy, scans output
// for vendor error patterns, optionally resolves and runs a Parser FSM
// template, and produces the job's ordered CommandResult sequence plus its
// aggregate terminal status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsshio/netsshd/go/config"
	"github.com/netsshio/netsshd/go/metrics"
	"github.com/netsshio/netsshd/go/model"
	"github.com/netsshio/netsshd/go/netsshx"
	"github.com/netsshio/netsshd/go/ops"
	"github.com/netsshio/netsshd/go/textfsm"
)

// CommandRunner is the subset of *vendordriver.Driver the Executor drives.
// Tests substitute a fake to exercise retry/failure-strategy logic without
// a real SSH session.
type CommandRunner interface {
	SendCommand(cmd string) (string, error)
}

var cmdNameCleaner = regexp.MustCompile(`\s+`)

// TemplateResolver looks up a compiled Parser FSM template for a
// (device_type, command) pair. ok is false when no template applies —
// ParseNoTemplate, not an error.
type TemplateResolver interface {
	Resolve(deviceType, cmd string) (*textfsm.Template, bool)
}

// FileTemplateResolver loads "<dir>/<device_type>_<normalized_cmd>.textfsm"
// files on first use and caches the compiled result (including misses, so a
// missing template isn't re-stat'd on every command).
type FileTemplateResolver struct {
	dir string

	mu    sync.Mutex
	cache map[string]*textfsm.Template // nil value means "known absent"
}

// NewFileTemplateResolver returns a resolver rooted at dir.
func NewFileTemplateResolver(dir string) *FileTemplateResolver {
	return &FileTemplateResolver{dir: dir, cache: map[string]*textfsm.Template{}}
}

func templateFileName(deviceType, cmd string) string {
	normalized := strings.ToLower(cmdNameCleaner.ReplaceAllString(strings.TrimSpace(cmd), "_"))
	return deviceType + "_" + normalized + ".textfsm"
}

func (r *FileTemplateResolver) Resolve(deviceType, cmd string) (*textfsm.Template, bool) {
	key := templateFileName(deviceType, cmd)

	r.mu.Lock()
	if tpl, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return tpl, tpl != nil
	}
	r.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(r.dir, key))
	if err != nil {
		r.mu.Lock()
		r.cache[key] = nil
		r.mu.Unlock()
		return nil, false
	}

	tpl, err := textfsm.Compile(string(raw))
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		// A template file that fails to compile is treated the same as
		// absent: ParseNoTemplate, not a job failure. The compile error is
		// not surfaced per-command; it would otherwise fire on every
		// invocation of this command for this device_type.
		r.cache[key] = nil
		return nil, false
	}
	r.cache[key] = tpl
	return tpl, true
}

// RetryPolicy is the per-command retry budget and backoff base. The worker
// pool sources MaxRetries from a job's max_retries, clamped to 0..5.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Executor binds vendor error-pattern scanning and Parser FSM resolution to
// a command loop shared by every job.
type Executor struct {
	templates TemplateResolver
	log       ops.Logger
}

// New builds an Executor. templates may be nil, in which case parsing is
// always ParseNoTemplate regardless of a job's parse_options.
func New(templates TemplateResolver, log ops.Logger) *Executor {
	return &Executor{templates: templates, log: log}
}

// Outcome is the result of running a job's full command list.
type Outcome struct {
	Status  model.JobStatus
	Results []model.CommandResult
}

// Run executes job.Commands in order against driver, honoring strategy and
// policy, and returns the job's terminal status alongside its ordered
// CommandResults. cancelled is polled before each command and during
// retry-backoff sleeps; once it reports true, the command in flight keeps
// the result of its last attempt, every command after it is marked
// Skipped, and the job is reported Cancelled.
func (e *Executor) Run(ctx context.Context, driver CommandRunner, errorPatterns []*regexp.Regexp, job model.Job, policy RetryPolicy, strategy config.FailureStrategy, strategyN int, cancelled func() bool) Outcome {
	results := make([]model.CommandResult, 0, len(job.Commands))
	failures := 0
	aborted := false
	wasCancelled := false

	for i, cmd := range job.Commands {
		if cancelled != nil && cancelled() {
			wasCancelled = true
		}
		if aborted || wasCancelled {
			results = append(results, model.CommandResult{
				ID:         fmt.Sprintf("%s-%d", job.ID, i),
				Command:    cmd,
				ExecutedAt: time.Now(),
				Skipped:    true,
			})
			continue
		}

		result := e.runOne(ctx, driver, errorPatterns, job, i, cmd, policy, cancelled)
		results = append(results, result)

		if result.Error != "" {
			failures++
			switch strategy {
			case config.AbortOnFirstFailure:
				aborted = true
			case config.AbortAfterNFailures:
				if failures >= strategyN {
					aborted = true
				}
			}
		}
	}

	status := model.JobCompleted
	switch {
	case wasCancelled:
		status = model.JobCancelled
	case failures > 0:
		status = model.JobFailed
	}
	metrics.JobCompleted(string(status))
	return Outcome{Status: status, Results: results}
}

func (e *Executor) runOne(ctx context.Context, driver CommandRunner, errorPatterns []*regexp.Regexp, job model.Job, idx int, cmd string, policy RetryPolicy, cancelled func() bool) model.CommandResult {
	executedAt := time.Now()
	var attempts []model.AttemptLog
	var output string
	var lastErr error

	for attempt := 0; ; attempt++ {
		started := time.Now()
		out, err := driver.SendCommand(cmd)
		duration := time.Since(started)
		metrics.ObserveCommand(job.Connection.DeviceType, duration.Seconds())

		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		attempts = append(attempts, model.AttemptLog{AttemptNo: attempt, StartedAt: started, Duration: duration, Error: errStr})

		if err == nil {
			output = out
			lastErr = nil
			break
		}
		lastErr = err

		// A vendor error pattern match (KindCommandError) still carries the
		// device's real output alongside the error, per the CommandResult
		// invariant that both fields are populated together in that case.
		var cmdErr *netsshx.Error
		if errors.As(err, &cmdErr) && cmdErr.Kind == netsshx.KindCommandError {
			output = cmdErr.Output
		}

		if !netsshx.Retryable(err) || attempt >= policy.MaxRetries {
			break
		}
		metrics.CommandRetried(job.Connection.DeviceType)
		if e.log != nil {
			e.log.Log(log.WarnLevel, log.Fields{"job_id": job.ID, "command": cmd, "attempt": attempt, "error": err.Error()}, "retrying command")
		}
		if sleepInterruptible(ctx, policy.BaseDelay*time.Duration(attempt+1), cancelled) {
			break
		}
	}

	result := model.CommandResult{
		ID:          fmt.Sprintf("%s-%d", job.ID, idx),
		Command:     cmd,
		Output:      output,
		ExecutedAt:  executedAt,
		Duration:    time.Since(executedAt),
		Attempts:    attempts,
		ParseStatus: model.ParseNotAttempted,
	}

	if lastErr != nil {
		result.Error = lastErr.Error()
		return result
	}

	if matched := scanErrorPatterns(errorPatterns, output); matched != "" {
		result.Error = matched
		return result
	}

	if job.ParseOptions.Enabled && e.templates != nil {
		e.parse(job.Connection.DeviceType, cmd, output, &result)
	}
	return result
}

func scanErrorPatterns(patterns []*regexp.Regexp, output string) string {
	for _, p := range patterns {
		if loc := p.FindString(output); loc != "" {
			return loc
		}
	}
	return ""
}

func (e *Executor) parse(deviceType, cmd, output string, result *model.CommandResult) {
	tpl, ok := e.templates.Resolve(deviceType, cmd)
	if !ok {
		result.ParseStatus = model.ParseNoTemplate
		return
	}

	rows, err := tpl.Execute(strings.Split(output, "\n"))
	if err != nil {
		result.ParseStatus = model.ParseFailed
		return
	}

	parsed := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		parsed = append(parsed, r.Fields)
	}
	result.Parsed = parsed
	result.ParseStatus = model.ParseSuccess
}

// sleepInterruptible sleeps for d, polling cancelled every tick so a
// cancellation request doesn't have to wait out a long backoff. Returns
// true if cancellation fired during the sleep.
func sleepInterruptible(ctx context.Context, d time.Duration, cancelled func() bool) bool {
	if cancelled == nil {
		select {
		case <-ctx.Done():
			return true
		case <-time.After(d):
			return false
		}
	}

	const pollEvery = 25 * time.Millisecond
	deadline := time.Now().Add(d)
	for {
		if cancelled() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := pollEvery
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(wait):
		}
	}
}

// DriverErrorPatterns compiles a Strategy's raw error pattern strings into
// matchers usable by Run, mirroring vendordriver's own (unexported)
// compilation so the executor doesn't need a Strategy-typed dependency.
func DriverErrorPatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(regexp.QuoteMeta(p)))
	}
	return compiled
}
