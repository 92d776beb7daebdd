package executor

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netsshio/netsshd/go/config"
	"github.com/netsshio/netsshd/go/model"
	"github.com/netsshio/netsshd/go/netsshx"
	"github.com/netsshio/netsshd/go/ops"
	"github.com/netsshio/netsshd/go/textfsm"
)

type scriptedRunner struct {
	calls     int
	responses []struct {
		output string
		err    error
	}
}

func (r *scriptedRunner) SendCommand(cmd string) (string, error) {
	step := r.responses[r.calls]
	r.calls++
	return step.output, step.err
}

func sampleJob(commands ...string) model.Job {
	return model.Job{ID: "job-1", Commands: commands, Connection: model.ConnectionSpec{DeviceType: "cisco_ios"}}
}

func TestRunRetriesRetryableErrorsThenSucceeds(t *testing.T) {
	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"", netsshx.Timeout("show version")},
		{"Router uptime is 1 day", nil},
	}}

	e := New(nil, ops.StdLogger())
	outcome := e.Run(context.Background(), runner, nil, sampleJob("show version"), RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, config.ContinueOnFailure, 0, nil)

	require.Equal(t, model.JobCompleted, outcome.Status)
	require.Len(t, outcome.Results, 1)
	require.Empty(t, outcome.Results[0].Error)
	require.Equal(t, "Router uptime is 1 day", outcome.Results[0].Output)
	require.Len(t, outcome.Results[0].Attempts, 2)
}

func TestRunDoesNotRetryValidationErrors(t *testing.T) {
	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"", netsshx.Validation("bad command syntax")},
	}}

	e := New(nil, ops.StdLogger())
	outcome := e.Run(context.Background(), runner, nil, sampleJob("show version"), RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}, config.ContinueOnFailure, 0, nil)

	require.Equal(t, model.JobFailed, outcome.Status)
	require.Len(t, outcome.Results[0].Attempts, 1)
	require.NotEmpty(t, outcome.Results[0].Error)
}

func TestRunReclassifiesVendorErrorPatternAsFailure(t *testing.T) {
	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"% Invalid input detected at marker", nil},
	}}
	patterns := []*regexp.Regexp{regexp.MustCompile(regexp.QuoteMeta("% Invalid input detected"))}

	e := New(nil, ops.StdLogger())
	outcome := e.Run(context.Background(), runner, patterns, sampleJob("show bogus"), RetryPolicy{MaxRetries: 0}, config.ContinueOnFailure, 0, nil)

	require.Equal(t, model.JobFailed, outcome.Status)
	require.Equal(t, "% Invalid input detected", outcome.Results[0].Error)
	require.Equal(t, "% Invalid input detected at marker", outcome.Results[0].Output)
}

func TestRunPreservesOutputWhenDriverReturnsCommandError(t *testing.T) {
	// Mirrors vendordriver.Driver.SendCommand's own reclassification path:
	// the driver returns the output alongside a non-nil CommandError, rather
	// than the executor's own pattern scan finding it in a clean output.
	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"% Invalid input detected at marker", netsshx.CommandErrorWithOutput("vendor error pattern matched", "% Invalid input detected at marker")},
	}}

	e := New(nil, ops.StdLogger())
	outcome := e.Run(context.Background(), runner, nil, sampleJob("show bogus"), RetryPolicy{MaxRetries: 0}, config.ContinueOnFailure, 0, nil)

	require.Equal(t, model.JobFailed, outcome.Status)
	require.Equal(t, "% Invalid input detected at marker", outcome.Results[0].Output)
	require.NotEmpty(t, outcome.Results[0].Error)
}

func TestRunAbortAfterNFailuresStopsAtThreshold(t *testing.T) {
	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"", netsshx.Validation("bad")},
		{"", netsshx.Validation("bad")},
		{"ok", nil},
	}}

	e := New(nil, ops.StdLogger())
	job := sampleJob("cmd1", "cmd2", "cmd3")
	outcome := e.Run(context.Background(), runner, nil, job, RetryPolicy{MaxRetries: 0}, config.AbortAfterNFailures, 2, nil)

	require.Equal(t, model.JobFailed, outcome.Status)
	require.Len(t, outcome.Results, 3)
	require.NotEmpty(t, outcome.Results[0].Error)
	require.NotEmpty(t, outcome.Results[1].Error)
	require.True(t, outcome.Results[2].Skipped)
}

type mapResolver struct {
	templates map[string]*textfsm.Template
}

func (m mapResolver) Resolve(deviceType, cmd string) (*textfsm.Template, bool) {
	tpl, ok := m.templates[templateFileName(deviceType, cmd)]
	return tpl, ok
}

func TestRunParsesOutputWhenTemplateResolves(t *testing.T) {
	tpl, err := textfsm.Compile(`Value NAME (\S+)

Start
  ^${NAME}\s*$ -> Record
`)
	require.NoError(t, err)

	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"router1\n", nil},
	}}

	e := New(mapResolver{templates: map[string]*textfsm.Template{
		templateFileName("cisco_ios", "show hostname"): tpl,
	}}, ops.StdLogger())

	job := sampleJob("show hostname")
	job.ParseOptions.Enabled = true
	outcome := e.Run(context.Background(), runner, nil, job, RetryPolicy{MaxRetries: 0}, config.ContinueOnFailure, 0, nil)

	require.Equal(t, model.JobCompleted, outcome.Status)
	require.Equal(t, model.ParseSuccess, outcome.Results[0].ParseStatus)
	require.Len(t, outcome.Results[0].Parsed, 1)
	require.Equal(t, "router1", outcome.Results[0].Parsed[0]["NAME"])
}

func TestRunLeavesNoTemplateWhenResolverMisses(t *testing.T) {
	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"whatever", nil},
	}}

	e := New(mapResolver{templates: map[string]*textfsm.Template{}}, ops.StdLogger())
	job := sampleJob("show version")
	job.ParseOptions.Enabled = true
	outcome := e.Run(context.Background(), runner, nil, job, RetryPolicy{MaxRetries: 0}, config.ContinueOnFailure, 0, nil)

	require.Equal(t, model.JobCompleted, outcome.Status)
	require.Equal(t, model.ParseNoTemplate, outcome.Results[0].ParseStatus)
}

func TestRunCancellationSkipsRemainingCommands(t *testing.T) {
	runner := &scriptedRunner{responses: []struct {
		output string
		err    error
	}{
		{"ok1", nil},
	}}

	cancelAfterFirst := func() func() bool {
		calls := 0
		return func() bool {
			calls++
			return calls > 1
		}
	}()

	e := New(nil, ops.StdLogger())
	job := sampleJob("cmd1", "cmd2")
	outcome := e.Run(context.Background(), runner, nil, job, RetryPolicy{MaxRetries: 0}, config.ContinueOnFailure, 0, cancelAfterFirst)

	require.Equal(t, model.JobCancelled, outcome.Status)
	require.False(t, outcome.Results[0].Skipped)
	require.True(t, outcome.Results[1].Skipped)
}

func TestTemplateFileNameNormalizesCommand(t *testing.T) {
	require.Equal(t, "cisco_ios_show_version.textfsm", templateFileName("cisco_ios", "show   version"))
	require.Equal(t, "cisco_ios_show_ip_route.textfsm", templateFileName("cisco_ios", "Show IP Route"))
}

func TestFileTemplateResolverMissingFileIsNoTemplate(t *testing.T) {
	r := NewFileTemplateResolver(t.TempDir())
	_, ok := r.Resolve("cisco_ios", "show version")
	require.False(t, ok)
	// second lookup exercises the cached-miss path
	_, ok = r.Resolve("cisco_ios", "show version")
	require.False(t, ok)
}
