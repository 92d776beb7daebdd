// Package model defines the entities shared across the store, scheduler,
// worker, and executor layers: jobs, connection specs, command results,
// and connection profiles, per the data model in the job scheduler design.
package model

import (
	"strconv"
	"time"
)

// JobStatus is the lifecycle state of a Job. Transitions are monotonic
// except Retrying -> Pending/Running.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobRetrying  JobStatus = "retrying"
)

// JobType is the closed set of job kinds. SSHBatch is a submission-layer
// convenience that expands to N ordinary SSH jobs sharing a BatchID; it
// never appears as a persisted job_type.
type JobType string

const (
	JobTypeSSH JobType = "SSH"
)

// ScheduleKind selects how a Job is triggered.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleOneTime   ScheduleKind = "one_time"
	ScheduleRecurring ScheduleKind = "recurring"
)

// Schedule describes when a Job runs.
type Schedule struct {
	Kind     ScheduleKind
	At       time.Time // OneTime
	Cron     string    // Recurring: standard 5-field expression
	Timezone string    // Recurring: IANA zone name, default UTC
}

// AuthSpec carries exactly one of Password or PrivateKey.
type AuthSpec struct {
	Password   string
	PrivateKey string
	Passphrase string
}

// ConnectionSpec names a single SSH target and how to authenticate to it.
type ConnectionSpec struct {
	Host           string
	Port           int // default 22
	Username       string
	Auth           AuthSpec
	Secret         string // privileged-mode ("enable") password, optional
	DeviceType     string // closed set, §6; "autodetect" resolves at connect time
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// CacheKey is the connection-pool cache key: username|device_type|host|port.
func (c ConnectionSpec) CacheKey() string {
	return c.Username + "|" + c.DeviceType + "|" + c.Host + "|" + strconv.Itoa(c.Port)
}

// ParseOptions governs whether the executor attempts Parser FSM parsing
// for a job's commands.
type ParseOptions struct {
	Enabled bool
}

// Job is one scheduled or one-shot unit of work.
type Job struct {
	ID             string
	Type           JobType
	BatchID        string // non-empty when submitted via an SSHBatch
	Connection     ConnectionSpec
	Commands       []string
	CommandTimeout time.Duration
	MaxRetries     int // <= 5
	Description    string
	ParseOptions   ParseOptions

	Schedule Schedule
	Status   JobStatus

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRunAt   *time.Time
	RetryCount  int

	ErrorMessage string

	// IdempotencyKey is a content hash of (connection, commands), stored
	// uniquely when non-empty. The worker pool detects at-least-once queue
	// redelivery by the job's terminal status, not by this key.
	IdempotencyKey string
}

// Terminal reports whether the job has reached a status from which it
// will never transition again without external resubmission.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus reports what happened when the executor tried to resolve
// and run a Parser FSM template for a command.
type ParseStatus string

const (
	ParseNotAttempted ParseStatus = "not_attempted"
	ParseSuccess      ParseStatus = "success"
	ParseFailed       ParseStatus = "failed"
	ParseNoTemplate   ParseStatus = "no_template"
)

// AttemptLog records one retry attempt of a single command.
type AttemptLog struct {
	AttemptNo int
	StartedAt time.Time
	Duration  time.Duration
	Error     string
}

// CommandResult is the outcome of one command within a Job. Exactly one
// of Output or Error is set, unless a vendor error pattern fired, in
// which case both are populated.
type CommandResult struct {
	ID            string
	Command       string
	Output        string
	Error         string
	ExitIndicator string
	ExecutedAt    time.Time
	Duration      time.Duration
	ParseStatus   ParseStatus
	Parsed        []map[string]any
	Attempts      []AttemptLog
	Skipped       bool
}

// ConnectionProfile is a named, reusable ConnectionSpec.
type ConnectionProfile struct {
	ID        string
	Name      string
	Spec      ConnectionSpec
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogLevel mirrors the severity levels accepted by append_log.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLogEntry is one row appended to job_logs.
type JobLogEntry struct {
	JobID   string
	Time    time.Time
	Level   LogLevel
	Message string
	Context map[string]string
}

// WorkerStatus is an in-memory operational snapshot of one pool worker,
// exposed for visibility rather than as an external API.
type WorkerStatus struct {
	WorkerID      string
	JobsRun       int64
	LastHeartbeat time.Time
	CurrentJobID  string // empty when idle
}

// Batch fans a shared command list out across multiple ConnectionSpecs as
// one logical submission. Each device still runs through the ordinary
// per-job path; Batch is submission-layer sugar that expands to N Jobs
// sharing a BatchID.
type Batch struct {
	ID             string
	Connections    []ConnectionSpec
	Commands       []string
	CommandTimeout time.Duration
	MaxRetries     int
	ParseOptions   ParseOptions
}

// Jobs expands the batch into one Job per connection, all sharing BatchID
// and submitted with an Immediate schedule.
func (b Batch) Jobs(newID func() string, now time.Time) []Job {
	jobs := make([]Job, 0, len(b.Connections))
	for _, conn := range b.Connections {
		jobs = append(jobs, Job{
			ID:             newID(),
			Type:           JobTypeSSH,
			BatchID:        b.ID,
			Connection:     conn,
			Commands:       b.Commands,
			CommandTimeout: b.CommandTimeout,
			MaxRetries:     b.MaxRetries,
			ParseOptions:   b.ParseOptions,
			Schedule:       Schedule{Kind: ScheduleImmediate},
			Status:         JobPending,
			CreatedAt:      now,
		})
	}
	return jobs
}
