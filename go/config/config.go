// Package config defines the service's configuration surface: the
// worker pool, scheduler, and netssh transport/session knobs named in
// the external interfaces section, wired to go-flags so they can be set
// from an ini file, the command line, or the environment.
package config

import (
	"fmt"
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"
)

// FailureStrategy governs how a job's remaining commands are treated after
// one fails.
type FailureStrategy string

const (
	ContinueOnFailure    FailureStrategy = "continue"
	AbortOnFirstFailure  FailureStrategy = "abort_first"
	AbortAfterNFailures  FailureStrategy = "abort_after_n"
)

// WorkerConfig configures the concurrency-limited worker pool (C8).
type WorkerConfig struct {
	MaxConcurrency           int             `long:"max-concurrency" env:"MAX_CONCURRENCY" default:"8" description:"Maximum number of jobs executing concurrently"`
	MaxConnectionsPerWorker  int             `long:"max-connections-per-worker" env:"MAX_CONNECTIONS_PER_WORKER" default:"16" description:"Size of the pool's shared pooled-connection cache"`
	MaxIdleTimeSeconds       int             `long:"max-idle-time-seconds" env:"MAX_IDLE_TIME_SECONDS" default:"300" description:"Idle age, in seconds, after which a pooled connection is evicted"`
	FailureStrategy          FailureStrategy `long:"failure-strategy" env:"FAILURE_STRATEGY" default:"continue" choice:"continue" choice:"abort_first" choice:"abort_after_n" description:"Policy applied to a job's remaining commands after one fails"`
	FailureStrategyN         int             `long:"failure-strategy-n" env:"FAILURE_STRATEGY_N" default:"0" description:"Failure count threshold for the abort_after_n strategy"`
	ConnectionReuse          bool            `long:"connection-reuse" env:"CONNECTION_REUSE" description:"Enable per-worker connection pooling"`
	ConnectRateLimitPerSec   float64         `long:"connect-rate-limit-per-sec" env:"CONNECT_RATE_LIMIT_PER_SEC" default:"0" description:"Maximum new SSH dials per second across the pool; 0 disables limiting"`
}

// IdleTimeout returns MaxIdleTimeSeconds as a Duration.
func (c WorkerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.MaxIdleTimeSeconds) * time.Second
}

// Validate rejects configuration combinations the pool cannot act on.
func (c WorkerConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("worker.max-concurrency must be > 0")
	}
	if c.FailureStrategy == AbortAfterNFailures && c.FailureStrategyN <= 0 {
		return fmt.Errorf("worker.failure-strategy-n must be > 0 when failure-strategy is abort_after_n")
	}
	return nil
}

// SchedulerConfig configures the planner (C7).
type SchedulerConfig struct {
	PollIntervalSeconds int    `long:"poll-interval-seconds" env:"POLL_INTERVAL_SECONDS" default:"5" description:"Planner tick interval, in seconds"`
	Timezone            string `long:"timezone" env:"TIMEZONE" default:"UTC" description:"IANA timezone in which recurring jobs' cron expressions are evaluated"`
}

// PollInterval returns PollIntervalSeconds as a Duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// NetworkConfig configures Transport (C1) and Session I/O (C2) timeouts.
type NetworkConfig struct {
	TCPConnectTimeoutSecs      int `long:"tcp-connect-timeout-secs" env:"TCP_CONNECT_TIMEOUT_SECS" default:"10" description:"TCP dial timeout"`
	TCPReadTimeoutSecs         int `long:"tcp-read-timeout-secs" env:"TCP_READ_TIMEOUT_SECS" default:"10" description:"Single Transport read deadline; not read by the worker pool or driver"`
	CommandResponseTimeoutSecs int `long:"command-response-timeout-secs" env:"COMMAND_RESPONSE_TIMEOUT_SECS" default:"30" description:"Default per-command read-until-prompt timeout"`
	PatternMatchTimeoutSecs    int `long:"pattern-match-timeout-secs" env:"PATTERN_MATCH_TIMEOUT_SECS" default:"30" description:"Default read_until_pattern timeout; not read by the worker pool, which uses the command response timeout for pattern reads"`
	MaxRetryAttempts           int `long:"max-retry-attempts" env:"MAX_RETRY_ATTEMPTS" default:"3" description:"Per-command retry budget; not read by the worker pool, which uses each job's max_retries clamped to 0..5"`
	RetryDelayMs               int `long:"retry-delay-ms" env:"RETRY_DELAY_MS" default:"100" description:"Base retry backoff; not read by the worker pool, which backs off 100ms multiplied by (attempt+1)"`
}

func (c NetworkConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.TCPConnectTimeoutSecs) * time.Second
}

func (c NetworkConfig) ReadTimeout() time.Duration {
	return time.Duration(c.TCPReadTimeoutSecs) * time.Second
}

func (c NetworkConfig) CommandResponseTimeout() time.Duration {
	return time.Duration(c.CommandResponseTimeoutSecs) * time.Second
}

func (c NetworkConfig) PatternMatchTimeout() time.Duration {
	return time.Duration(c.PatternMatchTimeoutSecs) * time.Second
}

func (c NetworkConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// SSHConfig configures transport-level SSH behavior.
type SSHConfig struct {
	KeepaliveIntervalSecs int `long:"keepalive-interval-secs" env:"KEEPALIVE_INTERVAL_SECS" default:"30" description:"Interval between SSH keepalive global requests; not read by the worker pool, which starts no keepalive"`
	AuthTimeoutSecs       int `long:"auth-timeout-secs" env:"AUTH_TIMEOUT_SECS" default:"10" description:"Deadline for the SSH handshake and authentication exchange; not read by the worker pool, which uses the TCP connect timeout for it"`
}

func (c SSHConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSecs) * time.Second
}

func (c SSHConfig) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSecs) * time.Second
}

// BufferConfig configures Session I/O's accumulation buffer.
type BufferConfig struct {
	ReadBufferSize  int  `long:"read-buffer-size" env:"READ_BUFFER_SIZE" default:"65536" description:"Initial capacity of the read accumulator"`
	AutoClearBuffer bool `long:"auto-clear-buffer" env:"AUTO_CLEAR_BUFFER" description:"Drain stale bytes before each send_command; not read by the worker pool or driver, which never drain before a send"`
}

// LoggingConfig configures session transcript capture.
type LoggingConfig struct {
	EnableSessionLog bool   `long:"enable-session-log" env:"ENABLE_SESSION_LOG" description:"Append raw session transcripts to SessionLogPath"`
	SessionLogPath   string `long:"session-log-path" env:"SESSION_LOG_PATH" default:"var/session-log" description:"RocksDB directory backing the session transcript store"`
}

// NetsshConfig groups the network-automation-specific knobs under the
// `netssh` namespace, mirroring §6 of the external interface table.
type NetsshConfig struct {
	Network NetworkConfig `group:"network" namespace:"network" env-namespace:"NETWORK"`
	SSH     SSHConfig     `group:"ssh" namespace:"ssh" env-namespace:"SSH"`
	Buffer  BufferConfig  `group:"buffer" namespace:"buffer" env-namespace:"BUFFER"`
	Logging LoggingConfig `group:"logging" namespace:"logging" env-namespace:"LOGGING"`
}

// StoreConfig configures the durable store (C6).
type StoreConfig struct {
	SQLitePath   string `long:"sqlite-path" env:"SQLITE_PATH" default:"var/netsshd.db" description:"Path to the sqlite database file backing jobs/results/logs/profiles"`
	TemplatesDir string `long:"templates-dir" env:"TEMPLATES_DIR" default:"templates" description:"Directory of <device_type>_<command>.textfsm parser templates"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Port uint16 `long:"port" env:"PORT" default:"9092" description:"Port the /metrics HTTP endpoint binds to; 0 disables it"`
}

// ServiceConfig is the top-level configuration consumed by cmd/netsshd,
// following FlowConsumerConfig's grouped-struct shape.
type ServiceConfig struct {
	Worker      WorkerConfig          `group:"worker" namespace:"worker" env-namespace:"WORKER"`
	Scheduler   SchedulerConfig       `group:"scheduler" namespace:"scheduler" env-namespace:"SCHEDULER"`
	Netssh      NetsshConfig          `group:"netssh" namespace:"netssh" env-namespace:"NETSSH"`
	Store       StoreConfig           `group:"store" namespace:"store" env-namespace:"STORE"`
	Metrics     MetricsConfig         `group:"metrics" namespace:"metrics" env-namespace:"METRICS"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// Validate runs every section's validation, matching go-flags' convention
// of an Execute/Validate method on the top-level config struct.
func (c *ServiceConfig) Validate() error {
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	return nil
}
