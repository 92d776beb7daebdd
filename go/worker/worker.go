// Package worker implements the Worker Pool (C8): a semaphore-gated set of
// job executions sharing one connection cache, applying the configured
// failure strategy and retry policy, and exposing per-slot operational
// status. It satisfies scheduler.Queue so the Planner can hand due jobs
// to it directly.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/netsshio/netsshd/go/autodetect"
	"github.com/netsshio/netsshd/go/config"
	"github.com/netsshio/netsshd/go/executor"
	"github.com/netsshio/netsshd/go/metrics"
	"github.com/netsshio/netsshd/go/model"
	"github.com/netsshio/netsshd/go/netsshx"
	"github.com/netsshio/netsshd/go/ops"
	"github.com/netsshio/netsshd/go/session"
	"github.com/netsshio/netsshd/go/store"
	"github.com/netsshio/netsshd/go/transport"
	"github.com/netsshio/netsshd/go/vendordriver"
)

// Driver is the subset of *vendordriver.Driver the pool manages directly
// (connect, close, state) on top of what Executor drives through
// executor.CommandRunner. Satisfied by *vendordriver.Driver; substituted by
// a fake in tests.
type Driver interface {
	executor.CommandRunner
	Connect(ctx context.Context, spec transport.Spec, sink session.TranscriptSink, readBufSize int) error
	Close() error
	State() vendordriver.State
}

// DriverFactory builds an unconnected Driver for a resolved Strategy. The
// pool owns dialing (Connect) and closing; it never inspects transport
// internals directly.
type DriverFactory func(strategy vendordriver.Strategy, timeouts vendordriver.Timeouts, secret string, log ops.Logger) Driver

// TranscriptSinkFactory opens a transcript sink for one job's command
// index, or returns nil to disable transcript capture.
type TranscriptSinkFactory func(jobID string, commandIdx int) session.TranscriptSink

type pooledConn struct {
	driver   Driver
	lastUsed atomic.Int64 // unix nanos, read/written independently of the cache's own locking
}

func (c *pooledConn) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

// Pool is the concurrency-limited worker runtime. Zero value is not usable;
// construct with New.
type Pool struct {
	store    *store.Store
	executor *executor.Executor
	log      ops.Logger
	cfg      config.WorkerConfig
	netCfg   timeoutSource

	newDriver      DriverFactory
	transcriptFor  TranscriptSinkFactory
	readBufferSize int

	sem     *semaphore.Weighted
	cache   *lru.LRU[string, *pooledConn]
	dialSF  singleflight.Group
	limiter *rate.Limiter

	jobsHandled atomic.Int64

	slotsMu sync.Mutex
	slots   []model.WorkerStatus
	nextSlot atomic.Int64

	cancelMu sync.Mutex
	cancelled map[string]bool
}

// timeoutSource supplies the connect/command timeouts a job doesn't
// override itself, so Pool doesn't need the whole config.NetworkConfig
// struct wired through New's signature.
type timeoutSource interface {
	ConnectTimeout() time.Duration
	CommandResponseTimeout() time.Duration
}

// New builds a Pool. connectRateLimit is the max new dials/sec (0 disables
// limiting).
func New(st *store.Store, exec *executor.Executor, cfg config.WorkerConfig, netCfg timeoutSource, newDriver DriverFactory, transcriptFor TranscriptSinkFactory, readBufferSize int, connectRateLimit float64, log ops.Logger) *Pool {
	var limiter *rate.Limiter
	if connectRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(connectRateLimit), 1)
	}

	p := &Pool{
		store:          st,
		executor:       exec,
		log:            log,
		cfg:            cfg,
		netCfg:         netCfg,
		newDriver:      newDriver,
		transcriptFor:  transcriptFor,
		readBufferSize: readBufferSize,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		limiter:        limiter,
		slots:          make([]model.WorkerStatus, cfg.MaxConcurrency),
		cancelled:      map[string]bool{},
	}
	for i := range p.slots {
		p.slots[i].WorkerID = fmt.Sprintf("worker-%d", i)
	}

	onEvict := func(_ string, conn *pooledConn) {
		_ = conn.driver.Close()
	}
	p.cache = lru.NewLRU[string, *pooledConn](cfg.MaxConnectionsPerWorker, onEvict, cfg.IdleTimeout())

	return p
}

// Enqueue implements scheduler.Queue: it acquires a concurrency permit and
// runs job to completion in a new goroutine, returning once the permit has
// been acquired (not once the job finishes), so the planner's tick waits
// only while every slot is busy. A redelivered job already in a terminal status is
// dropped, per the queue's at-least-once-but-idempotent contract.
func (p *Pool) Enqueue(ctx context.Context, job model.Job) error {
	current, err := p.store.GetJob(ctx, job.ID)
	if err == nil && current.Terminal() {
		return nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring worker slot: %w", err)
	}

	slot := int(p.nextSlot.Add(1)-1) % len(p.slots)
	go p.run(job, slot)
	return nil
}

// Cancel marks job_id cancelled in the store and flags it so an in-flight
// execution stops cooperatively between commands.
func (p *Pool) Cancel(ctx context.Context, jobID string) error {
	p.cancelMu.Lock()
	p.cancelled[jobID] = true
	p.cancelMu.Unlock()

	return p.store.UpdateStatus(ctx, jobID, model.JobCancelled)
}

func (p *Pool) isCancelled(jobID string) func() bool {
	return func() bool {
		p.cancelMu.Lock()
		defer p.cancelMu.Unlock()
		return p.cancelled[jobID]
	}
}

func (p *Pool) clearCancelled(jobID string) {
	p.cancelMu.Lock()
	delete(p.cancelled, jobID)
	p.cancelMu.Unlock()
}

func (p *Pool) run(job model.Job, slot int) {
	ctx := context.Background()
	defer p.sem.Release(1)
	defer p.clearCancelled(job.ID)

	p.setSlot(slot, job.ID)
	defer p.clearSlot(slot)

	jobLog := ops.ForJob(p.log, job.ID, job.Connection.DeviceType, job.Connection.Host)

	driver, strategy, pooled, err := p.getOrCreate(ctx, job)
	if err != nil {
		jobLog.Log(log.ErrorLevel, log.Fields{"error": err.Error()}, "failed to acquire connection")
		now := time.Now()
		_ = p.store.SaveResult(ctx, job.ID, model.JobFailed, job.StartedAt, &now, err.Error(), job.RetryCount)
		return
	}
	if !pooled {
		defer driver.Close()
	}

	policy := executor.RetryPolicy{MaxRetries: clampRetries(job.MaxRetries), BaseDelay: 100 * time.Millisecond}
	patterns := executor.DriverErrorPatterns(strategy.ErrorPatterns)

	outcome := p.executor.Run(ctx, driver, patterns, job, policy, p.cfg.FailureStrategy, p.cfg.FailureStrategyN, p.isCancelled(job.ID))

	if err := p.store.AppendCommandResults(ctx, job.ID, outcome.Results); err != nil {
		jobLog.Log(log.ErrorLevel, log.Fields{"error": err.Error()}, "failed to persist command results")
	}

	started := job.StartedAt
	if started == nil {
		started = &job.CreatedAt
	}
	now := time.Now()
	errMsg := ""
	if outcome.Status == model.JobFailed {
		errMsg = firstError(outcome.Results)
	}
	if err := p.store.SaveResult(ctx, job.ID, outcome.Status, started, &now, errMsg, job.RetryCount); err != nil {
		jobLog.Log(log.ErrorLevel, log.Fields{"error": err.Error()}, "failed to save job result")
	}

	p.sweepIfDue()
}

func firstError(results []model.CommandResult) string {
	for _, r := range results {
		if r.Error != "" {
			return r.Error
		}
	}
	return ""
}

func clampRetries(n int) int {
	if n <= 0 {
		return 0
	}
	if n > 5 {
		return 5
	}
	return n
}

// autodetectSentinel is the explicit device_type value (§6) that defers
// vendor resolution to a live probe against the connection instead of a
// registry lookup.
const autodetectSentinel = "autodetect"

// getOrCreate implements the connection cache's get-or-create path: reuse a
// live, non-stale entry; otherwise dial under the connect-rate limiter,
// coalescing concurrent dials for the same cache key via singleflight. The
// expirable LRU enforces both the idle-timeout eviction and the
// oldest-evicted-when-full rule internally (via its onEvict callback, which
// closes the evicted connection), so neither needs separate bookkeeping
// here.
func (p *Pool) getOrCreate(ctx context.Context, job model.Job) (Driver, vendordriver.Strategy, bool, error) {
	spec := job.Connection

	if spec.DeviceType == autodetectSentinel {
		driver, strategy, err := p.dialAutodetect(ctx, job, spec)
		return driver, strategy, false, err
	}

	deviceType := vendordriver.ResolveAlias(spec.DeviceType)
	strategy, ok := vendordriver.Registry[deviceType]
	if !ok {
		return nil, vendordriver.Strategy{}, false, netsshx.Validation(fmt.Sprintf("unknown device_type %q", spec.DeviceType))
	}

	if !p.cfg.ConnectionReuse {
		driver, err := p.dial(ctx, job, spec, strategy)
		return driver, strategy, false, err
	}

	key := spec.CacheKey()
	if conn, ok := p.cache.Get(key); ok && conn.driver.State() != vendordriver.Disconnected {
		conn.touch()
		return conn.driver, strategy, true, nil
	}

	v, err, _ := p.dialSF.Do(key, func() (any, error) {
		if conn, ok := p.cache.Get(key); ok && conn.driver.State() != vendordriver.Disconnected {
			conn.touch()
			return conn, nil
		}
		driver, err := p.dial(ctx, job, spec, strategy)
		if err != nil {
			return nil, err
		}
		conn := &pooledConn{driver: driver}
		conn.touch()
		p.cache.Add(key, conn)
		return conn, nil
	})
	if err != nil {
		return nil, strategy, false, err
	}
	return v.(*pooledConn).driver, strategy, true, nil
}

// autodetectCapable is satisfied by *vendordriver.Driver. It is asserted
// against the Driver the pool's DriverFactory returns so autodetect stays
// usable in tests against a fake that doesn't implement it (such a fake
// simply can't be targeted by an autodetect job).
type autodetectCapable interface {
	Banner() string
	Probe(cmd string) (string, error)
	Rebind(strategy vendordriver.Strategy) error
}

// dialAutodetect connects under the neutral AutodetectStrategy, runs the
// probing engine (C4) against the live session, and rebinds the connection
// to the resolved vendor Strategy before handing it back. Connection reuse
// never applies here since the cache key is keyed on device_type and
// "autodetect" itself resolves to a different real device_type per host.
func (p *Pool) dialAutodetect(ctx context.Context, job model.Job, spec model.ConnectionSpec) (Driver, vendordriver.Strategy, error) {
	probe, err := p.dial(ctx, job, spec, vendordriver.AutodetectStrategy)
	if err != nil {
		return nil, vendordriver.Strategy{}, err
	}

	detector, ok := probe.(autodetectCapable)
	if !ok {
		probe.Close()
		return nil, vendordriver.Strategy{}, netsshx.Validation("driver does not support autodetect")
	}

	key, found := autodetect.Detect(detector.Banner(), detector.Probe)
	if !found {
		probe.Close()
		return nil, vendordriver.Strategy{}, netsshx.Validation("autodetect could not determine device_type")
	}

	strategy, ok := vendordriver.ForDeviceType(key)
	if !ok {
		probe.Close()
		return nil, vendordriver.Strategy{}, netsshx.Validation(fmt.Sprintf("autodetect resolved unknown device_type %q", key))
	}

	if err := detector.Rebind(strategy); err != nil {
		probe.Close()
		return nil, vendordriver.Strategy{}, err
	}

	return probe, strategy, nil
}

func (p *Pool) dial(ctx context.Context, job model.Job, spec model.ConnectionSpec, strategy vendordriver.Strategy) (Driver, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for connect rate limit: %w", err)
		}
	}

	connectTimeout := spec.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = p.netCfg.ConnectTimeout()
	}
	commandTimeout := spec.CommandTimeout
	if commandTimeout == 0 {
		commandTimeout = job.CommandTimeout
	}
	if commandTimeout == 0 {
		commandTimeout = p.netCfg.CommandResponseTimeout()
	}

	timeouts := vendordriver.Timeouts{
		Connect:        connectTimeout,
		CommandTimeout: commandTimeout,
		PatternTimeout: commandTimeout,
	}

	driver := p.newDriver(strategy, timeouts, spec.Secret, p.log)

	tspec := transport.Spec{
		Host:           spec.Host,
		Port:           spec.Port,
		Username:       spec.Username,
		Auth:           transport.Auth{Password: spec.Auth.Password, PrivateKey: []byte(spec.Auth.PrivateKey), Passphrase: spec.Auth.Passphrase},
		ConnectTimeout: connectTimeout,
		AuthTimeout:    connectTimeout,
	}

	var sink session.TranscriptSink
	if p.transcriptFor != nil {
		sink = p.transcriptFor(job.ID, 0)
	}

	if err := driver.Connect(ctx, tspec, sink, p.readBufferSize); err != nil {
		metrics.ConnectionDialed(spec.DeviceType, "error")
		return nil, netsshx.New(netsshx.KindConnectionFailed, err)
	}
	metrics.ConnectionDialed(spec.DeviceType, "ok")
	return driver, nil
}

// sweepIfDue runs the idle sweep every 10th job handled, per §4.8. Each
// Get against the expirable LRU already evicts an individually expired
// entry lazily; walking every key forces that check across the whole
// cache rather than waiting for each key's next incidental access.
func (p *Pool) sweepIfDue() {
	if p.jobsHandled.Add(1)%10 != 0 {
		return
	}
	for _, key := range p.cache.Keys() {
		p.cache.Get(key)
	}
}

func (p *Pool) setSlot(slot int, jobID string) {
	p.slotsMu.Lock()
	p.slots[slot].CurrentJobID = jobID
	p.slots[slot].LastHeartbeat = time.Now()
	busy := p.countBusyLocked()
	p.slotsMu.Unlock()
	metrics.SetWorkerSlotsBusy(busy)
}

func (p *Pool) clearSlot(slot int) {
	p.slotsMu.Lock()
	p.slots[slot].CurrentJobID = ""
	p.slots[slot].JobsRun++
	p.slots[slot].LastHeartbeat = time.Now()
	busy := p.countBusyLocked()
	p.slotsMu.Unlock()
	metrics.SetWorkerSlotsBusy(busy)
	metrics.SetPoolOccupancy("pool", p.cache.Len())
}

// countBusyLocked must be called with slotsMu held.
func (p *Pool) countBusyLocked() int {
	busy := 0
	for _, s := range p.slots {
		if s.CurrentJobID != "" {
			busy++
		}
	}
	return busy
}

// Status returns a snapshot of every slot's operational state.
func (p *Pool) Status() []model.WorkerStatus {
	p.slotsMu.Lock()
	defer p.slotsMu.Unlock()
	out := make([]model.WorkerStatus, len(p.slots))
	copy(out, p.slots)
	return out
}

// Close evicts and closes every cached connection.
func (p *Pool) Close() {
	p.cache.Purge()
}
