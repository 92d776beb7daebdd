// Package vendordriver implements the per-vendor CLI state machine (C3) as
// strategy composition: a single generic execution loop consults a small
// DriverStrategy record rather than a per-vendor type hierarchy, per the
// trait-object-to-composition re-architecture.
package vendordriver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/netsshio/netsshd/go/netsshx"
	"github.com/netsshio/netsshd/go/ops"
	"github.com/netsshio/netsshd/go/session"
	"github.com/netsshio/netsshd/go/transport"
)

// State is a Driver's position in the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	CliReady
	Privileged
	ConfigMode
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case CliReady:
		return "CliReady"
	case Privileged:
		return "Privileged"
	case ConfigMode:
		return "ConfigMode"
	default:
		return "Unknown"
	}
}

// Strategy carries everything that differs between device_types; the
// Driver's loop is otherwise identical across vendors.
type Strategy struct {
	DeviceType string

	// PromptTerminators lists the characters that may end a base prompt,
	// e.g. ">#" for Cisco, "%>#" for BSD-like shells.
	PromptTerminators string
	// DefaultPromptFallback is used when prompt discovery times out.
	DefaultPromptFallback string

	// TerminalSettingsCmds are sent in order during session_prepare, e.g.
	// {"terminal width 511", "terminal length 0"} for IOS/XR/NX-OS.
	TerminalSettingsCmds []string

	// EnableCmd is sent to escalate to Privileged; empty means the device
	// has no separate privileged mode (e.g. Junos).
	EnableCmd string
	// EnablePasswordPrompt is matched to decide whether to send the secret.
	EnablePasswordPrompt string
	ExitEnableCmd         string

	ConfigModeCmd     string
	ExitConfigModeCmd string
	ConfigModePromptContains string // substring indicating ConfigMode, e.g. "(config"

	SaveCmd     string
	SaveTimeout time.Duration // zero means use the caller's default command timeout

	ErrorPatterns []string

	ExtendedCRLF bool
	StripANSI    bool
}

// deviceAliases maps detection-time/alias device_type strings to the
// strategy they should resolve to, applied both by Autodetect and by
// driver construction (§C.6 of the supplemented features).
var deviceAliases = map[string]string{
	"cisco_wlc_85": "cisco_wlc",
	"cisco_xr_2":   "cisco_xr",
}

// ResolveAlias rewrites a device_type through the alias table, returning
// the input unchanged if no alias applies.
func ResolveAlias(deviceType string) string {
	if alias, ok := deviceAliases[deviceType]; ok {
		return alias
	}
	return deviceType
}

// AutodetectStrategy is the neutral strategy a Driver connects with while
// its real device_type is still unknown: every registered Strategy uses
// ">#" prompt terminators (§6), so prompt discovery works unmodified, and
// no vendor-specific terminal settings or privilege escalation are run
// until Rebind selects the real Strategy.
var AutodetectStrategy = Strategy{
	DeviceType:        "autodetect",
	PromptTerminators: ">#",
}

var (
	errorPatternsMu    sync.RWMutex
	errorPatternsCache = map[string][]*regexp.Regexp{}
)

// compiledErrorPatterns is called on every SendCommand, potentially from
// many worker goroutines running different device_types concurrently, so
// the cache needs real synchronization rather than a bare map.
func (s Strategy) compiledErrorPatterns() []*regexp.Regexp {
	errorPatternsMu.RLock()
	cached, ok := errorPatternsCache[s.DeviceType]
	errorPatternsMu.RUnlock()
	if ok {
		return cached
	}

	compiled := make([]*regexp.Regexp, 0, len(s.ErrorPatterns))
	for _, p := range s.ErrorPatterns {
		compiled = append(compiled, regexp.MustCompile(regexp.QuoteMeta(p)))
	}

	errorPatternsMu.Lock()
	errorPatternsCache[s.DeviceType] = compiled
	errorPatternsMu.Unlock()
	return compiled
}

// Timeouts bundles the durations the driver needs that are not
// vendor-specific, sourced from config.NetworkConfig at construction time.
type Timeouts struct {
	Connect        time.Duration
	CommandTimeout time.Duration
	PatternTimeout time.Duration
}

// Driver is a stateful CLI session bound to one device connection.
type Driver struct {
	strategy Strategy
	timeouts Timeouts
	secret   string
	log      ops.Logger

	transport *transport.Transport
	session   *session.Session

	state      State
	basePrompt string
}

// New constructs a Driver in the Disconnected state for the given
// (already alias-resolved) strategy.
func New(strategy Strategy, timeouts Timeouts, secret string, log ops.Logger) *Driver {
	return &Driver{strategy: strategy, timeouts: timeouts, secret: secret, log: log, state: Disconnected}
}

func (d *Driver) State() State { return d.state }

// Connect opens the Transport and Session I/O, then runs session_prepare.
// Idempotent: calling Connect when already connected is a no-op.
func (d *Driver) Connect(ctx context.Context, spec transport.Spec, sessionLog session.TranscriptSink, readBufSize int) error {
	if d.state != Disconnected {
		return nil
	}
	d.state = Connecting

	t, err := transport.Connect(ctx, spec)
	if err != nil {
		d.state = Disconnected
		return err
	}
	d.transport = t

	d.session = session.New(t, session.Normalization{
		StripANSI:    d.strategy.StripANSI,
		ExtendedCRLF: d.strategy.ExtendedCRLF,
	}, sessionLog, d.log, readBufSize)

	if err := d.sessionPrepare(); err != nil {
		d.state = Disconnected
		t.Close()
		return err
	}
	return nil
}

func (d *Driver) sessionPrepare() error {
	if err := d.discoverPrompt(); err != nil {
		d.basePrompt = d.strategy.DefaultPromptFallback
	}
	d.state = CliReady

	if err := d.terminalSettings(); err != nil {
		return err
	}

	if d.strategy.EnableCmd != "" {
		if err := d.Enable(); err != nil {
			return err
		}
	} else {
		d.state = Privileged
	}
	return nil
}

// discoverPrompt sends a bare newline and reads until a terminator
// character, taking the last non-empty line and trimming its terminator.
func (d *Driver) discoverPrompt() error {
	if err := d.session.WriteLine(""); err != nil {
		return err
	}
	pattern := regexp.MustCompile("[" + regexp.QuoteMeta(d.strategy.PromptTerminators) + "]\\s*$")
	out, err := d.session.ReadUntilPattern(pattern, d.timeouts.PatternTimeout)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	d.basePrompt = strings.TrimRight(last, d.strategy.PromptTerminators)
	return nil
}

func (d *Driver) promptRegex() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(d.basePrompt) + `[` + regexp.QuoteMeta(d.strategy.PromptTerminators) + `]\s*$`)
}

func (d *Driver) terminalSettings() error {
	for _, cmd := range d.strategy.TerminalSettingsCmds {
		if _, err := d.sendRaw(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Enable escalates CliReady -> Privileged.
func (d *Driver) Enable() error {
	if d.state == Privileged || d.state == ConfigMode {
		return nil
	}
	if d.state != CliReady {
		return netsshx.New(netsshx.KindInvalidOperation, fmt.Errorf("enable requires CliReady, got %s", d.state))
	}
	if d.strategy.EnableCmd == "" {
		d.state = Privileged
		return nil
	}

	opts := session.SendOptions{Terminators: d.strategy.PromptTerminators, Timeout: d.timeouts.CommandTimeout, StripEcho: true}
	if d.strategy.EnablePasswordPrompt != "" {
		// Stop at the password prompt too, so the secret goes out as soon as
		// it is asked for.
		opts.PromptPattern = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(d.strategy.EnablePasswordPrompt) + `|[` + regexp.QuoteMeta(d.strategy.PromptTerminators) + `]\s*$`)
	} else if d.basePrompt != "" {
		opts.PromptPattern = d.promptRegex()
	}
	out, err := d.session.SendCommand(d.strategy.EnableCmd, opts)
	if err != nil {
		return err
	}
	if d.strategy.EnablePasswordPrompt != "" && strings.Contains(strings.ToLower(out), strings.ToLower(d.strategy.EnablePasswordPrompt)) {
		if _, err := d.sendRaw(d.secret); err != nil {
			return err
		}
	}
	d.state = Privileged
	return nil
}

// ExitEnable de-escalates Privileged -> CliReady.
func (d *Driver) ExitEnable() error {
	if d.state != Privileged {
		return nil
	}
	if d.strategy.ExitEnableCmd == "" {
		return nil
	}
	if _, err := d.sendRaw(d.strategy.ExitEnableCmd); err != nil {
		return err
	}
	d.state = CliReady
	return nil
}

// CheckConfigMode reports whether the driver believes it is currently in
// ConfigMode, based solely on its own state tracking; the device prompt is
// not inspected, here or in ConfigModeEnter/ConfigModeExit.
func (d *Driver) CheckConfigMode() bool {
	return d.state == ConfigMode
}

// ConfigModeEnter escalates Privileged -> ConfigMode.
func (d *Driver) ConfigModeEnter() error {
	if d.state == ConfigMode {
		return nil
	}
	if d.state != Privileged {
		return netsshx.New(netsshx.KindInvalidOperation, fmt.Errorf("config_mode requires Privileged, got %s", d.state))
	}
	if _, err := d.sendRaw(d.strategy.ConfigModeCmd); err != nil {
		return err
	}
	d.state = ConfigMode
	return nil
}

// ConfigModeExit de-escalates ConfigMode -> Privileged.
func (d *Driver) ConfigModeExit() error {
	if d.state != ConfigMode {
		return nil
	}
	if _, err := d.sendRaw(d.strategy.ExitConfigModeCmd); err != nil {
		return err
	}
	d.state = Privileged
	return nil
}

// SaveConfig runs the vendor save command, using the strategy's
// SaveTimeout when set (NX-OS's long-tolerant form per spec.md §9).
func (d *Driver) SaveConfig() (string, error) {
	if d.state != Privileged && d.state != ConfigMode {
		return "", netsshx.New(netsshx.KindInvalidOperation, fmt.Errorf("save_config requires Privileged, got %s", d.state))
	}
	timeout := d.timeouts.CommandTimeout
	if d.strategy.SaveTimeout > 0 {
		timeout = d.strategy.SaveTimeout
	}
	return d.sendCommandWithTimeout(d.strategy.SaveCmd, timeout)
}

// SendCommand writes cmd, reads its response, and reclassifies a
// vendor-error-pattern match as CommandError carrying the original output.
func (d *Driver) SendCommand(cmd string) (string, error) {
	out, err := d.sendCommandWithTimeout(cmd, d.timeouts.CommandTimeout)
	if err != nil {
		return out, err
	}
	for _, pattern := range d.strategy.compiledErrorPatterns() {
		if pattern.MatchString(out) {
			return out, netsshx.CommandErrorWithOutput(
				fmt.Sprintf("vendor error pattern matched: %s", pattern.String()), out)
		}
	}
	return out, nil
}

func (d *Driver) sendRaw(cmd string) (string, error) {
	return d.sendCommandWithTimeout(cmd, d.timeouts.CommandTimeout)
}

func (d *Driver) sendCommandWithTimeout(cmd string, timeout time.Duration) (string, error) {
	if d.session == nil {
		return "", netsshx.New(netsshx.KindNotConnected, fmt.Errorf("send_command before connect"))
	}
	opts := session.SendOptions{
		Terminators: d.strategy.PromptTerminators,
		Timeout:     timeout,
		StripEcho:   true,
		StripPrompt: true,
	}
	if d.basePrompt != "" {
		opts.PromptPattern = d.promptRegex()
	}
	return d.session.SendCommand(cmd, opts)
}

// Close performs the best-effort shutdown sequence: exit config mode,
// exit enable mode, close the transport. All steps are non-fatal; errors
// are swallowed, matching the original's "close never fails" posture.
func (d *Driver) Close() error {
	if d.state == Disconnected {
		return nil
	}
	_ = d.ConfigModeExit()
	_ = d.ExitEnable()
	d.state = Disconnected
	if d.transport != nil {
		return d.transport.Close()
	}
	return nil
}

// BasePrompt returns the discovered (or fallback) base prompt.
func (d *Driver) BasePrompt() string { return d.basePrompt }

// Banner returns the SSH pre-authentication banner captured at Connect
// time, used by Autodetect's RemoteBanner dispatch (e.g. cisco_wlc).
func (d *Driver) Banner() string {
	if d.transport == nil {
		return ""
	}
	return d.transport.Banner()
}

// Probe sends cmd and returns its response, for use by autodetect.Detect
// against a Driver still connected under AutodetectStrategy.
func (d *Driver) Probe(cmd string) (string, error) {
	return d.sendRaw(cmd)
}

// Rebind switches a Driver connected under AutodetectStrategy to the
// resolved vendor Strategy and completes session_prepare under it: the real
// prompt terminators may differ from the neutral ones used to probe, so
// prompt discovery, terminal settings, and privilege escalation all run
// again exactly as they would on an ordinary Connect.
func (d *Driver) Rebind(strategy Strategy) error {
	if d.state == Disconnected {
		return netsshx.New(netsshx.KindNotConnected, fmt.Errorf("rebind before connect"))
	}
	d.strategy = strategy
	return d.sessionPrepare()
}
