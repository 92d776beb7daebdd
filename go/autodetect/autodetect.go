// Package autodetect implements the probing engine (C4): it ranks
// candidate device_types by running registry commands (or inspecting the
// SSH banner) against a session with no driver yet bound.
package autodetect

import (
	"regexp"
)

// Dispatch selects how a Candidate is evaluated.
type Dispatch int

const (
	// StandardCommand sends Candidate.Cmd and scans the response.
	StandardCommand Dispatch = iota
	// RemoteBanner scans the SSH pre-auth banner instead of sending a command.
	RemoteBanner
)

// Candidate is one entry in the autodetect registry.
type Candidate struct {
	Key      string
	Cmd      string
	Patterns []*regexp.Regexp
	Priority uint8
	Dispatch Dispatch
}

var invalidResponsePatterns = compileAll([]string{
	`% Invalid input detected`,
	`syntax error, expecting`,
	`Error: Unrecognized command`,
	`%Error`,
	`command not found`,
	`Syntax Error: unexpected argument`,
	`% Unrecognized command found at`,
	`% Unknown command, the error locates at`,
})

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Registry is the full candidate list, in the fixed order it is tried.
// Entries with Priority >= highConfidenceThreshold short-circuit detection.
var Registry = []Candidate{
	{Key: "cisco_xe", Cmd: "show version", Priority: 99, Patterns: compileAll([]string{`Cisco IOS XE Software`})},
	{Key: "cisco_xr", Cmd: "show version", Priority: 99, Patterns: compileAll([]string{`Cisco IOS XR`})},
	{Key: "cisco_nxos", Cmd: "show version", Priority: 99, Patterns: compileAll([]string{`Cisco Nexus Operating System`, `NX-OS`})},
	{Key: "cisco_asa", Cmd: "show version", Priority: 99, Patterns: compileAll([]string{`Cisco Adaptive Security Appliance`, `Cisco ASA`})},
	{Key: "juniper_junos", Cmd: "show version", Priority: 99, Patterns: compileAll([]string{`JUNOS Software Release`, `JUNOS .+ Software`, `JUNOS OS Kernel`, `JUNOS Base Version`})},
	{Key: "cisco_wlc", Dispatch: RemoteBanner, Priority: 99, Patterns: compileAll([]string{`CISCO_WLC`})},
	{Key: "cisco_ios", Cmd: "show version", Priority: 95, Patterns: compileAll([]string{`Cisco IOS Software`, `Cisco Internetwork Operating System Software`})},
}

const highConfidenceThreshold = 99

// deviceAliases mirrors vendordriver.ResolveAlias without importing it, so
// autodetect has no dependency on the driver package — only the rewrite
// rule itself is shared in meaning, per the device_factory.rs origin.
var deviceAliases = map[string]string{
	"cisco_wlc_85": "cisco_wlc",
	"cisco_xr_2":   "cisco_xr",
}

func resolveAlias(key string) string {
	if alias, ok := deviceAliases[key]; ok {
		return alias
	}
	return key
}

// Detect runs the registry, sending StandardCommand candidates through
// sendCmd (which owns clear_buffer, per-session response caching is done
// here) and scoring RemoteBanner candidates against banner. Returns the
// winning device_type key (alias-rewritten), or ("", false) if nothing
// scored above zero.
func Detect(banner string, sendCmd func(cmd string) (string, error)) (string, bool) {
	matches := map[string]uint8{}
	cache := map[string]string{}

	for _, c := range Registry {
		var score uint8
		switch c.Dispatch {
		case RemoteBanner:
			score = scoreResponse(banner, c.Patterns, c.Priority)
		default:
			if c.Cmd == "" {
				continue
			}
			resp, ok := cache[c.Cmd]
			if !ok {
				out, err := sendCmd(c.Cmd)
				if err != nil {
					continue
				}
				resp = out
				cache[c.Cmd] = resp
			}
			score = scoreResponse(resp, c.Patterns, c.Priority)
		}

		if score == 0 {
			continue
		}
		matches[c.Key] = score
		if score >= highConfidenceThreshold {
			return resolveAlias(c.Key), true
		}
	}

	if len(matches) == 0 {
		return "", false
	}

	var best string
	var bestScore uint8
	for _, c := range Registry {
		score, ok := matches[c.Key]
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = c.Key
		}
	}
	return resolveAlias(best), true
}

// scoreResponse returns 0 if any invalid-response pattern matches response,
// else priority if any of patterns match, else 0.
func scoreResponse(response string, patterns []*regexp.Regexp, priority uint8) uint8 {
	for _, invalid := range invalidResponsePatterns {
		if invalid.MatchString(response) {
			return 0
		}
	}
	for _, p := range patterns {
		if p.MatchString(response) {
			return priority
		}
	}
	return 0
}
