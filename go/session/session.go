// Package session implements the buffered channel reader/writer (C2):
// prompt-regex anchored reads, CR-LF and ANSI normalization, and
// pattern-timeout semantics on top of a byte-level Transport.
package session

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"github.com/netsshio/netsshd/go/netsshx"
	"github.com/netsshio/netsshd/go/ops"
)

// Transport is the byte-level capability Session wraps. transport.Transport
// satisfies it; tests substitute a fake.
type Transport interface {
	Read(buf []byte, deadline time.Time) (int, error)
	Write(b []byte) (int, error)
}

// TranscriptSink receives raw bytes for session transcript capture (§A.1).
// A nil sink disables transcript logging.
type TranscriptSink interface {
	Append(data []byte) error
}

var ansiEscape = regexp.MustCompile(`\x1B\[[0-9;]*[A-Za-z]`)

// Normalization holds the composable, deterministic text-cleanup policy
// applied before pattern matching, per §4.2.
type Normalization struct {
	StripANSI    bool
	ExtendedCRLF bool // NX-OS's \r\r\n\r -> \n rule, in addition to the standard rules
}

// Apply runs the configured normalization passes, in order: ANSI stripping
// first, then CR-LF normalization, matching the Rust original's processing
// order (strip, then normalize_linefeeds).
func (n Normalization) Apply(s string) string {
	if n.StripANSI {
		s = ansiEscape.ReplaceAllString(s, "")
	}
	if n.ExtendedCRLF {
		s = strings.ReplaceAll(s, "\r\r\n\r", "\n")
	}
	s = strings.ReplaceAll(s, "\r\r\n", "\n")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

const pollInterval = 10 * time.Millisecond

// Session is a prompt-anchored text I/O layer over a Transport.
type Session struct {
	transport     Transport
	normalization Normalization
	transcript    TranscriptSink
	log           ops.Logger
	readBufSize   int

	buf bytes.Buffer // bytes accumulated but not yet consumed by a read call
}

// New wraps transport with the given normalization policy. log and
// transcript may be nil.
func New(transport Transport, norm Normalization, transcript TranscriptSink, log ops.Logger, readBufSize int) *Session {
	if readBufSize <= 0 {
		readBufSize = 65536
	}
	return &Session{
		transport:     transport,
		normalization: norm,
		transcript:    transcript,
		log:           log,
		readBufSize:   readBufSize,
	}
}

// WriteLine writes s followed by a newline.
func (s *Session) WriteLine(line string) error {
	_, err := s.transport.Write([]byte(line + "\n"))
	return err
}

// readChunk performs one Transport.Read, normalizes it, appends it to the
// transcript sink, and returns the normalized text (possibly empty).
func (s *Session) readChunk(deadline time.Time) (string, error) {
	raw := make([]byte, s.readBufSize)
	n, err := s.transport.Read(raw, deadline)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	chunk := raw[:n]
	if s.transcript != nil {
		_ = s.transcript.Append(chunk)
	}
	return s.normalization.Apply(string(chunk)), nil
}

// ReadUntilPattern accumulates normalized output until pattern matches
// within the accumulator, or returns Timeout after timeout elapses.
func (s *Session) ReadUntilPattern(pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	var output strings.Builder

	for {
		if time.Now().After(deadline) {
			return output.String(), netsshx.Timeout(pattern.String())
		}

		chunkDeadline := time.Now().Add(pollInterval)
		if chunkDeadline.After(deadline) {
			chunkDeadline = deadline
		}
		chunk, err := s.readChunk(chunkDeadline)
		if err != nil {
			return output.String(), err
		}
		if chunk != "" {
			output.WriteString(chunk)
			if pattern.MatchString(output.String()) {
				return output.String(), nil
			}
		}
	}
}

// ReadUntilPrompt reads until the last non-empty line ends in one of the
// prompt terminators, sending a bare newline if no data has arrived for a
// while. Unlike ReadUntilPattern, a timeout with partial output returns
// that output rather than an error, matching the original's tolerance for
// slow-but-alive devices.
func (s *Session) ReadUntilPrompt(terminators string, timeout time.Duration) (string, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	var output strings.Builder
	lastDataAt := start

	for time.Now().Before(deadline) {
		chunkDeadline := time.Now().Add(pollInterval)
		if chunkDeadline.After(deadline) {
			chunkDeadline = deadline
		}
		chunk, err := s.readChunk(chunkDeadline)
		if err != nil {
			if output.Len() > 0 {
				return output.String(), nil
			}
			return "", err
		}

		if chunk != "" {
			output.WriteString(chunk)
			lastDataAt = time.Now()
			if lastLineEndsInTerminator(output.String(), terminators) {
				return output.String(), nil
			}
		} else if time.Since(lastDataAt) > 5*time.Second {
			_ = s.WriteLine("")
			lastDataAt = time.Now()
		}
	}

	if output.Len() > 0 {
		return output.String(), nil
	}
	return "", netsshx.Timeout("prompt")
}

func lastLineEndsInTerminator(text, terminators string) bool {
	lines := strings.Split(text, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return false
	}
	return strings.ContainsAny(last[len(last)-1:], terminators)
}

// ClearBuffer drains pending bytes with exponential backoff: sleep,
// read, repeat, doubling the sleep on each non-empty read, capped at
// backoffMax, up to 10 iterations or the first empty read.
func (s *Session) ClearBuffer(backoff bool, backoffMax time.Duration) string {
	sleep := 100 * time.Millisecond
	var output strings.Builder

	for i := 0; i < 10; i++ {
		time.Sleep(sleep)

		chunk, err := s.readChunk(time.Now().Add(pollInterval))
		if err != nil {
			break
		}
		output.WriteString(chunk)
		if chunk == "" {
			break
		}
		if backoff {
			sleep *= 2
			if sleep > backoffMax {
				sleep = backoffMax
			}
		}
	}
	return output.String()
}

// SendOptions controls SendCommand's post-processing.
type SendOptions struct {
	Terminators string
	// PromptPattern, when set, anchors the read to the discovered base
	// prompt (§4.3) instead of the looser bare-terminator check
	// ReadUntilPrompt performs before a base prompt is known.
	PromptPattern *regexp.Regexp
	Timeout       time.Duration
	StripPrompt   bool
	StripEcho     bool
}

// SendCommand writes cmd followed by a newline, then reads until prompt.
// When StripEcho is set the command's own echoed first line is removed;
// when StripPrompt is set the trailing prompt line is removed.
func (s *Session) SendCommand(cmd string, opts SendOptions) (string, error) {
	if err := s.WriteLine(cmd); err != nil {
		return "", err
	}

	var out string
	var err error
	if opts.PromptPattern != nil {
		out, err = s.ReadUntilPattern(opts.PromptPattern, opts.Timeout)
	} else {
		out, err = s.ReadUntilPrompt(opts.Terminators, opts.Timeout)
	}
	if err != nil {
		return out, err
	}

	if opts.StripEcho {
		out = stripFirstLineIfEcho(out, cmd)
	}
	if opts.StripPrompt {
		out = stripLastLine(out)
	}
	return out, nil
}

func stripFirstLineIfEcho(output, cmd string) string {
	idx := strings.Index(output, "\n")
	if idx < 0 {
		return output
	}
	if strings.TrimSpace(output[:idx]) == strings.TrimSpace(cmd) {
		return output[idx+1:]
	}
	return output
}

func stripLastLine(output string) string {
	idx := strings.LastIndex(strings.TrimRight(output, "\n"), "\n")
	if idx < 0 {
		return ""
	}
	return output[:idx+1]
}
