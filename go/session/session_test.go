package session

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport replays a fixed sequence of chunks, one per Read call,
// regardless of the requested deadline.
type fakeTransport struct {
	chunks [][]byte
	idx    int
}

func (f *fakeTransport) Read(buf []byte, deadline time.Time) (int, error) {
	if f.idx >= len(f.chunks) {
		time.Sleep(time.Until(deadline))
		return 0, nil
	}
	c := f.chunks[f.idx]
	f.idx++
	n := copy(buf, c)
	return n, nil
}

func (f *fakeTransport) Write(b []byte) (int, error) { return len(b), nil }

func TestNormalizationApply(t *testing.T) {
	cases := []struct {
		name string
		norm Normalization
		in   string
		want string
	}{
		{"plain crlf", Normalization{}, "a\r\nb\r\n", "a\nb\n"},
		{"stray cr", Normalization{}, "a\rb", "a\nb"},
		{"nxos extended", Normalization{ExtendedCRLF: true}, "a\r\r\n\rb", "a\nb"},
		{"ansi strip", Normalization{StripANSI: true}, "a\x1B[2Kb", "ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.norm.Apply(tc.in))
		})
	}
}

func TestReadUntilPattern(t *testing.T) {
	transport := &fakeTransport{chunks: [][]byte{[]byte("Router>"), []byte("show ver\n")}}
	s := New(transport, Normalization{}, nil, nil, 0)

	out, err := s.ReadUntilPattern(regexp.MustCompile(`>`), time.Second)
	require.NoError(t, err)
	require.Equal(t, "Router>", out)
}

func TestReadUntilPatternTimeout(t *testing.T) {
	transport := &fakeTransport{}
	s := New(transport, Normalization{}, nil, nil, 0)

	_, err := s.ReadUntilPattern(regexp.MustCompile(`never`), 20*time.Millisecond)
	require.Error(t, err)
}

func TestReadUntilPrompt(t *testing.T) {
	transport := &fakeTransport{chunks: [][]byte{[]byte("show version\n"), []byte("Cisco IOS\nRouter#")}}
	s := New(transport, Normalization{}, nil, nil, 0)

	out, err := s.ReadUntilPrompt(">#", time.Second)
	require.NoError(t, err)
	require.Contains(t, out, "Router#")
}

func TestSendCommandStripsEchoAndPrompt(t *testing.T) {
	transport := &fakeTransport{chunks: [][]byte{[]byte("show version\nCisco IOS Software\nRouter#")}}
	s := New(transport, Normalization{}, nil, nil, 0)

	out, err := s.SendCommand("show version", SendOptions{
		Terminators: ">#",
		Timeout:     time.Second,
		StripEcho:   true,
		StripPrompt: true,
	})
	require.NoError(t, err)
	require.Equal(t, "Cisco IOS Software\n", out)
}

type recordingSink struct {
	chunks [][]byte
}

func (r *recordingSink) Append(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.chunks = append(r.chunks, cp)
	return nil
}

func TestTranscriptSinkReceivesRawChunks(t *testing.T) {
	transport := &fakeTransport{chunks: [][]byte{[]byte("Router>")}}
	sink := &recordingSink{}
	s := New(transport, Normalization{}, sink, nil, 0)

	_, err := s.ReadUntilPattern(regexp.MustCompile(`>`), time.Second)
	require.NoError(t, err)
	require.Len(t, sink.chunks, 1)
	require.Equal(t, "Router>", string(sink.chunks[0]))
}
