package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestTransport builds a Transport around an arbitrary stdout reader,
// bypassing Connect's SSH handshake, and starts the same persistent read
// loop Connect does.
func newTestTransport(stdout io.Reader) *Transport {
	t := &Transport{
		stdout:   stdout,
		readCh:   make(chan readChunk, 64),
		readStop: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// TestReadDeliversEveryByteAcrossManyShortPolls mirrors Session's ~10ms
// polling loop: many Read calls with short deadlines race against a writer
// trickling bytes in slowly. Every byte written must eventually surface
// through some Read call — a per-call goroutine design loses whichever
// goroutine's result nobody is listening for anymore.
func TestReadDeliversEveryByteAcrossManyShortPolls(t *testing.T) {
	pr, pw := io.Pipe()
	tr := newTestTransport(pr)

	const want = 50
	go func() {
		for i := 0; i < want; i++ {
			pw.Write([]byte{'x'})
			time.Sleep(2 * time.Millisecond)
		}
		pw.Close()
	}()

	var got []byte
	buf := make([]byte, 4)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := tr.Read(buf, time.Now().Add(5*time.Millisecond))
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}

	require.Len(t, got, want, "every byte written must be observed exactly once across repeated short-deadline polls")
}

// TestReadSplitsAChunkAcrossMultipleCallsWithoutLoss verifies the leftover
// buffering: a single underlying Read can deliver more bytes than the
// caller's buf can hold in one call, and those bytes must still come back
// whole across subsequent calls rather than being dropped.
func TestReadSplitsAChunkAcrossMultipleCallsWithoutLoss(t *testing.T) {
	pr, pw := io.Pipe()
	tr := newTestTransport(pr)

	go func() {
		pw.Write([]byte("hello world"))
		pw.Close()
	}()

	var got []byte
	buf := make([]byte, 3)
	for {
		n, err := tr.Read(buf, time.Now().Add(time.Second))
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}

	require.Equal(t, "hello world", string(got))
}

// TestReadReturnsEmptyOnDeadlineWithoutError exercises the non-error empty
// read the session layer's polling loop depends on.
func TestReadReturnsEmptyOnDeadlineWithoutError(t *testing.T) {
	pr, _ := io.Pipe()
	tr := newTestTransport(pr)

	n, err := tr.Read(make([]byte, 8), time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestReadNeverRunsTwoConcurrentUnderlyingReads guards the actual defect:
// a stdout implementation that panics/fails if Read is invoked
// concurrently from two goroutines. The old per-call-goroutine design would
// trip this under exactly the polling pattern Session uses.
func TestReadNeverRunsTwoConcurrentUnderlyingReads(t *testing.T) {
	cr := &concurrencyCheckingReader{}
	tr := newTestTransport(cr)

	buf := make([]byte, 8)
	for i := 0; i < 20; i++ {
		_, err := tr.Read(buf, time.Now().Add(3*time.Millisecond))
		require.NoError(t, err)
	}
	require.False(t, cr.sawConcurrent.Load(), "stdout must never be read from two goroutines at once")
}

type concurrencyCheckingReader struct {
	mu            sync.Mutex
	inFlight      bool
	sawConcurrent atomic.Bool
}

func (r *concurrencyCheckingReader) Read(buf []byte) (int, error) {
	r.mu.Lock()
	if r.inFlight {
		r.sawConcurrent.Store(true)
	}
	r.inFlight = true
	r.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	r.mu.Lock()
	r.inFlight = false
	r.mu.Unlock()

	n := copy(buf, "z")
	return n, nil
}
