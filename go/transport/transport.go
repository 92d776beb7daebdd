// Package transport implements the byte-level SSH channel (C1): connect,
// read, write, close, and keepalive over an interactive shell, with no
// opinion about prompts or vendor behavior — that belongs to the session
// and driver layers above it.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netsshio/netsshd/go/netsshx"
)

// Auth selects exactly one of password or private-key authentication, per
// the ConnectionSpec invariant in the data model.
type Auth struct {
	Password   string
	PrivateKey []byte
	Passphrase string
}

func (a Auth) validate() error {
	hasPassword := a.Password != ""
	hasKey := len(a.PrivateKey) > 0
	if hasPassword == hasKey {
		return netsshx.Validation("exactly one of password or private key must be set")
	}
	return nil
}

func (a Auth) methods() ([]ssh.AuthMethod, error) {
	if a.Password != "" {
		return []ssh.AuthMethod{ssh.Password(a.Password)}, nil
	}
	var signer ssh.Signer
	var err error
	if a.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(a.PrivateKey, []byte(a.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(a.PrivateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Spec names everything Transport needs to open a channel. It carries no
// device_type or secret: nothing below the driver layer uses them.
type Spec struct {
	Host           string
	Port           int
	Username       string
	Auth           Auth
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
}

func (s Spec) addr() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", port))
}

// Transport is an open, authenticated SSH channel over an interactive
// shell. All methods are safe to call only from the owning goroutine;
// Session I/O above provides the synchronization the worker pool relies on.
// The one exception is the internal read loop: a single persistent
// goroutine owns the blocking Read calls against stdout for the lifetime of
// the Transport, so Read itself never has to spawn one per call.
type Transport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	banner string
	closed bool

	keepaliveStop chan struct{}

	readCh   chan readChunk
	readStop chan struct{}
	leftover []byte
	readErr  error
}

// readChunkSize bounds each underlying stdout Read the background loop
// performs; it is independent of any caller-supplied buffer size since the
// loop never reads directly into a caller's buf.
const readChunkSize = 4096

// readChunk is one delivery from the background read loop: either some
// bytes, or the terminal error that ended the loop. A single underlying
// Read returning both (e.g. a final chunk with io.EOF) is split into two
// deliveries so a chunk is never silently dropped alongside its error.
type readChunk struct {
	data []byte
	err  error
}

// readLoop is the Transport's single persistent reader. It runs for the
// life of the Transport, decoupling the blocking syscall from Read's
// deadline-bounded polling so no two goroutines ever read the same
// underlying stream concurrently.
func (t *Transport) readLoop() {
	for {
		buf := make([]byte, readChunkSize)
		n, err := t.stdout.Read(buf)
		if n > 0 {
			select {
			case t.readCh <- readChunk{data: buf[:n]}:
			case <-t.readStop:
				return
			}
		}
		if err != nil {
			select {
			case t.readCh <- readChunk{err: err}:
			case <-t.readStop:
			}
			return
		}
	}
}

// Connect dials spec.Host, completes the SSH handshake and authentication,
// opens a session channel, and requests an interactive shell. The returned
// Transport's remote banner is available via Banner().
func Connect(ctx context.Context, spec Spec) (*Transport, error) {
	if err := spec.Auth.validate(); err != nil {
		return nil, err
	}
	methods, err := spec.Auth.methods()
	if err != nil {
		return nil, netsshx.New(netsshx.KindAuthenticationFailed, err)
	}

	var banner string
	config := &ssh.ClientConfig{
		User:            spec.Username,
		Auth:            methods,
		Timeout:         spec.AuthTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		BannerCallback: func(message string) error {
			banner = message
			return nil
		},
	}

	dialer := net.Dialer{Timeout: spec.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", spec.addr())
	if err != nil {
		return nil, netsshx.New(netsshx.KindConnectionFailed, fmt.Errorf("dialing %s: %w", spec.addr(), err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, spec.addr(), config)
	if err != nil {
		conn.Close()
		if isAuthErr(err) {
			return nil, netsshx.New(netsshx.KindAuthenticationFailed, err)
		}
		return nil, netsshx.New(netsshx.KindConnectionFailed, fmt.Errorf("ssh handshake: %w", err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, netsshx.New(netsshx.KindConnectionFailed, fmt.Errorf("opening session: %w", err))
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("vt100", 200, 512, modes); err != nil {
		session.Close()
		client.Close()
		return nil, netsshx.New(netsshx.KindConnectionFailed, fmt.Errorf("requesting pty: %w", err))
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, netsshx.New(netsshx.KindConnectionFailed, fmt.Errorf("opening stdin pipe: %w", err))
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, netsshx.New(netsshx.KindConnectionFailed, fmt.Errorf("opening stdout pipe: %w", err))
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, netsshx.New(netsshx.KindConnectionFailed, fmt.Errorf("requesting shell: %w", err))
	}

	t := &Transport{
		client:   client,
		session:  session,
		stdin:    stdin,
		stdout:   stdout,
		banner:   banner,
		readCh:   make(chan readChunk, 64),
		readStop: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func isAuthErr(err error) bool {
	_, ok := err.(*ssh.PassphraseMissingError)
	if ok {
		return true
	}
	return err != nil && (err.Error() == "ssh: handshake failed: ssh: unable to authenticate, attempted methods [none], no supported methods remain" ||
		containsAuthFailure(err.Error()))
}

func containsAuthFailure(msg string) bool {
	for _, needle := range []string{"unable to authenticate", "authentication failed"} {
		if indexOf(msg, needle) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// Banner returns the SSH pre-authentication banner, if any, used by
// Autodetect's RemoteBanner dispatch.
func (t *Transport) Banner() string { return t.banner }

// Write sends bytes on the shell's stdin.
func (t *Transport) Write(b []byte) (int, error) {
	if t.closed {
		return 0, netsshx.New(netsshx.KindNotConnected, fmt.Errorf("write on closed transport"))
	}
	n, err := t.stdin.Write(b)
	if err != nil {
		return n, netsshx.New(netsshx.KindChannelClosed, err)
	}
	return n, nil
}

// Read performs one bounded read. Deadline is a point in time; an empty
// read (n=0, err=nil) is returned if the deadline elapses with no data
// available, which is not itself an error — the caller decides whether
// that constitutes a timeout.
//
// Read never blocks on the underlying stdout Read directly: a single
// background goroutine (started in Connect) owns that call for the life of
// the Transport, and Read only drains bytes it has already delivered (or
// waits, with a deadline, for the next delivery). This keeps exactly one
// outstanding stdout.Read at a time no matter how Read is polled.
func (t *Transport) Read(buf []byte, deadline time.Time) (int, error) {
	if t.closed {
		return 0, netsshx.New(netsshx.KindNotConnected, fmt.Errorf("read on closed transport"))
	}

	if len(t.leftover) > 0 {
		n := copy(buf, t.leftover)
		t.leftover = t.leftover[n:]
		return n, nil
	}
	if t.readErr != nil {
		return 0, t.wrapReadErr(t.readErr)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case chunk := <-t.readCh:
		if chunk.err != nil {
			t.readErr = chunk.err
			return 0, t.wrapReadErr(chunk.err)
		}
		n := copy(buf, chunk.data)
		if n < len(chunk.data) {
			t.leftover = chunk.data[n:]
		}
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

func (t *Transport) wrapReadErr(err error) error {
	return netsshx.New(netsshx.KindChannelClosed, err)
}

// Eof reports whether this Transport has been closed locally via Close. It
// does not observe the peer closing its side; Read returning ChannelClosed
// is the signal for that.
func (t *Transport) Eof() bool {
	return t.closed
}

// KeepaliveEnable starts a background goroutine sending SSH keepalive
// global requests at interval. A zero or negative interval starts nothing
// and does not stop a keepalive already running; a call while one is
// running is likewise a no-op. Close stops it.
func (t *Transport) KeepaliveEnable(interval time.Duration) {
	if interval <= 0 || t.keepaliveStop != nil {
		return
	}
	stop := make(chan struct{})
	t.keepaliveStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _, err := t.client.SendRequest("keepalive@netsshd", true, nil)
				if err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

// Close is idempotent: repeated calls are a no-op after the first.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.keepaliveStop != nil {
		close(t.keepaliveStop)
	}
	close(t.readStop)
	t.session.Close()
	return t.client.Close()
}
