// Package capture buffers everything a supervised worker writes.
package capture

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Sink is an append-only output log. It is the single writer target for the
// worker's merged stdout/stderr and can be read concurrently through
// Snapshot and Tail.
//
// Write never returns an error to the caller: a failing mirror file or echo
// target must not stall or kill the worker. The first such error is kept and
// reported by Err. Echo runs on its own goroutine behind a bounded queue;
// chunks that do not fit are dropped rather than waited for.
type Sink struct {
	mu     sync.RWMutex
	buf    bytes.Buffer
	closed bool
	err    error

	fileMu sync.Mutex
	file   *os.File

	echoMu      sync.Mutex
	echoQ       chan []byte
	echoDone    chan struct{}
	echoDropped int
}

// EchoQueueLen bounds the number of output chunks waiting for the echo target.
const EchoQueueLen = 256

// EchoDrainTimeout bounds how long Close waits for queued echo output.
var EchoDrainTimeout = 500 * time.Millisecond

// Open creates a sink mirrored to path. echo may be nil.
func Open(path string, echo io.Writer) (*Sink, error) {
	s := &Sink{}
	if strings.TrimSpace(path) != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		s.file = f
	}
	if echo != nil {
		s.echoQ = make(chan []byte, EchoQueueLen)
		s.echoDone = make(chan struct{})
		go s.runEcho(echo)
	}
	return s, nil
}

func (s *Sink) runEcho(w io.Writer) {
	defer close(s.echoDone)
	for p := range s.echoQ {
		if _, err := w.Write(p); err != nil {
			s.setErr(fmt.Errorf("capture echo: %w", err))
		}
	}
}

func (s *Sink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return len(p), nil
	}
	s.buf.Write(p)
	s.mu.Unlock()

	s.fileMu.Lock()
	if s.file != nil {
		if _, err := s.file.Write(p); err != nil {
			s.setErr(fmt.Errorf("capture file: %w", err))
		}
	}
	s.fileMu.Unlock()

	s.enqueueEcho(p)
	return len(p), nil
}

// enqueueEcho never blocks; io.Writer callers may reuse p, so it is copied.
func (s *Sink) enqueueEcho(p []byte) {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	if s.echoQ == nil {
		return
	}
	select {
	case s.echoQ <- append([]byte(nil), p...):
	default:
		s.echoDropped += len(p)
	}
}

// Snapshot returns a stable copy of everything captured so far.
func (s *Sink) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

// Len returns the number of bytes captured.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.Len()
}

// Tail returns at most n trailing lines of the captured output. A trailing
// partial line counts as a line.
func (s *Sink) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	return TailLines(s.Snapshot(), n)
}

// Digest returns the hex BLAKE3-256 digest of the captured bytes.
func (s *Sink) Digest() string {
	sum := blake3.Sum256(s.Snapshot())
	return hex.EncodeToString(sum[:])
}

// Err reports the first mirror or echo failure, if any.
func (s *Sink) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close stops accepting output, closes the mirror file and waits up to
// EchoDrainTimeout for queued echo output. It is safe to call more than once;
// buffered content stays readable.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.echoMu.Lock()
	q, done, dropped := s.echoQ, s.echoDone, s.echoDropped
	if q != nil {
		close(q)
		s.echoQ = nil
	}
	s.echoMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(EchoDrainTimeout):
			s.setErr(fmt.Errorf("capture echo: target stalled, abandoned queued output"))
		}
	}
	if dropped > 0 {
		s.setErr(fmt.Errorf("capture echo: target stalled, dropped %d bytes", dropped))
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// TailLines returns the last n lines of b.
func TailLines(b []byte, n int) []string {
	if n <= 0 || len(b) == 0 {
		return nil
	}
	text := strings.TrimRight(string(b), "\r\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}
