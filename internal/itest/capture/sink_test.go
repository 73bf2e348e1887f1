package capture

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/blake3"
)

func TestSink_MirrorsToFileAndEcho(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attempt", "output.log")
	var echo bytes.Buffer
	s, err := Open(path, &echo)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Write([]byte("Step 1 of 4: Fetching task...\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := "Step 1 of 4: Fetching task...\npartial"
	if got := string(s.Snapshot()); got != want {
		t.Fatalf("snapshot=%q want %q", got, want)
	}
	if echo.String() != want {
		t.Fatalf("echo=%q want %q", echo.String(), want)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != want {
		t.Fatalf("file=%q want %q", b, want)
	}
}

func TestSink_SnapshotIsACopy(t *testing.T) {
	s, err := Open("", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = s.Write([]byte("abc"))
	snap := s.Snapshot()
	snap[0] = 'X'
	if got := string(s.Snapshot()); got != "abc" {
		t.Fatalf("mutating a snapshot changed the sink: %q", got)
	}
}

func TestSink_WritesAfterCloseAreDropped(t *testing.T) {
	s, _ := Open("", nil)
	_, _ = s.Write([]byte("kept\n"))
	_ = s.Close()
	n, err := s.Write([]byte("dropped\n"))
	if err != nil || n != len("dropped\n") {
		t.Fatalf("write after close: n=%d err=%v", n, err)
	}
	if got := string(s.Snapshot()); got != "kept\n" {
		t.Fatalf("snapshot=%q", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestSink_EchoFailureDoesNotFailWriter(t *testing.T) {
	s, _ := Open("", failingWriter{})
	n, err := s.Write([]byte("line\n"))
	if err != nil || n != 5 {
		t.Fatalf("Write returned n=%d err=%v", n, err)
	}
	_ = s.Close()
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "broken pipe") {
		t.Fatalf("expected recorded echo error, got %v", s.Err())
	}
}

// blockingWriter never returns from Write until release is closed.
type blockingWriter struct{ release chan struct{} }

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestSink_StalledEchoDoesNotBlockWritersOrReaders(t *testing.T) {
	w := blockingWriter{release: make(chan struct{})}
	defer close(w.release)
	path := filepath.Join(t.TempDir(), "output.log")
	s, err := Open(path, w)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4*EchoQueueLen; i++ {
			_, _ = s.Write([]byte("hello\n"))
			_ = s.Snapshot()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Write/Snapshot blocked behind a stalled echo target")
	}
	if got := s.Len(); got != 4*EchoQueueLen*len("hello\n") {
		t.Fatalf("len=%d", got)
	}

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if waited := time.Since(start); waited > EchoDrainTimeout+time.Second {
		t.Fatalf("Close waited %s on a stalled echo target", waited)
	}
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "stalled") {
		t.Fatalf("expected stalled echo to be reported, got %v", s.Err())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(b) != s.Len() {
		t.Fatalf("mirror file has %d bytes, sink has %d", len(b), s.Len())
	}
}

func TestSink_ConcurrentWritersAndReaders(t *testing.T) {
	s, _ := Open("", nil)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, _ = s.Write([]byte("x\n"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = s.Snapshot()
			_ = s.Tail(3)
		}
	}()
	wg.Wait()
	if s.Len() != 1000 {
		t.Fatalf("len=%d want 1000", s.Len())
	}
}

func TestTailLines(t *testing.T) {
	got := TailLines([]byte("a\nb\r\nc\nd\n\n"), 2)
	if strings.Join(got, "|") != "c|d" {
		t.Fatalf("tail=%q", got)
	}
	if got := TailLines([]byte("only"), 5); len(got) != 1 || got[0] != "only" {
		t.Fatalf("tail=%q", got)
	}
	if got := TailLines(nil, 5); got != nil {
		t.Fatalf("expected nil tail for empty input, got %q", got)
	}
}

func TestSink_Digest(t *testing.T) {
	s, _ := Open("", nil)
	_, _ = s.Write([]byte("Step 4 of 4: Proof submitted successfully\n"))
	sum := blake3.Sum256([]byte("Step 4 of 4: Proof submitted successfully\n"))
	if got, want := s.Digest(), hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("digest=%s want %s", got, want)
	}
}
