// Package supervisor spawns the worker process, tracks its liveness and shuts
// it down with a graceful-then-forced escalation.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zrcxvs/nexus-cli/internal/itest/procutil"
)

// ErrBinaryNotFound is returned by Spawn when the worker executable does not
// resolve to a runnable file.
var ErrBinaryNotFound = errors.New("worker binary not found")

const (
	DefaultTermGrace = 2 * time.Second
	// DefaultWaitDelay bounds how long Wait keeps draining output after the
	// worker itself has exited (an orphaned grandchild may hold the pipe).
	DefaultWaitDelay = 2 * time.Second
)

type ExitKind string

const (
	ExitNatural      ExitKind = "natural"
	ExitGracefulStop ExitKind = "graceful_stop"
	ExitForcedKill   ExitKind = "forced_kill"
)

// Exit describes how a worker ended. Code follows the shell convention of
// 128+signal for signal deaths.
type Exit struct {
	Code   int      `json:"code"`
	Kind   ExitKind `json:"kind"`
	Signal string   `json:"signal,omitempty"`
}

// Command is one worker invocation. Output receives merged stdout/stderr.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Output io.Writer
}

type Supervisor struct {
	TermGrace time.Duration
	WaitDelay time.Duration
	Logger    *log.Logger
}

// Spawn resolves and starts the worker in its own process group.
func (s *Supervisor) Spawn(c Command) (*Process, error) {
	path, err := ResolveBinary(c.Path)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	// Same writer for both streams: exec merges them onto one pipe.
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.waitDelay()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, path, err)
		}
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	p := &Process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		done:      make(chan struct{}),
		termGrace: s.termGrace(),
		logger:    s.Logger,
	}
	go p.reap()
	return p, nil
}

func (s *Supervisor) termGrace() time.Duration {
	if s == nil || s.TermGrace <= 0 {
		return DefaultTermGrace
	}
	return s.TermGrace
}

func (s *Supervisor) waitDelay() time.Duration {
	if s == nil || s.WaitDelay <= 0 {
		return DefaultWaitDelay
	}
	return s.WaitDelay
}

// Process is a handle to one spawned worker.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	done      chan struct{}
	termGrace time.Duration
	logger    *log.Logger

	mu        sync.Mutex
	sent      ExitKind
	exit      Exit
	termDone  chan struct{}
	termErr   error
	terms     int
	kills     int
	escalated bool
}

func (p *Process) PID() int { return p.pid }

// Done is closed once the worker has been reaped and its output drained.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the worker has exited and returns its exit description.
func (p *Process) Wait() Exit {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Escalated reports whether Terminate had to send SIGKILL.
func (p *Process) Escalated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escalated
}

// Terminations returns how many SIGTERMs were sent to the worker's group.
func (p *Process) Terminations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms
}

// Kills returns how many forced kills were issued.
func (p *Process) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

// Terminate stops the worker: SIGTERM to its group, up to the termination
// grace for it to exit, then a single SIGKILL. It returns only after the
// worker has been reaped. Repeated and concurrent calls share the first
// call's result.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.termDone != nil {
		ch := p.termDone
		p.mu.Unlock()
		<-ch
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.termErr
	}
	p.termDone = make(chan struct{})
	p.mu.Unlock()

	err := p.terminate()

	p.mu.Lock()
	p.termErr = err
	close(p.termDone)
	p.mu.Unlock()
	return err
}

func (p *Process) terminate() error {
	if !p.Alive() {
		return nil
	}
	p.setSent(ExitGracefulStop)
	p.mu.Lock()
	p.terms++
	p.mu.Unlock()
	stopErr := procutil.SignalGroup(p.pid, syscall.SIGTERM)
	if stopErr == nil {
		timer := time.NewTimer(p.termGrace)
		select {
		case <-p.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	p.mu.Lock()
	p.sent = ExitForcedKill
	p.escalated = true
	p.kills++
	p.mu.Unlock()
	if p.logger != nil {
		p.logger.Printf("worker pid=%d ignored SIGTERM for %s; sending SIGKILL", p.pid, p.termGrace)
	}
	if err := procutil.SignalGroup(p.pid, syscall.SIGKILL); err != nil {
		// The group signal failed; the direct child can still be killed.
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return fmt.Errorf("kill pid %d: %w", p.pid, errors.Join(err, kerr))
		}
	}
	<-p.done
	if stopErr != nil {
		return fmt.Errorf("SIGTERM pid %d: %w", p.pid, stopErr)
	}
	return nil
}

func (p *Process) setSent(k ExitKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == "" {
		p.sent = k
	}
}

func (p *Process) reap() {
	_ = p.cmd.Wait()
	p.mu.Lock()
	p.exit = exitFromState(p.cmd.ProcessState, p.sent)
	p.mu.Unlock()
	close(p.done)
}

func exitFromState(state *os.ProcessState, sent ExitKind) Exit {
	kind := sent
	if kind == "" {
		kind = ExitNatural
	}
	if state == nil {
		return Exit{Code: -1, Kind: kind}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		if sent == "" {
			// Killed by someone else; report what the signal implies.
			switch sig {
			case syscall.SIGKILL:
				kind = ExitForcedKill
			case syscall.SIGTERM, syscall.SIGINT:
				kind = ExitGracefulStop
			}
		}
		return Exit{Code: 128 + int(sig), Kind: kind, Signal: sig.String()}
	}
	return Exit{Code: state.ExitCode(), Kind: kind}
}
