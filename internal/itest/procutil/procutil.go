// Package procutil holds low-level process helpers shared by the worker
// supervisor and the status/stop commands.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDAlive reports whether pid names a live (non-zombie) process.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pidZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// SignalGroup delivers sig to the process group led by pid. When pid is not a
// group leader (or the group is already gone) it falls back to the single pid.
// A missing process is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	target := pid
	if pgid == pid {
		// Negative pid addresses the whole group (worker plus its children).
		target = -pgid
	}
	if err := syscall.Kill(target, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// ReadPIDStartTime returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat). It pairs with pid to detect pid reuse.
func ReadPIDStartTime(pid int) (uint64, error) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, err
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	// Fields after the command name start at field 3 (state).
	fields := strings.Fields(line[closeIdx+2:])
	const startTimeIdx = 22 - 3
	if len(fields) <= startTimeIdx {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.ParseUint(fields[startTimeIdx], 10, 64)
}

// ReadPIDCmdline returns the argv of pid, via procfs or ps.
func ReadPIDCmdline(pid int) ([]string, error) {
	if !ProcFSAvailable() {
		out, err := exec.Command("ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
		if err != nil {
			return nil, err
		}
		return splitNonEmpty(string(out), " "), nil
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(string(b), "\x00"), nil
}

func splitNonEmpty(raw, sep string) []string {
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func pidZombie(pid int) bool {
	if !ProcFSAvailable() {
		return pidZombieFromPS(pid)
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	return state[0] == 'Z' || state[0] == 'X'
}
