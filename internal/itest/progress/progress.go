// Package progress records machine-readable run events. Every event is
// appended to progress.ndjson and the latest one is mirrored to live.json.
package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zrcxvs/nexus-cli/internal/itest/runtime"
)

const (
	FileName     = "progress.ndjson"
	LiveFileName = "live.json"
)

// Log is safe for concurrent use. A nil *Log discards events.
type Log struct {
	mu       sync.Mutex
	runID    string
	f        *os.File
	livePath string
	now      func() time.Time
}

func Open(logsRoot, runID string) (*Log, error) {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logsRoot, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{
		runID:    runID,
		f:        f,
		livePath: filepath.Join(logsRoot, LiveFileName),
		now:      time.Now,
	}, nil
}

// Append stamps ev with ts and run_id and records it. Recording is
// best-effort: an orchestrator run never fails because an event was lost.
func (l *Log) Append(ev map[string]any) {
	if l == nil || ev == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		out[k] = v
	}
	out["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	if l.runID != "" {
		out["run_id"] = l.runID
	}
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	if l.f != nil {
		_, _ = l.f.Write(append(b, '\n'))
	}
	_ = runtime.WriteJSONAtomicFile(l.livePath, out)
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
