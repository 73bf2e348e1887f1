package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type FinalStatus string

const (
	FinalPass FinalStatus = "pass"
	FinalFail FinalStatus = "fail"
)

// AttemptSummary is the persisted view of one attempt.
type AttemptSummary struct {
	ID           string    `json:"id"`
	Index        int       `json:"index"`
	Candidate    string    `json:"candidate"`
	Outcome      string    `json:"outcome"`
	ExitCode     int       `json:"exit_code"`
	ExitKind     string    `json:"exit_kind"`
	Phase        string    `json:"phase"`
	Escalated    bool      `json:"escalated"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	OutputPath   string    `json:"output_path,omitempty"`
	OutputBytes  int       `json:"output_bytes"`
	OutputBLAKE3 string    `json:"output_blake3,omitempty"`
}

// FinalOutcome is written to final.json once a run has a verdict.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID           string `json:"run_id"`
	CandidateSource string `json:"candidate_source,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`

	Attempts []AttemptSummary `json:"attempts"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	if fo.Attempts == nil {
		fo.Attempts = []AttemptSummary{}
	}
	return WriteJSONAtomicFile(path, fo)
}

func LoadFinalOutcome(path string) (*FinalOutcome, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fo FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &fo, nil
}

// WriteJSONAtomicFile writes v as indented JSON via a temp file and rename, so
// readers never observe a partial document.
func WriteJSONAtomicFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
