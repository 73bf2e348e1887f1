package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFinalOutcome_Save_WritesJSON(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "final.json")
	fo := &FinalOutcome{
		Timestamp: time.Unix(123, 0).UTC(),
		Status:    FinalPass,
		RunID:     "r1",
		Attempts: []AttemptSummary{
			{Index: 1, Candidate: "5880437", Outcome: "success", ExitCode: 0, ExitKind: "natural"},
		},
	}
	if err := fo.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadFinalOutcome(p)
	if err != nil {
		t.Fatalf("LoadFinalOutcome: %v", err)
	}
	if got.Status != FinalPass || got.RunID != "r1" || len(got.Attempts) != 1 || got.Attempts[0].Candidate != "5880437" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	entries, err := os.ReadDir(filepath.Dir(p))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only final.json (no temp leftovers), got %d entries", len(entries))
	}
}

func TestFinalOutcome_Save_PersistsFailureReasonAndEmptyAttempts(t *testing.T) {
	p := filepath.Join(t.TempDir(), "final.json")
	fo := &FinalOutcome{
		Timestamp:     time.Unix(123, 0).UTC(),
		Status:        FinalFail,
		RunID:         "r1",
		FailureReason: "no candidates configured",
	}
	if err := fo.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["failure_reason"] != "no candidates configured" {
		t.Fatalf("failure_reason=%v", got["failure_reason"])
	}
	if attempts, ok := got["attempts"].([]any); !ok || len(attempts) != 0 {
		t.Fatalf("attempts=%v want empty array", got["attempts"])
	}
}

func TestFinalOutcome_SaveNil(t *testing.T) {
	var fo *FinalOutcome
	if err := fo.Save(filepath.Join(t.TempDir(), "final.json")); err == nil {
		t.Fatalf("expected error saving nil outcome")
	}
}
