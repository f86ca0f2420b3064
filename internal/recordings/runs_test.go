package recordings

import (
	"testing"
	"time"

	"soundfleet/pkg/models"
)

func TestHasCompletedRun(t *testing.T) {
	now := time.Now().UTC()
	failure := "step failed"

	rec := &models.Recording{
		Analysis: models.AnalysisContainer{
			Runs: map[string]models.AnalysisRun{
				"r1": {
					Context:      models.RunContext{AnalysisConfigID: "cfg-a"},
					CompletedAt:  &now,
					ErrorMessage: &failure,
				},
				"r2": {
					Context:     models.RunContext{AnalysisConfigID: "cfg-b"},
					CompletedAt: &now,
				},
				"r3": {
					Context: models.RunContext{AnalysisConfigID: "cfg-c"},
				},
			},
		},
	}

	if HasCompletedRun(rec, "cfg-a") {
		t.Fatalf("failed run should not count as completed")
	}
	if !HasCompletedRun(rec, "cfg-b") {
		t.Fatalf("expected completed run for cfg-b")
	}
	if HasCompletedRun(rec, "cfg-c") {
		t.Fatalf("in-flight run should not count as completed")
	}
	if HasCompletedRun(rec, "cfg-missing") {
		t.Fatalf("unknown config should not count as completed")
	}
	if HasCompletedRun(nil, "cfg-b") {
		t.Fatalf("nil recording should not count as completed")
	}
}
