package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrCode_DirectAndWrapped(t *testing.T) {
	direct := NewPipelineError(ErrCodeNavBlocked, "blocked", nil)
	if got := ErrCode(direct); got != ErrCodeNavBlocked {
		t.Errorf("ErrCode(direct) = %q, want %q", got, ErrCodeNavBlocked)
	}

	wrapped := fmt.Errorf("worker: %w", NewPipelineError(ErrCodeNavTimeout, "slow", errors.New("deadline")))
	if got := ErrCode(wrapped); got != ErrCodeNavTimeout {
		t.Errorf("ErrCode(wrapped) = %q, want %q", got, ErrCodeNavTimeout)
	}
}

func TestErrCode_UnclassifiedIsInternal(t *testing.T) {
	if got := ErrCode(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("ErrCode(plain) = %q, want %q", got, ErrCodeInternal)
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewPipelineError(ErrCodeNavTransient, "load failed", cause)

	if !errors.Is(err, cause) {
		t.Error("PipelineError should unwrap to its cause")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{ErrCodeNavTimeout, true},
		{ErrCodeNavTransient, true},
		{ErrCodeNavBlocked, false},
		{ErrCodeNavNotFound, false},
		{ErrCodeExtractMissingKey, false},
		{ErrCodePersistIO, false},
		{ErrCodeConfigInvalid, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := IsRetryable(tt.code); got != tt.want {
				t.Errorf("IsRetryable(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestContentHash_IgnoresProvenance(t *testing.T) {
	fields := map[string]string{"views": "100", "likes": "5"}
	a := Record{EntityID: "video:1", Fields: fields, SessionID: "s1", ExtractedAt: time.Now()}
	b := Record{EntityID: "video:1", Fields: fields, SessionID: "s2", ExtractedAt: time.Now().Add(time.Hour)}

	if a.ContentHash() != b.ContentHash() {
		t.Error("records differing only in provenance should hash identically")
	}
}

func TestContentHash_SensitiveToFieldsAndEntity(t *testing.T) {
	base := Record{EntityID: "video:1", Fields: map[string]string{"views": "100"}}

	changed := Record{EntityID: "video:1", Fields: map[string]string{"views": "101"}}
	if base.ContentHash() == changed.ContentHash() {
		t.Error("changed field value should change the hash")
	}

	otherEntity := Record{EntityID: "video:2", Fields: map[string]string{"views": "100"}}
	if base.ContentHash() == otherEntity.ContentHash() {
		t.Error("different entity id should change the hash")
	}
}

func TestAccountEntityID_DailyKey(t *testing.T) {
	day := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	got := AccountEntityID("alice", day)
	want := "account:alice:2026-08-30"
	if got != want {
		t.Errorf("AccountEntityID = %q, want %q", got, want)
	}
}

func TestTargetKey_DistinguishesCursors(t *testing.T) {
	seed := ProfileTarget("alice")
	deeper := seed
	deeper.Cursor = "1:00000000deadbeef"

	if seed.Key() == deeper.Key() {
		t.Error("targets with different cursors must have different keys")
	}
}

func TestRunState_Summary(t *testing.T) {
	state := &RunState{
		RunID:            "r1",
		Phase:            RunCompleted,
		TargetsProcessed: 4,
		RecordsInserted:  3,
		FailuresByKind:   map[string]int{ErrCodeNavBlocked: 2, ErrCodeNavTimeout: 1},
		StartedAt:        time.Now().Add(-time.Minute),
		FinishedAt:       time.Now(),
	}

	if got := state.Failures(); got != 3 {
		t.Errorf("Failures() = %d, want 3", got)
	}

	summary := state.Summary()
	if !summary.Succeeded() {
		t.Error("completed run should report success")
	}
	if summary.Duration <= 0 {
		t.Error("summary duration should be positive")
	}

	// The summary must be detached from the live state.
	state.FailuresByKind[ErrCodeNavBlocked] = 99
	if summary.FailuresByKind[ErrCodeNavBlocked] != 2 {
		t.Error("summary failure map should be a copy, not a reference")
	}
}
