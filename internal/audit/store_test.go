package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit_test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.RecordDecision(context.Background(), Decision{Provider: "claude", Reason: "current provider healthy"}); err != nil {
		t.Errorf("RecordDecision() error = %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/path/audit.db")
	if err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

func TestRecordTransition_AutoID(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	err := s.RecordTransition(context.Background(), Transition{
		Timestamp:  now,
		Provider:   "gemini",
		Event:      "unavailable",
		Reason:     "error",
		CooldownMs: 300000,
	})
	if err != nil {
		t.Fatalf("RecordTransition() error = %v", err)
	}

	got, err := s.RecentTransitions(0)
	if err != nil {
		t.Fatalf("RecentTransitions() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentTransitions() returned %d rows, want 1", len(got))
	}
	tr := got[0]
	if tr.ID == "" {
		t.Error("RecordTransition() should generate an ID when empty")
	}
	if tr.Provider != "gemini" || tr.Event != "unavailable" || tr.Reason != "error" {
		t.Errorf("transition = %+v, want gemini/unavailable/error", tr)
	}
	if tr.CooldownMs != 300000 {
		t.Errorf("CooldownMs = %d, want 300000", tr.CooldownMs)
	}
	if want := now.UTC().Truncate(time.Second); !tr.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", tr.Timestamp, want)
	}
}

func TestRecentTransitions_NewestFirst(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	for i, ev := range []string{"unavailable", "recovered", "unavailable"} {
		err := s.RecordTransition(context.Background(), Transition{
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			Provider:  "ollama",
			Event:     ev,
		})
		if err != nil {
			t.Fatalf("RecordTransition() error = %v", err)
		}
	}

	got, err := s.RecentTransitions(2)
	if err != nil {
		t.Fatalf("RecentTransitions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentTransitions(2) returned %d rows, want 2", len(got))
	}
	if got[0].Event != "unavailable" || got[1].Event != "recovered" {
		t.Errorf("order = [%s %s], want [unavailable recovered]", got[0].Event, got[1].Event)
	}
}

func TestRecordDecision_RoundTrip(t *testing.T) {
	s := testStore(t)

	err := s.RecordDecision(context.Background(), Decision{
		Provider: "openai",
		Degraded: true,
		Reason:   "no eligible provider in chain; returning current degraded",
	})
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}

	got, err := s.RecentDecisions(0)
	if err != nil {
		t.Fatalf("RecentDecisions() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentDecisions() returned %d rows, want 1", len(got))
	}
	d := got[0]
	if d.Provider != "openai" || !d.Degraded {
		t.Errorf("decision = %+v, want degraded openai", d)
	}
	if d.Reason != "no eligible provider in chain; returning current degraded" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestRecordDispatch_RoundTrip(t *testing.T) {
	s := testStore(t)

	tests := []struct {
		name string
		d    Dispatch
	}{
		{
			name: "success",
			d: Dispatch{
				RequestID:    "req-1",
				Caller:       "chat",
				Priority:     "normal",
				Provider:     "claude",
				Model:        "claude-sonnet-4-5",
				OK:           true,
				InputTokens:  12,
				OutputTokens: 5,
				DurationMs:   840,
			},
		},
		{
			name: "failure",
			d: Dispatch{
				RequestID:  "req-2",
				Caller:     "recovery",
				Priority:   "recovery",
				Provider:   "gemini",
				OK:         false,
				Error:      "timeout",
				DurationMs: 30000,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RecordDispatch(context.Background(), tt.d); err != nil {
				t.Fatalf("RecordDispatch() error = %v", err)
			}

			got, err := s.RecentDispatches(1)
			if err != nil {
				t.Fatalf("RecentDispatches() error = %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("RecentDispatches(1) returned %d rows, want 1", len(got))
			}
			d := got[0]
			if d.RequestID != tt.d.RequestID || d.Caller != tt.d.Caller || d.Priority != tt.d.Priority {
				t.Errorf("dispatch = %+v, want %+v", d, tt.d)
			}
			if d.OK != tt.d.OK || d.Error != tt.d.Error {
				t.Errorf("OK/Error = %v/%q, want %v/%q", d.OK, d.Error, tt.d.OK, tt.d.Error)
			}
			if d.InputTokens != tt.d.InputTokens || d.OutputTokens != tt.d.OutputTokens {
				t.Errorf("tokens = %d/%d, want %d/%d", d.InputTokens, d.OutputTokens, tt.d.InputTokens, tt.d.OutputTokens)
			}
			if d.DurationMs != tt.d.DurationMs {
				t.Errorf("DurationMs = %d, want %d", d.DurationMs, tt.d.DurationMs)
			}
		})
	}
}

func TestRecordRecovery_RoundTrip(t *testing.T) {
	s := testStore(t)

	err := s.RecordRecovery(context.Background(), Recovery{
		OperationID:      "op_3",
		Operation:        "read_file",
		Disposition:      "recovered",
		RecoveryPossible: true,
		Operations:       2,
		Reasoning:        "The path was wrong; retrying with the absolute path.",
	})
	if err != nil {
		t.Fatalf("RecordRecovery() error = %v", err)
	}

	got, err := s.RecentRecoveries(0)
	if err != nil {
		t.Fatalf("RecentRecoveries() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentRecoveries() returned %d rows, want 1", len(got))
	}
	r := got[0]
	if r.OperationID != "op_3" || r.Operation != "read_file" || r.Disposition != "recovered" {
		t.Errorf("recovery = %+v", r)
	}
	if !r.RecoveryPossible || r.Operations != 2 {
		t.Errorf("RecoveryPossible/Operations = %v/%d, want true/2", r.RecoveryPossible, r.Operations)
	}
	if r.Reasoning != "The path was wrong; retrying with the absolute path." {
		t.Errorf("Reasoning = %q", r.Reasoning)
	}
}

func TestDispatchSummary(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	rows := []Dispatch{
		{Timestamp: now, Provider: "claude", OK: true, InputTokens: 10, OutputTokens: 20},
		{Timestamp: now, Provider: "claude", OK: true, InputTokens: 5, OutputTokens: 5},
		{Timestamp: now, Provider: "gemini", OK: false, Error: "timeout"},
	}
	for _, d := range rows {
		if err := s.RecordDispatch(context.Background(), d); err != nil {
			t.Fatalf("RecordDispatch() error = %v", err)
		}
	}

	sum, err := s.DispatchSummary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("DispatchSummary() error = %v", err)
	}
	if sum.TotalDispatches != 3 {
		t.Errorf("TotalDispatches = %d, want 3", sum.TotalDispatches)
	}
	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 2/1", sum.Succeeded, sum.Failed)
	}
	if sum.TotalInputTokens != 15 || sum.TotalOutputTokens != 25 {
		t.Errorf("tokens = %d/%d, want 15/25", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
}

func TestDispatchSummary_EmptyWindow(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	sum, err := s.DispatchSummary(now.Add(-time.Hour), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("DispatchSummary() error = %v", err)
	}
	if sum == nil {
		t.Fatal("DispatchSummary() returned nil for empty window")
	}
	if sum.TotalDispatches != 0 || sum.Succeeded != 0 || sum.Failed != 0 {
		t.Errorf("empty window summary = %+v, want zeros", sum)
	}
}

func TestDispatchSummaryByProvider(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	rows := []Dispatch{
		{Timestamp: now, Provider: "claude", OK: true, InputTokens: 10, OutputTokens: 20},
		{Timestamp: now, Provider: "claude", OK: false, Error: "timeout"},
		{Timestamp: now, Provider: "openai", OK: true, InputTokens: 7, OutputTokens: 3},
	}
	for _, d := range rows {
		if err := s.RecordDispatch(context.Background(), d); err != nil {
			t.Fatalf("RecordDispatch() error = %v", err)
		}
	}

	byProvider, err := s.DispatchSummaryByProvider(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("DispatchSummaryByProvider() error = %v", err)
	}
	if len(byProvider) != 2 {
		t.Fatalf("DispatchSummaryByProvider() returned %d groups, want 2", len(byProvider))
	}
	claude := byProvider["claude"]
	if claude == nil || claude.TotalDispatches != 2 || claude.Succeeded != 1 || claude.Failed != 1 {
		t.Errorf("claude summary = %+v, want 2 total, 1/1", claude)
	}
	openai := byProvider["openai"]
	if openai == nil || openai.TotalDispatches != 1 || openai.TotalInputTokens != 7 {
		t.Errorf("openai summary = %+v, want 1 total, 7 input tokens", openai)
	}
}

func TestDispatchSummaryByCaller_EmptyCallerGroupsUnderBlank(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	rows := []Dispatch{
		{Timestamp: now, Provider: "claude", Caller: "chat", OK: true},
		{Timestamp: now, Provider: "claude", OK: true},
	}
	for _, d := range rows {
		if err := s.RecordDispatch(context.Background(), d); err != nil {
			t.Fatalf("RecordDispatch() error = %v", err)
		}
	}

	byCaller, err := s.DispatchSummaryByCaller(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("DispatchSummaryByCaller() error = %v", err)
	}
	if byCaller["chat"] == nil || byCaller["chat"].TotalDispatches != 1 {
		t.Errorf("chat group = %+v, want 1 dispatch", byCaller["chat"])
	}
	if byCaller[""] == nil || byCaller[""].TotalDispatches != 1 {
		t.Errorf("blank group = %+v, want 1 dispatch", byCaller[""])
	}
}
