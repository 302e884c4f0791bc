package types

import (
	"testing"
	"time"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from    QueryStatus
		trigger Trigger
		want    QueryStatus
		ok      bool
	}{
		{QueryPending, TriggerAccept, QueryAccepted, true},
		{QueryTransferred, TriggerAccept, QueryInProgress, true},
		{QueryAccepted, TriggerFirstMessage, QueryInProgress, true},
		{QueryAccepted, TriggerTransfer, QueryTransferred, true},
		{QueryInProgress, TriggerTransfer, QueryTransferred, true},
		{QueryInProgress, TriggerResolve, QueryResolved, true},
		{QueryPending, TriggerSweep, QueryExpired, true},
		{QueryResolved, TriggerReopen, QueryPending, true},
		{QueryExpired, TriggerReopen, QueryPending, true},
		{QueryPending, TriggerResolve, "", false},
		{QueryResolved, TriggerAccept, "", false},
		{QueryExpired, TriggerSweep, "", false},
		{QueryInProgress, TriggerAccept, "", false},
		{QueryPending, TriggerReopen, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, ok := NextStatus(tt.from, tt.trigger)
			if ok != tt.ok || got != tt.want {
				t.Errorf("NextStatus(%s, %s) = %s, %v; want %s, %v", tt.from, tt.trigger, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSourceStatusesOrdered(t *testing.T) {
	got := SourceStatuses(TriggerSweep)
	want := []QueryStatus{QueryPending, QueryAccepted, QueryInProgress, QueryTransferred}
	if len(got) != len(want) {
		t.Fatalf("expected %d statuses, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	q := &Query{
		CaseID:     "CS-1",
		AssignedAt: &now,
		TransferHistory: []TransferRecord{
			{ID: "t1", Status: TransferRequested},
		},
	}

	c := q.Clone()
	c.TransferHistory[0].Accept(now)
	later := now.Add(time.Hour)
	*c.AssignedAt = later

	if q.TransferHistory[0].Status != TransferRequested {
		t.Error("clone shares transfer history with original")
	}
	if !q.AssignedAt.Equal(now) {
		t.Error("clone shares assignedAt with original")
	}
}

func TestPendingTransfer(t *testing.T) {
	q := &Query{}
	if q.PendingTransfer() != nil {
		t.Error("expected no pending transfer on empty history")
	}

	q.TransferHistory = append(q.TransferHistory, TransferRecord{ID: "t1", Status: TransferRejected})
	if q.PendingTransfer() != nil {
		t.Error("rejected record must not count as pending")
	}

	q.TransferHistory = append(q.TransferHistory, TransferRecord{ID: "t2", Status: TransferRequested})
	if p := q.PendingTransfer(); p == nil || p.ID != "t2" {
		t.Errorf("expected t2 pending, got %+v", p)
	}
}

func TestTouchSlidesExpiry(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	q := &Query{}
	q.Touch(t0, 24*time.Hour)
	if !q.ExpiresAt.Equal(t0.Add(24 * time.Hour)) {
		t.Errorf("unexpected expiry %v", q.ExpiresAt)
	}

	q.Touch(t0.Add(23*time.Hour), 24*time.Hour)
	if !q.ExpiresAt.Equal(t0.Add(47 * time.Hour)) {
		t.Errorf("expected expiry to slide to T0+47h, got %v", q.ExpiresAt)
	}
}

func TestAgentPresenceHandles(t *testing.T) {
	generalist := AgentPresence{}
	if !generalist.Handles("billing") {
		t.Error("generalist should handle every category")
	}

	specialist := AgentPresence{Categories: []string{"billing"}}
	if !specialist.Handles("billing") || specialist.Handles("shipping") {
		t.Error("specialist category matching is wrong")
	}
	if !specialist.Handles("") {
		t.Error("uncategorised queries go to everyone")
	}
}
