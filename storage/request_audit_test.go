package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSaveRequestAuditUpsertsResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := nowUnixMilli()

	pending := RequestAudit{
		RequestID:            "req-1",
		RequesterDeviceID:    "device-a",
		RequesterName:        "Laptop",
		RequesterIP:          "192.168.1.20",
		RequestedPermissions: []string{"input_forwarding", "screen_capture"},
		Message:              strPtr("need help"),
		State:                requestStatePending,
		ReceivedAt:           now,
	}
	if err := store.SaveRequestAudit(ctx, pending); err != nil {
		t.Fatalf("SaveRequestAudit pending failed: %v", err)
	}

	accepted := pending
	accepted.State = requestStateAccepted
	accepted.GrantedPermissions = []string{"screen_capture"}
	accepted.ResolvedAt = int64Ref(now + 1_000)
	accepted.ExpiresAt = int64Ref(now + 1_000 + time.Hour.Milliseconds())
	if err := store.SaveRequestAudit(ctx, accepted); err != nil {
		t.Fatalf("SaveRequestAudit accepted failed: %v", err)
	}

	got, err := store.GetRequestAudit(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetRequestAudit failed: %v", err)
	}
	if diff := cmp.Diff(accepted, *got); diff != "" {
		t.Fatalf("unexpected audit row (-want +got):\n%s", diff)
	}
}

func TestListRequestAuditFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := nowUnixMilli()

	rows := []RequestAudit{
		{RequestID: "req-1", RequesterDeviceID: "device-a", RequesterName: "A", RequesterIP: "10.0.0.1", RequestedPermissions: []string{"screen_capture"}, State: requestStateDenied, DenialReason: strPtr("busy"), ReceivedAt: now - 2_000},
		{RequestID: "req-2", RequesterDeviceID: "device-a", RequesterName: "A", RequesterIP: "10.0.0.1", RequestedPermissions: []string{"screen_capture"}, State: requestStateExpired, ReceivedAt: now - 1_000},
		{RequestID: "req-3", RequesterDeviceID: "device-b", RequesterName: "B", RequesterIP: "10.0.0.2", RequestedPermissions: []string{"file_transfer"}, State: requestStateDenied, ReceivedAt: now},
	}
	for _, row := range rows {
		if err := store.SaveRequestAudit(ctx, row); err != nil {
			t.Fatalf("SaveRequestAudit %s failed: %v", row.RequestID, err)
		}
	}

	byDevice, err := store.ListRequestAudit(ctx, RequestAuditFilter{RequesterDeviceID: "device-a"})
	if err != nil {
		t.Fatalf("ListRequestAudit by device failed: %v", err)
	}
	if len(byDevice) != 2 || byDevice[0].RequestID != "req-2" || byDevice[1].RequestID != "req-1" {
		t.Fatalf("unexpected device-a rows: %+v", byDevice)
	}

	denied, err := store.ListRequestAudit(ctx, RequestAuditFilter{State: requestStateDenied})
	if err != nil {
		t.Fatalf("ListRequestAudit by state failed: %v", err)
	}
	if len(denied) != 2 {
		t.Fatalf("expected 2 denied rows, got %d", len(denied))
	}
	if denied[1].DenialReason == nil || *denied[1].DenialReason != "busy" {
		t.Fatalf("expected denial reason busy on req-1, got %+v", denied[1].DenialReason)
	}

	if _, err := store.ListRequestAudit(ctx, RequestAuditFilter{State: "bogus"}); err == nil {
		t.Fatalf("expected invalid state filter to fail")
	}
}

func TestGetRequestAuditMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetRequestAudit(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestAuditRetentionKeepsPending(t *testing.T) {
	store := newTestStore(t)
	store.SetRequestAuditRetention(time.Second)
	ctx := context.Background()
	old := nowUnixMilli() - 10_000

	if err := store.SaveRequestAudit(ctx, RequestAudit{RequestID: "old-pending", RequesterDeviceID: "d", RequesterName: "D", RequesterIP: "10.0.0.9", RequestedPermissions: []string{"screen_capture"}, State: requestStatePending, ReceivedAt: old}); err != nil {
		t.Fatalf("save old pending failed: %v", err)
	}
	if err := store.SaveRequestAudit(ctx, RequestAudit{RequestID: "old-denied", RequesterDeviceID: "d", RequesterName: "D", RequesterIP: "10.0.0.9", RequestedPermissions: []string{"screen_capture"}, State: requestStateDenied, ReceivedAt: old}); err != nil {
		t.Fatalf("save old denied failed: %v", err)
	}

	if _, err := store.GetRequestAudit(ctx, "old-pending"); err != nil {
		t.Fatalf("expected pending row to survive pruning: %v", err)
	}
	if _, err := store.GetRequestAudit(ctx, "old-denied"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old denied row to be pruned, got %v", err)
	}
}

func TestSaveRequestAuditIgnoresLatePendingWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := nowUnixMilli()

	base := RequestAudit{
		RequestID:            "req-late",
		RequesterDeviceID:    "device-a",
		RequesterName:        "A",
		RequesterIP:          "10.0.0.1",
		RequestedPermissions: []string{"screen_capture"},
		ReceivedAt:           now,
	}
	denied := base
	denied.State = requestStateDenied
	denied.ResolvedAt = int64Ref(now + 10)
	if err := store.SaveRequestAudit(ctx, denied); err != nil {
		t.Fatalf("save denied failed: %v", err)
	}

	pending := base
	pending.State = requestStatePending
	if err := store.SaveRequestAudit(ctx, pending); err != nil {
		t.Fatalf("save late pending failed: %v", err)
	}

	got, err := store.GetRequestAudit(ctx, "req-late")
	if err != nil {
		t.Fatalf("GetRequestAudit failed: %v", err)
	}
	if got.State != requestStateDenied {
		t.Fatalf("expected resolved state to survive a late pending write, got %q", got.State)
	}
}
