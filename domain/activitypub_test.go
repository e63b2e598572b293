package domain

import (
	"testing"
	"time"
)

func TestMergeInstanceUpdatesTakesMaxTimestamp(t *testing.T) {
	t10 := time.Unix(10, 0)
	t5 := time.Unix(5, 0)

	a := InstanceUpdate{LatestRequestReceivedAt: t10, ShouldUnsuspend: false}
	b := InstanceUpdate{LatestRequestReceivedAt: t5, ShouldUnsuspend: true}

	merged := MergeInstanceUpdates(a, b)

	if !merged.LatestRequestReceivedAt.Equal(t10) {
		t.Errorf("Expected max timestamp %v, got %v", t10, merged.LatestRequestReceivedAt)
	}
	if !merged.ShouldUnsuspend {
		t.Error("Unsuspend flag should survive the merge")
	}
}

func TestMergeInstanceUpdatesOrderIndependent(t *testing.T) {
	a := InstanceUpdate{LatestRequestReceivedAt: time.Unix(10, 0)}
	b := InstanceUpdate{LatestRequestReceivedAt: time.Unix(5, 0), ShouldUnsuspend: true}

	ab := MergeInstanceUpdates(a, b)
	ba := MergeInstanceUpdates(b, a)

	if !ab.LatestRequestReceivedAt.Equal(ba.LatestRequestReceivedAt) {
		t.Error("Merge timestamp depends on argument order")
	}
	if ab.ShouldUnsuspend != ba.ShouldUnsuspend {
		t.Error("Merge flag depends on argument order")
	}
}

func TestMergeInstanceUpdatesIdempotent(t *testing.T) {
	a := InstanceUpdate{LatestRequestReceivedAt: time.Unix(10, 0), ShouldUnsuspend: true}

	merged := MergeInstanceUpdates(a, a)
	if !merged.LatestRequestReceivedAt.Equal(a.LatestRequestReceivedAt) || merged.ShouldUnsuspend != a.ShouldUnsuspend {
		t.Errorf("Merging an update with itself changed it: %+v", merged)
	}
}

func TestRelayStatusConstants(t *testing.T) {
	if RelayRequesting != "requesting" || RelayAccepted != "accepted" || RelayRejected != "rejected" {
		t.Error("Relay status constants must match the stored values")
	}
}
