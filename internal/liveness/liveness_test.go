package liveness

import (
	"fmt"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func TestFulfilledRestoresCount(t *testing.T) {
	tr := New(nil)
	adult := xorname.Random()
	tr.AddPending(adult, "op-0", time.Minute)
	before := tr.PendingCount(adult)
	tr.AddPending(adult, "op-1", time.Minute)
	if !tr.Fulfilled(adult, "op-1") {
		t.Fatalf("fulfilled op not found")
	}
	if tr.PendingCount(adult) != before {
		t.Fatalf("pending count %d, want %d", tr.PendingCount(adult), before)
	}
	if tr.Fulfilled(adult, "op-1") {
		t.Fatalf("op fulfilled twice")
	}
}

func TestFindUnresponsive(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(0, 0))
	tr := New(clk)
	slow, fast := xorname.Random(), xorname.Random()
	for i := 0; i < PendingOpsThreshold; i++ {
		op := OpID(fmt.Sprintf("op-%d", i))
		tr.AddPending(slow, op, time.Second)
		tr.AddPending(fast, op, time.Second)
		tr.Fulfilled(fast, op)
	}
	got := tr.FindUnresponsive()
	if len(got) != 1 || got[0] != slow {
		t.Fatalf("expected only the slow adult, got %v", got)
	}
	if tr.Overdue(slow) != 0 {
		t.Fatalf("nothing should be overdue yet")
	}
	clk.SetTime(time.Unix(2, 0))
	if tr.Overdue(slow) != PendingOpsThreshold {
		t.Fatalf("expected %d overdue, got %d", PendingOpsThreshold, tr.Overdue(slow))
	}
	tr.Retain([]xorname.XorName{fast})
	if tr.Total() != 0 {
		t.Fatalf("retain kept a departed adult")
	}
}
