package permissions

import (
	"testing"
	"time"
)

func TestReplyResolvesCreate(t *testing.T) {
	r := New()
	wait := r.Create("p1")

	if !r.IsPending("p1") {
		t.Fatalf("expected p1 to be pending")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		if !r.Reply("p1", true) {
			t.Errorf("expected Reply to report delivered")
		}
	}()

	if approved := wait(); !approved {
		t.Fatalf("expected approved=true")
	}
	if r.IsPending("p1") {
		t.Fatalf("expected p1 no longer pending after reply")
	}
}

func TestSecondReplyIsNoOp(t *testing.T) {
	r := New()
	wait := r.Create("p1")
	if !r.Reply("p1", true) {
		t.Fatalf("first reply should be delivered")
	}
	if r.Reply("p1", false) {
		t.Fatalf("second reply should be a no-op and report not found")
	}
	if approved := wait(); !approved {
		t.Fatalf("first reply's value should stick")
	}
}

func TestTimeoutResolvesRejected(t *testing.T) {
	r := New()
	wait := r.CreateWithTimeout("p1", 20*time.Millisecond)

	if approved := wait(); approved {
		t.Fatalf("expected timeout to resolve rejected")
	}
	if r.IsPending("p1") {
		t.Fatalf("expected entry removed after timeout")
	}
	if r.Reply("p1", true) {
		t.Fatalf("reply after timeout should be a no-op")
	}
}

func TestReplyToUnknownIDReturnsFalse(t *testing.T) {
	r := New()
	if r.Reply("nope", true) {
		t.Fatalf("expected false for unknown id")
	}
}

func TestPendingCount(t *testing.T) {
	r := New()
	r.Create("a")
	r.Create("b")
	if c := r.PendingCount(); c != 2 {
		t.Fatalf("PendingCount = %d, want 2", c)
	}
	r.Reply("a", true)
	if c := r.PendingCount(); c != 1 {
		t.Fatalf("PendingCount after one reply = %d, want 1", c)
	}
}
