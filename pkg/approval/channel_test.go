package approval

import (
	"context"
	"testing"
	"time"
)

func TestAcceptedDecision(t *testing.T) {
	c := NewChannel(time.Second)
	id, ch := c.Register()

	go func() {
		if err := c.Decide(id, true); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}()

	d, err := c.Await(context.Background(), id, ch, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != DecisionAccepted {
		t.Fatalf("expected accepted, got %v", d)
	}
}

func TestRejectedDecision(t *testing.T) {
	c := NewChannel(time.Second)
	id, ch := c.Register()

	go func() { _ = c.Decide(id, false) }()

	d, err := c.Await(context.Background(), id, ch, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != DecisionRejected {
		t.Fatalf("expected rejected, got %v", d)
	}
}

func TestExpiredDecision(t *testing.T) {
	c := NewChannel(0)
	id, ch := c.Register()

	d, err := c.Await(context.Background(), id, ch, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != DecisionExpired {
		t.Fatalf("expected expired, got %v", d)
	}
	if c.IsPending(id) {
		t.Fatal("expired request should be unregistered")
	}
}

func TestCancelledDecision(t *testing.T) {
	c := NewChannel(time.Minute)
	id, ch := c.Register()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := c.Await(ctx, id, ch, 0)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if d != DecisionCancelled {
		t.Fatalf("expected cancelled, got %v", d)
	}
}

func TestDecideUnknownIDIsNoOp(t *testing.T) {
	c := NewChannel(time.Second)
	if err := c.Decide("does-not-exist", true); err != ErrUnknownRequest {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestDecideAfterExpiryIsUnknown(t *testing.T) {
	c := NewChannel(0)
	id, ch := c.Register()
	_, _ = c.Await(context.Background(), id, ch, 5*time.Millisecond)

	if err := c.Decide(id, true); err != ErrUnknownRequest {
		t.Fatalf("expected ErrUnknownRequest for a race-losing decision, got %v", err)
	}
}

func TestRequestApprovalInvokesCallbackWithID(t *testing.T) {
	c := NewChannel(time.Second)
	var gotID string

	go func() {
		for !c.IsPending(gotID) && gotID == "" {
			time.Sleep(time.Millisecond)
		}
	}()

	done := make(chan struct{})
	var resultID string
	go func() {
		_, _ = c.RequestApproval(context.Background(), time.Second, func(id string) {
			resultID = id
			go func() { _ = c.Decide(id, true) }()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestApproval")
	}
	if resultID == "" {
		t.Fatal("expected onRegistered callback to receive a non-empty id")
	}
}

func TestPendingCount(t *testing.T) {
	c := NewChannel(time.Second)
	if c.PendingCount() != 0 {
		t.Fatalf("expected 0 pending, got %d", c.PendingCount())
	}
	id, _ := c.Register()
	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", c.PendingCount())
	}
	_ = c.Decide(id, true)
	if c.PendingCount() != 0 {
		t.Fatalf("expected 0 pending after decide, got %d", c.PendingCount())
	}
}
