// Package approval correlates a pending tool call with a host decision by a
// single-shot identifier: register a waiter, surface the id to the host,
// await the decision, resolve the waiter at most once.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the terminal outcome of one approval request.
type Decision string

const (
	DecisionAccepted  Decision = "accepted"
	DecisionRejected  Decision = "rejected"
	DecisionExpired   Decision = "expired"
	DecisionCancelled Decision = "cancelled"
)

// ErrUnknownRequest is returned by Decide when no waiter is registered for
// the given id. Deciding an unknown id is a silent no-op for the caller that
// lost the race, not an error surfaced to the host; Decide still reports it
// so the Tool Service can log a diagnostic.
var ErrUnknownRequest = fmt.Errorf("approval: unknown request id")

// Channel correlates pending approval requests with host decisions.
type Channel struct {
	mu             sync.Mutex
	waiters        map[string]chan Decision
	defaultTimeout time.Duration
}

// NewChannel creates a Channel. defaultTimeout is used by Request when the
// caller passes a zero timeout; a zero defaultTimeout means Request blocks
// until ctx is cancelled or a decision arrives.
func NewChannel(defaultTimeout time.Duration) *Channel {
	return &Channel{
		waiters:        make(map[string]chan Decision),
		defaultTimeout: defaultTimeout,
	}
}

// Register creates a new pending approval slot and returns its id and the
// channel Await will read from. Callers register first (so they can emit an
// ApprovalRequestEvent carrying the id to the host) and Await afterwards.
// The id is generated here so callers don't need their own correlation
// scheme.
func (c *Channel) Register() (string, <-chan Decision) {
	id := uuid.NewString()

	ch := make(chan Decision, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()

	return id, ch
}

// Await blocks on the channel returned by Register until a decision,
// timeout, or cancellation occurs, and unregisters the waiter in all cases.
func (c *Channel) Await(ctx context.Context, id string, ch <-chan Decision, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d := <-ch:
		return d, nil
	case <-timeoutCh:
		return DecisionExpired, nil
	case <-ctx.Done():
		return DecisionCancelled, ctx.Err()
	}
}

// Decide delivers a host decision for a pending request. It is a
// non-blocking send: if no waiter is registered (already decided, expired,
// or unknown id), Decide returns ErrUnknownRequest rather than blocking.
func (c *Channel) Decide(id string, accept bool) error {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}

	decision := DecisionRejected
	if accept {
		decision = DecisionAccepted
	}

	select {
	case ch <- decision:
	default:
		// Buffered channel of size 1; a second send can only happen if
		// Decide is racing itself for the same id, which the waiters-map
		// delete above already prevents.
	}
	return nil
}

// RequestApproval registers a new pending approval and immediately awaits
// its decision; onRegistered (if non-nil) is invoked with the assigned id
// before awaiting, so the caller can surface an ApprovalRequestEvent to the
// host first.
func (c *Channel) RequestApproval(ctx context.Context, timeout time.Duration, onRegistered func(id string)) (Decision, error) {
	id, ch := c.Register()
	if onRegistered != nil {
		onRegistered(id)
	}
	return c.Await(ctx, id, ch, timeout)
}

// IsPending reports whether id currently has a registered waiter.
func (c *Channel) IsPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiters[id]
	return ok
}

// PendingCount returns the number of outstanding approval requests.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
