// Package budget accounts for the wall-clock deadline of one coordinator
// execution, excluding time spent waiting on host approval decisions.
package budget

import (
	"sync"
	"time"
)

// ExecutionBudget tracks a deadline for one Stream/Execute call. Time spent
// paused (waiting on an approval decision) does not count against the
// deadline: Remaining subtracts accumulated pause time from elapsed time.
type ExecutionBudget struct {
	mu          sync.Mutex
	deadline    time.Time
	started     time.Time
	pausedSince time.Time
	pausedTotal time.Duration
	paused      bool
}

// New creates a budget that expires after timeout from now. A zero timeout
// means no deadline: Remaining always returns a large duration and Expired
// is always false.
func New(timeout time.Duration) *ExecutionBudget {
	now := time.Now()
	b := &ExecutionBudget{started: now}
	if timeout > 0 {
		b.deadline = now.Add(timeout)
	}
	return b
}

// Pause begins excluding elapsed time from the deadline calculation. Calling
// Pause while already paused is a no-op.
func (b *ExecutionBudget) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		return
	}
	b.paused = true
	b.pausedSince = time.Now()
}

// Resume ends a pause, folding the elapsed pause duration into the running
// total. Calling Resume while not paused is a no-op.
func (b *ExecutionBudget) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.paused {
		return
	}
	b.paused = false
	b.pausedTotal += time.Since(b.pausedSince)
}

// Remaining returns the time left before the deadline, excluding any
// currently-open pause. A budget with no deadline returns a large sentinel
// duration. Once expired, Remaining returns 0 rather than a negative value.
func (b *ExecutionBudget) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}

	paused := b.pausedTotal
	if b.paused {
		paused += time.Since(b.pausedSince)
	}

	remaining := time.Until(b.deadline) + paused
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the deadline (adjusted for pause time) has passed.
func (b *ExecutionBudget) Expired() bool {
	if b.deadline.IsZero() {
		return false
	}
	return b.Remaining() <= 0
}

// Deadline returns the configured deadline and whether one was set.
func (b *ExecutionBudget) Deadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline, !b.deadline.IsZero()
}

// Elapsed returns wall-clock time since the budget was created, including
// paused intervals.
func (b *ExecutionBudget) Elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.started)
}
