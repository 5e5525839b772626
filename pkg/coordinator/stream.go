package coordinator

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sandboxd/coordinator/pkg/budget"
	"github.com/sandboxd/coordinator/pkg/eventstream"
	"github.com/sandboxd/coordinator/pkg/kernel"
	"github.com/sandboxd/coordinator/pkg/toolservice"
)

// drainTimeout bounds how long Stream waits for the kernel's interrupted/
// completion fragments after Interrupt, so a kernel that never acknowledges
// an interrupt cannot wedge a Stream call forever.
const drainTimeout = 5 * time.Second

// StreamOptions carries the per-call knobs of Stream. The zero value means:
// no execution timeout, no chunk events, no extra kernel environment, images
// kept in memory only.
type StreamOptions struct {
	// Timeout bounds wall-clock execution time, excluding time spent paused
	// while a tool call awaits a host approval decision. Zero means no
	// deadline.
	Timeout time.Duration

	// Chunks emits a StreamEvent per output fragment as it arrives. The
	// terminal ExecutionResult accumulates output either way.
	Chunks bool

	// KernelEnv sets environment variables inside the kernel for this
	// submission (and, since kernel state persists, later ones) before the
	// submitted code runs.
	KernelEnv map[string]string

	// ImagesDir, when set, writes every inline image the kernel produces
	// into this directory and records the written path on the result's
	// Image entries.
	ImagesDir string
}

// liveStream is the state the currently in-flight Stream call publishes so
// the Tool Service's approval-observer callbacks, invoked from its own HTTP
// goroutine, can pause/resume the budget and surface an ApprovalRequest
// event without any direct coupling to the fragment-reading goroutine below.
type liveStream struct {
	budget *budget.ExecutionBudget
	events *eventstream.Stream
	ctx    context.Context
}

// Stream submits code to the kernel and returns an iterator of StreamEvents:
// zero or more OutputFragment events (only when opts.Chunks is true) and
// zero or more ApprovalRequest events, always ending in exactly one
// ExecutionResult. Only one Stream call may be in flight at a time; a second
// call blocks until the first completes, mirroring the kernel Client's
// single in-flight Submit.
func (c *Coordinator) Stream(ctx context.Context, code string, opts StreamOptions) iter.Seq2[eventstream.StreamEvent, error] {
	return func(yield func(eventstream.StreamEvent, error) bool) {
		c.streamMu.Lock()
		defer c.streamMu.Unlock()

		ctx, end := c.startSpan(ctx, "coordinator.stream")
		defer end()

		b := budget.New(opts.Timeout)
		events := eventstream.NewStream(c.cfg.StreamBufferSize)

		live := &liveStream{budget: b, events: events, ctx: ctx}
		c.liveMu.Lock()
		c.live = live
		c.liveMu.Unlock()
		defer func() {
			c.liveMu.Lock()
			c.live = nil
			c.liveMu.Unlock()
		}()

		fragments, err := c.kernel.Submit(ctx, withKernelEnv(code, opts.KernelEnv))
		if err != nil {
			yield(eventstream.Done(eventstream.ExecutionResult{Status: eventstream.ResultFailed, Error: err.Error()}), nil)
			return
		}

		go c.pump(ctx, fragments, events, b, opts)

		for ev := range events.Events() {
			if !yield(ev, nil) {
				// The caller stopped consuming mid-stream. Drain the rest in
				// the background so pump can reach its terminal fragment and
				// the kernel's submission slot is released.
				go func() {
					for range events.Events() {
					}
				}()
				return
			}
		}
	}
}

// Execute runs code to completion, auto-accepting every approval request it
// encounters, and returns the terminal ExecutionResult. It is the
// convenience surface for hosts that don't need to review tool calls
// in-band.
func (c *Coordinator) Execute(ctx context.Context, code string, timeout time.Duration) (eventstream.ExecutionResult, error) {
	ctx, end := c.startSpan(ctx, "coordinator.execute")
	defer end()

	var result eventstream.ExecutionResult
	for ev, err := range c.Stream(ctx, code, StreamOptions{Timeout: timeout}) {
		if err != nil {
			return result, err
		}
		switch ev.Kind {
		case eventstream.KindApprovalRequest:
			if decideErr := c.Decide(ev.ApprovalRequest.ApprovalID, true); decideErr != nil {
				c.log.Warn("execute: auto-accept failed", "id", ev.ApprovalRequest.ApprovalID, "error", decideErr)
			}
		case eventstream.KindExecutionResult:
			result = *ev.Result
		}
	}
	return result, nil
}

// withKernelEnv prepends an environment-setting prelude to code. The kernel
// is an opaque interpreter reached only through code submission, so per-call
// environment variables become ordinary assignments to os.environ, applied
// before the user's code runs.
func withKernelEnv(code string, env map[string]string) string {
	if len(env) == 0 {
		return code
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("import os\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "os.environ[%q] = %q\n", k, env[k])
	}
	b.WriteString(code)
	return b.String()
}

// runAccumulator collects what the terminal ExecutionResult reports: every
// stdout chunk and every inline image, regardless of whether chunk events
// were streamed.
type runAccumulator struct {
	text      strings.Builder
	images    []eventstream.Image
	imagesDir string
}

func (a *runAccumulator) addImage(mime string, data []byte) {
	img := eventstream.Image{MIME: mime, Data: data}
	if a.imagesDir != "" {
		name := fmt.Sprintf("image-%03d%s", len(a.images), extForMIME(mime))
		path := filepath.Join(a.imagesDir, name)
		if err := os.WriteFile(path, data, 0o644); err == nil {
			img.Path = path
		}
	}
	a.images = append(a.images, img)
}

func extForMIME(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".bin"
	}
}

// pump reads the kernel's fragment stream for one Submit call, emitting
// output and terminal events into events, and interrupts the kernel if
// either the budget expires or ctx is cancelled first.
func (c *Coordinator) pump(ctx context.Context, fragments <-chan kernel.Fragment, events *eventstream.Stream, b *budget.ExecutionBudget, opts StreamOptions) {
	defer events.Close()

	acc := &runAccumulator{imagesDir: opts.ImagesDir}

	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				return
			}
			if terminal := emitFragment(ctx, events, frag, opts.Chunks, acc); terminal {
				return
			}

		case <-time.After(b.Remaining()):
			if !b.Expired() {
				continue
			}
			_ = c.kernel.Interrupt()
			drainAfterInterrupt(fragments, acc)
			c.metrics().ObserveBudgetTimeout()
			_ = events.Send(context.Background(), eventstream.Done(eventstream.ExecutionResult{
				Status: eventstream.ResultTimedOut,
				Text:   acc.text.String(),
				Images: acc.images,
				Error:  "execution budget exceeded",
			}))
			return

		case <-ctx.Done():
			_ = c.kernel.Interrupt()
			drainAfterInterrupt(fragments, acc)
			_ = events.Send(context.Background(), eventstream.Done(eventstream.ExecutionResult{
				Status: eventstream.ResultCancelled,
				Text:   acc.text.String(),
				Images: acc.images,
				Error:  ctx.Err().Error(),
			}))
			return
		}
	}
}

// emitFragment translates one kernel fragment into a StreamEvent and
// accumulates output into acc regardless of chunks, reporting whether the
// fragment ended the stream.
func emitFragment(ctx context.Context, events *eventstream.Stream, frag kernel.Fragment, chunks bool, acc *runAccumulator) bool {
	switch frag.Kind {
	case kernel.KindStdout:
		acc.text.Write(frag.Data)
		if chunks {
			_ = events.Send(ctx, eventstream.Output(eventstream.OutputFragment{Stream: eventstream.FragmentStdout, Data: frag.Data}))
		}
		return false

	case kernel.KindStderr:
		if chunks {
			_ = events.Send(ctx, eventstream.Output(eventstream.OutputFragment{Stream: eventstream.FragmentStderr, Data: frag.Data}))
		}
		return false

	case kernel.KindImage:
		acc.addImage(frag.MIME, frag.Image)
		if chunks {
			_ = events.Send(ctx, eventstream.Output(eventstream.OutputFragment{Stream: eventstream.FragmentImage, Data: frag.Image, MIME: frag.MIME}))
		}
		return false

	case kernel.KindCompletion:
		_ = events.Send(ctx, eventstream.Done(eventstream.ExecutionResult{
			Status: eventstream.ResultCompleted,
			Text:   acc.text.String(),
			Images: acc.images,
		}))
		return true

	case kernel.KindError:
		_ = events.Send(ctx, eventstream.Done(eventstream.ExecutionResult{
			Status: eventstream.ResultFailed,
			Text:   acc.text.String(),
			Images: acc.images,
			Error:  frag.ErrorMessage,
		}))
		return true

	default:
		return false
	}
}

// drainAfterInterrupt waits for the fragments the kernel emits in response
// to Interrupt (an "interrupted" error fragment followed by a completion
// fragment, per kernel.Client's contract) so the final accumulated output
// includes anything flushed before the interrupt landed. It gives up after
// drainTimeout if the kernel never acknowledges.
func drainAfterInterrupt(fragments <-chan kernel.Fragment, acc *runAccumulator) {
	timeout := time.NewTimer(drainTimeout)
	defer timeout.Stop()

drain:
	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				break drain
			}
			switch frag.Kind {
			case kernel.KindStdout:
				acc.text.Write(frag.Data)
			case kernel.KindImage:
				acc.addImage(frag.MIME, frag.Image)
			}
			if frag.IsTerminal() {
				break drain
			}
		case <-timeout.C:
			break drain
		}
	}
}

// onApprovalNotify is the Tool Service's approval-request observer hook: it
// pauses the current Stream call's budget and surfaces an ApprovalRequest
// event to its caller. It is a no-op if no Stream call is currently live
// (shouldn't happen in practice since the Tool Service only runs requests
// the kernel issues mid-execution, but guards against a stray notification
// arriving after Stream has already returned).
func (c *Coordinator) onApprovalNotify(frame toolservice.ApprovalNotification) {
	c.liveMu.Lock()
	live := c.live
	c.liveMu.Unlock()
	if live == nil {
		return
	}

	live.budget.Pause()
	_ = live.events.Send(live.ctx, eventstream.Approval(eventstream.ApprovalRequestEvent{
		ApprovalID: frame.ID,
		ToolName:   frame.Tool,
		Provider:   frame.Provider,
		Args:       frame.Args,
	}))
}

// onApprovalResolved is the Tool Service's approval-resolution observer
// hook: it resumes the current Stream call's budget once a decision,
// timeout, or cancellation ends the wait.
func (c *Coordinator) onApprovalResolved(id string) {
	c.liveMu.Lock()
	live := c.live
	c.liveMu.Unlock()
	if live == nil {
		return
	}
	live.budget.Resume()
}
