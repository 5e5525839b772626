// Package kernel implements the kernel client: a duplex connection to the
// external interactive interpreter process that runs submitted code and
// streams back typed output fragments.
//
// The wire protocol is deliberately abstracted: only a
// submit/stream/interrupt/reset contract and a liveness heartbeat are
// required. The concrete client below speaks line-delimited JSON frames over
// the kernel subprocess's stdio, the same local-process IPC shape the
// provider client uses for its child processes.
package kernel

import (
	"context"
	"fmt"
)

// FragmentKind identifies which variant a Fragment carries.
type FragmentKind string

const (
	KindStdout     FragmentKind = "stdout"
	KindStderr     FragmentKind = "stderr"
	KindImage      FragmentKind = "image"
	KindCompletion FragmentKind = "completion"
	KindError      FragmentKind = "error"
)

// Fragment is one typed piece of kernel output. Exactly one payload field is
// meaningful for a given Kind.
type Fragment struct {
	Kind FragmentKind

	// Stdout / Stderr payload.
	Data []byte

	// Image payload.
	MIME  string
	Image []byte

	// Error payload. ErrorKind "interrupted" marks the fragment produced
	// after Interrupt aborts a running submission.
	ErrorKind    string
	ErrorMessage string
	Traceback    []string
}

// IsTerminal reports whether this fragment ends a submission's stream: no
// further fragments follow a completion or error fragment. The "interrupted"
// error fragment is the exception: the completion fragment after it ends
// the stream.
func (f Fragment) IsTerminal() bool {
	return f.Kind == KindCompletion || (f.Kind == KindError && f.ErrorKind != "interrupted")
}

// Client is the contract the coordinator drives: submit code, read its fragment stream,
// interrupt a running submission, and reset the kernel process entirely.
// Submissions are serialized by the caller; a Client need not support more
// than one in-flight Submit.
type Client interface {
	// Submit runs code and returns a channel of its fragments. The channel
	// is closed after a terminal fragment; cancelling ctx does not close it.
	Submit(ctx context.Context, code string) (<-chan Fragment, error)

	// Interrupt aborts the currently running submission, if any. The
	// submission's fragment stream subsequently yields an error fragment of
	// kind "interrupted" followed by a completion fragment.
	Interrupt() error

	// Reset tears down the kernel process and starts a fresh one. Kernel
	// variables do not survive a Reset.
	Reset(ctx context.Context) error

	// Close tears down the kernel process and releases its resources.
	Close() error
}

// ErrLivenessLost is returned (via a terminal error Fragment's ErrorKind, or
// from Submit) when the heartbeat loop detects the kernel process is gone.
const ErrLivenessLost = "liveness_lost"

// FatalError reports an unrecoverable kernel-session failure: lost
// liveness, a workspace I/O error, or a protocol violation. A FatalError
// terminates the session.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kernel: fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("kernel: fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }
