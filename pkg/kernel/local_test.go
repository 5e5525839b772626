package kernel

import (
	"context"
	"testing"
	"time"
)

// fakeKernelScript emulates a minimal kernel process over stdio for tests:
// every "execute" frame gets a stdout fragment then a completion fragment,
// every "ping" gets a "pong".
// The "sleep" submission intentionally produces no response until an
// interrupt frame arrives, so TestLocalClientInterrupt can't race a fast
// completion reply against the interrupt it sends.
const fakeKernelScript = `
while IFS= read -r line; do
  case "$line" in
    *'"code":"sleep"'*)
      ;;
    *'"type":"execute"'*)
      printf '{"type":"stdout","text":"hi"}\n'
      printf '{"type":"completion"}\n'
      ;;
    *'"type":"ping"'*)
      printf '{"type":"pong"}\n'
      ;;
    *'"type":"interrupt"'*)
      printf '{"type":"error","kind":"interrupted","message":"interrupted"}\n'
      printf '{"type":"completion"}\n'
      ;;
  esac
done
`

func newTestClient(t *testing.T) *LocalClient {
	t.Helper()
	c := NewLocalClient(Config{
		Command:           "sh",
		Args:              []string{"-c", fakeKernelScript},
		HeartbeatInterval: time.Minute,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func drain(t *testing.T, ch <-chan Fragment, timeout time.Duration) []Fragment {
	t.Helper()
	var out []Fragment
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
			if f.IsTerminal() {
				return out
			}
		case <-deadline:
			t.Fatal("timed out draining fragment stream")
		}
	}
}

func TestLocalClientSubmitHappyPath(t *testing.T) {
	c := newTestClient(t)

	ch, err := c.Submit(context.Background(), "print('hi')")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fragments := drain(t, ch, 5*time.Second)
	if len(fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d: %+v", len(fragments), fragments)
	}
	if fragments[0].Kind != KindStdout || string(fragments[0].Data) != "hi" {
		t.Fatalf("unexpected first fragment: %+v", fragments[0])
	}
	if fragments[1].Kind != KindCompletion {
		t.Fatalf("expected completion, got %+v", fragments[1])
	}
}

func TestLocalClientSerializesSubmissions(t *testing.T) {
	c := newTestClient(t)

	first, err := c.Submit(context.Background(), "a")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	drain(t, first, 5*time.Second)

	second, err := c.Submit(context.Background(), "b")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	fragments := drain(t, second, 5*time.Second)
	if len(fragments) != 2 {
		t.Fatalf("expected 2 fragments from second submission, got %d", len(fragments))
	}
}

func TestLocalClientInterrupt(t *testing.T) {
	c := newTestClient(t)

	ch, err := c.Submit(context.Background(), "sleep")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	fragments := drain(t, ch, 5*time.Second)
	if len(fragments) != 2 {
		t.Fatalf("expected error+completion, got %d fragments", len(fragments))
	}
	if fragments[0].Kind != KindError || fragments[0].ErrorKind != "interrupted" {
		t.Fatalf("expected interrupted error fragment, got %+v", fragments[0])
	}
}
