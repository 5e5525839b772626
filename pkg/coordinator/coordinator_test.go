package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandboxd/coordinator/pkg/approval"
	"github.com/sandboxd/coordinator/pkg/codegen"
	"github.com/sandboxd/coordinator/pkg/eventstream"
	"github.com/sandboxd/coordinator/pkg/kernel"
	"github.com/sandboxd/coordinator/pkg/logger"
	"github.com/sandboxd/coordinator/pkg/provider"
	"github.com/sandboxd/coordinator/pkg/toolservice"
)

// fakeKernel is an in-memory kernel.Client double: Submit hands back a
// caller-supplied fragment channel instead of driving a real subprocess.
type fakeKernel struct {
	mu          sync.Mutex
	fragments   chan kernel.Fragment
	submitted   []string
	interrupted bool
	resetCalls  int
	closeCalls  int
}

func (f *fakeKernel) Submit(ctx context.Context, code string) (<-chan kernel.Fragment, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, code)
	f.mu.Unlock()
	return f.fragments, nil
}

func (f *fakeKernel) Interrupt() error {
	f.mu.Lock()
	f.interrupted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeKernel) Reset(ctx context.Context) error {
	f.mu.Lock()
	f.resetCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeKernel) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

// waitForLive polls until c has a live Stream call published, or gives up
// after one second. It reports success rather than calling t.Fatal so it is
// safe to call from a goroutine other than the test's own.
func waitForLive(c *Coordinator) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.liveMu.Lock()
		live := c.live
		c.liveMu.Unlock()
		if live != nil {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestStreamEmitsOutputThenCompletion(t *testing.T) {
	fragments := make(chan kernel.Fragment, 2)
	fragments <- kernel.Fragment{Kind: kernel.KindStdout, Data: []byte("hi")}
	fragments <- kernel.Fragment{Kind: kernel.KindCompletion}

	fk := &fakeKernel{fragments: fragments}
	c := &Coordinator{kernel: fk, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	var events []eventstream.StreamEvent
	for ev, err := range c.Stream(context.Background(), "print('hi')", StreamOptions{Chunks: true}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != eventstream.KindOutputFragment || string(events[0].OutputFragment.Data) != "hi" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != eventstream.KindExecutionResult {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[1].Result.Status != eventstream.ResultCompleted || events[1].Result.Text != "hi" {
		t.Fatalf("unexpected result: %+v", events[1].Result)
	}
	if len(fk.submitted) != 1 || fk.submitted[0] != "print('hi')" {
		t.Fatalf("expected code submitted once, got %+v", fk.submitted)
	}
}

func TestStreamAccumulatesTextWithoutChunks(t *testing.T) {
	fragments := make(chan kernel.Fragment, 2)
	fragments <- kernel.Fragment{Kind: kernel.KindStdout, Data: []byte("a")}
	fragments <- kernel.Fragment{Kind: kernel.KindCompletion}

	fk := &fakeKernel{fragments: fragments}
	c := &Coordinator{kernel: fk, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	var events []eventstream.StreamEvent
	for ev, err := range c.Stream(context.Background(), "code", StreamOptions{}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 1 {
		t.Fatalf("expected only the terminal event when chunks is false, got %d: %+v", len(events), events)
	}
	if events[0].Result.Text != "a" {
		t.Fatalf("expected accumulated text regardless of chunks flag, got %q", events[0].Result.Text)
	}
}

func TestStreamSurfacesApprovalRequestFromObserverHook(t *testing.T) {
	fragments := make(chan kernel.Fragment, 2)
	fk := &fakeKernel{fragments: fragments}
	c := &Coordinator{kernel: fk, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	go func() {
		if !waitForLive(c) {
			return
		}
		c.onApprovalNotify(toolservice.ApprovalNotification{ID: "req-1", Tool: "echo", Provider: "demo"})
		c.onApprovalResolved("req-1")
		fragments <- kernel.Fragment{Kind: kernel.KindCompletion}
	}()

	var events []eventstream.StreamEvent
	for ev, err := range c.Stream(context.Background(), "code", StreamOptions{}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("expected approval_request then execution_result, got %d: %+v", len(events), events)
	}
	if events[0].Kind != eventstream.KindApprovalRequest || events[0].ApprovalRequest.ApprovalID != "req-1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != eventstream.KindExecutionResult || events[1].Result.Status != eventstream.ResultCompleted {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestExecuteAutoAcceptsApprovalRequests(t *testing.T) {
	fragments := make(chan kernel.Fragment, 2)
	fk := &fakeKernel{fragments: fragments}
	approvals := approval.NewChannel(0)
	c := &Coordinator{kernel: fk, approvals: approvals, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	resolved := make(chan approval.Decision, 1)
	go func() {
		if !waitForLive(c) {
			resolved <- approval.DecisionCancelled
			return
		}
		decision, _ := approvals.RequestApproval(context.Background(), 0, func(id string) {
			c.onApprovalNotify(toolservice.ApprovalNotification{ID: id, Tool: "echo", Provider: "demo"})
		})
		c.onApprovalResolved("ignored")
		fragments <- kernel.Fragment{Kind: kernel.KindCompletion}
		resolved <- decision
	}()

	result, err := c.Execute(context.Background(), "code", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != eventstream.ResultCompleted {
		t.Fatalf("expected completed result, got %+v", result)
	}
	if d := <-resolved; d != approval.DecisionAccepted {
		t.Fatalf("expected Execute to auto-accept the pending approval, got %s", d)
	}
}

func TestStreamInterruptsOnBudgetExpiry(t *testing.T) {
	fragments := make(chan kernel.Fragment, 1)
	fk := &fakeKernel{fragments: fragments}
	c := &Coordinator{kernel: fk, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	// Simulates the kernel's own reaction to Interrupt: an "interrupted"
	// error fragment would normally arrive here, but a completion fragment
	// alone is enough to unblock drainAfterInterrupt for this assertion.
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			fk.mu.Lock()
			interrupted := fk.interrupted
			fk.mu.Unlock()
			if interrupted {
				fragments <- kernel.Fragment{Kind: kernel.KindCompletion}
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var events []eventstream.StreamEvent
	for ev, err := range c.Stream(context.Background(), "while True: pass", StreamOptions{Timeout: 10 * time.Millisecond}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 1 || events[0].Kind != eventstream.KindExecutionResult {
		t.Fatalf("expected a single terminal event, got %+v", events)
	}
	if events[0].Result.Status != eventstream.ResultTimedOut {
		t.Fatalf("expected timed_out status, got %+v", events[0].Result)
	}

	fk.mu.Lock()
	interrupted := fk.interrupted
	fk.mu.Unlock()
	if !interrupted {
		t.Fatal("expected budget expiry to interrupt the kernel")
	}
}

func TestStreamBudgetExcludesApprovalWait(t *testing.T) {
	fragments := make(chan kernel.Fragment, 1)
	fk := &fakeKernel{fragments: fragments}
	c := &Coordinator{kernel: fk, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	// The approval wait (50ms) alone exceeds the 20ms budget; because the
	// budget is paused between notify and resolve, the stream must still
	// complete rather than time out.
	go func() {
		if !waitForLive(c) {
			return
		}
		c.onApprovalNotify(toolservice.ApprovalNotification{ID: "req-slow", Tool: "echo", Provider: "demo"})
		time.Sleep(50 * time.Millisecond)
		c.onApprovalResolved("req-slow")
		fragments <- kernel.Fragment{Kind: kernel.KindCompletion}
	}()

	var terminal *eventstream.ExecutionResult
	for ev, err := range c.Stream(context.Background(), "code", StreamOptions{Timeout: 20 * time.Millisecond}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		if ev.Kind == eventstream.KindExecutionResult {
			terminal = ev.Result
		}
	}

	if terminal == nil {
		t.Fatal("expected a terminal event")
	}
	if terminal.Status != eventstream.ResultCompleted {
		t.Fatalf("expected completed despite approval wait exceeding budget, got %+v", terminal)
	}
	fk.mu.Lock()
	interrupted := fk.interrupted
	fk.mu.Unlock()
	if interrupted {
		t.Fatal("kernel must not be interrupted while the budget is paused")
	}
}

func TestStreamWritesImagesToDir(t *testing.T) {
	dir := t.TempDir()
	fragments := make(chan kernel.Fragment, 2)
	fragments <- kernel.Fragment{Kind: kernel.KindImage, MIME: "image/png", Image: []byte{0x89, 'P', 'N', 'G'}}
	fragments <- kernel.Fragment{Kind: kernel.KindCompletion}

	fk := &fakeKernel{fragments: fragments}
	c := &Coordinator{kernel: fk, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	var terminal *eventstream.ExecutionResult
	for ev, err := range c.Stream(context.Background(), "code", StreamOptions{ImagesDir: dir}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		if ev.Kind == eventstream.KindExecutionResult {
			terminal = ev.Result
		}
	}

	if terminal == nil || len(terminal.Images) != 1 {
		t.Fatalf("expected one accumulated image, got %+v", terminal)
	}
	img := terminal.Images[0]
	if img.MIME != "image/png" || img.Path == "" {
		t.Fatalf("unexpected image entry: %+v", img)
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatalf("read written image: %v", err)
	}
	if string(data) != string(img.Data) {
		t.Fatal("written image bytes differ from accumulated bytes")
	}
}

func TestStreamAppliesKernelEnvPrelude(t *testing.T) {
	fragments := make(chan kernel.Fragment, 1)
	fragments <- kernel.Fragment{Kind: kernel.KindCompletion}
	fk := &fakeKernel{fragments: fragments}
	c := &Coordinator{kernel: fk, log: logger.GetLogger(), cfg: Config{StreamBufferSize: 4}}

	for range c.Stream(context.Background(), "print('x')", StreamOptions{KernelEnv: map[string]string{"MODE": "test"}}) {
	}

	if len(fk.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(fk.submitted))
	}
	code := fk.submitted[0]
	if !strings.Contains(code, `os.environ["MODE"] = "test"`) {
		t.Fatalf("expected env prelude in submitted code, got:\n%s", code)
	}
	if !strings.HasSuffix(code, "print('x')") {
		t.Fatalf("expected user code after the prelude, got:\n%s", code)
	}
}

func TestRegisterProviderPropagatesValidationError(t *testing.T) {
	c := &Coordinator{registry: provider.NewRegistry(), log: logger.GetLogger()}
	if err := c.RegisterProvider(context.Background(), provider.Spec{Name: "bad"}); err == nil {
		t.Fatal("expected validation error for a spec with an unknown transport")
	}
}

func TestResetRotatesSecretAndResetsKernel(t *testing.T) {
	dir := t.TempDir()
	reg := provider.NewRegistry()
	approvals := approval.NewChannel(0)

	tools, err := toolservice.NewService(toolservice.Config{Addr: "127.0.0.1:0"}, reg, approvals)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if err := tools.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = tools.Shutdown(ctx) })

	gen := codegen.NewGenerator(dir)
	if err := gen.GeneratePreamble(tools.Addr(), tools.Secret()); err != nil {
		t.Fatalf("GeneratePreamble: %v", err)
	}

	fk := &fakeKernel{fragments: make(chan kernel.Fragment, 1)}
	c := &Coordinator{
		cfg:       Config{WorkspaceDir: dir},
		log:       logger.GetLogger(),
		kernel:    fk,
		registry:  reg,
		approvals: approvals,
		tools:     tools,
		gen:       gen,
	}

	oldSecret := tools.Secret()
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if fk.resetCalls != 1 {
		t.Fatalf("expected kernel Reset called once, got %d", fk.resetCalls)
	}
	if !fk.interrupted {
		t.Fatal("expected kernel Interrupt called before rebuilding")
	}
	if tools.Secret() == oldSecret {
		t.Fatal("expected the bearer secret to rotate")
	}

	preamble, err := os.ReadFile(filepath.Join(dir, "tools", "_preamble.py"))
	if err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	if !strings.Contains(string(preamble), tools.Secret()) {
		t.Fatal("expected the preamble to be rewritten with the rotated secret")
	}
}
