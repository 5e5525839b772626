// Package coordinator implements the single surface the host drives
// directly. It owns the provider registry, the approval channel, the Tool
// Service, the code generator, and the kernel client, and composes them into
// RegisterProvider/Stream/Execute/Reset rather than exposing each
// collaborator separately.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandboxd/coordinator/pkg/approval"
	"github.com/sandboxd/coordinator/pkg/codegen"
	"github.com/sandboxd/coordinator/pkg/kernel"
	"github.com/sandboxd/coordinator/pkg/logger"
	"github.com/sandboxd/coordinator/pkg/observability"
	"github.com/sandboxd/coordinator/pkg/provider"
	"github.com/sandboxd/coordinator/pkg/toolservice"
)

// DefaultStreamBufferSize bounds the eventstream.Stream opened per Stream call.
const DefaultStreamBufferSize = 16

// Config configures every collaborator a Coordinator assembles at construction.
type Config struct {
	// WorkspaceDir is the kernel's filesystem root; generated tool modules
	// are written under WorkspaceDir/tools.
	WorkspaceDir string

	KernelCommand string
	KernelArgs    []string
	KernelEnv     []string

	// ToolServiceAddr is the loopback address to bind. Empty picks
	// "127.0.0.1:0", letting the OS choose a port.
	ToolServiceAddr string

	// ApprovalTimeout bounds how long a tool call waits for a host
	// decision. Zero means wait indefinitely, per the "no default
	// approval_timeout" decision.
	ApprovalTimeout time.Duration

	// StreamBufferSize bounds the eventstream.Stream each Stream call opens.
	StreamBufferSize int

	// Observability supplies the tracer and metrics the provider clients,
	// tool service, and coordinator update. Nil
	// disables both, the same convention the observability package itself
	// uses for a disabled Metrics.
	Observability *observability.Manager
}

func (c *Config) setDefaults() {
	if c.ToolServiceAddr == "" {
		c.ToolServiceAddr = "127.0.0.1:0"
	}
	if c.StreamBufferSize == 0 {
		c.StreamBufferSize = DefaultStreamBufferSize
	}
}

// Coordinator is the host-facing entry point.
// Stream/Execute calls are serialized by streamMu: the kernel Client
// contract supports only one in-flight Submit, and the Coordinator carries
// that same restriction up to its own callers rather than queuing silently.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	kernel    kernel.Client
	registry  *provider.Registry
	approvals *approval.Channel
	tools     *toolservice.Service
	gen       *codegen.Generator
	obs       *observability.Manager

	streamMu sync.Mutex

	// liveMu guards the fields a running Stream call publishes so the Tool
	// Service's approval-observer callbacks (invoked from its own HTTP
	// goroutine) can reach the budget and event sink of whichever Stream
	// call is currently in flight.
	liveMu sync.Mutex
	live   *liveStream
}

// New assembles a Coordinator: it starts the Tool Service, writes the
// preamble module, and starts the kernel process. The returned Coordinator
// is ready for RegisterProvider and Stream/Execute calls.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	cfg.setDefaults()

	approvals := approval.NewChannel(cfg.ApprovalTimeout)
	registry := provider.NewRegistry()
	gen := codegen.NewGenerator(cfg.WorkspaceDir)

	tools, err := toolservice.NewService(toolservice.Config{
		Addr:            cfg.ToolServiceAddr,
		ApprovalTimeout: cfg.ApprovalTimeout,
	}, registry, approvals)
	if err != nil {
		return nil, fmt.Errorf("coordinator: new tool service: %w", err)
	}

	c := &Coordinator{
		cfg:       cfg,
		log:       logger.GetLogger(),
		registry:  registry,
		approvals: approvals,
		tools:     tools,
		gen:       gen,
		obs:       cfg.Observability,
	}
	tools.SetApprovalObserver(c.onApprovalNotify, c.onApprovalResolved)
	tools.SetMetrics(c.metrics())

	if err := tools.Start(ctx); err != nil {
		return nil, fmt.Errorf("coordinator: start tool service: %w", err)
	}
	if err := gen.GeneratePreamble(tools.Addr(), tools.Secret()); err != nil {
		return nil, fmt.Errorf("coordinator: generate preamble: %w", err)
	}

	kernelClient := kernel.NewLocalClient(kernel.Config{
		Command: cfg.KernelCommand,
		Args:    cfg.KernelArgs,
		Env:     cfg.KernelEnv,
	})
	if err := kernelClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("coordinator: start kernel: %w", err)
	}
	c.kernel = kernelClient

	go registry.StartHealthChecks(ctx)

	return c, nil
}

// RegisterProvider validates and registers spec, eagerly connects it so its
// tool schemas are known, and (re)generates its Python tool modules. A
// second call for the same name replaces the session and regenerates its
// modules, matching the registry's own idempotent RegisterSpec contract.
func (c *Coordinator) RegisterProvider(ctx context.Context, spec provider.Spec) error {
	if err := c.registry.RegisterSpec(spec); err != nil {
		return fmt.Errorf("coordinator: register provider %s: %w", spec.Name, err)
	}

	ctx, end := c.startSpan(ctx, "provider.connect")
	session, err := c.registry.Connect(ctx, spec.Name)
	end()
	c.metrics().ObserveProviderConnect(spec.Name, err)
	if err != nil {
		return fmt.Errorf("coordinator: connect provider %s: %w", spec.Name, err)
	}

	if err := c.gen.GenerateProvider(spec.Name, session.Schemas); err != nil {
		return fmt.Errorf("coordinator: generate modules for %s: %w", spec.Name, err)
	}
	return nil
}

// metrics returns the Metrics collector to update, or nil when observability
// is disabled; every Metrics method is nil-receiver-safe so callers never
// need to branch on the result.
func (c *Coordinator) metrics() *observability.Metrics {
	if c.obs == nil {
		return nil
	}
	return c.obs.Metrics()
}

// startSpan begins a span named op when observability is enabled, returning
// a no-op end function otherwise so call sites never branch on whether
// tracing is active.
func (c *Coordinator) startSpan(ctx context.Context, op string) (context.Context, func()) {
	if c.obs == nil {
		return ctx, func() {}
	}
	ctx, span := c.obs.Tracer().Start(ctx, op)
	return ctx, func() { span.End() }
}

// Decide delivers a host decision for a pending approval id, the public
// counterpart of the Tool Service's own /approvals websocket endpoint for a
// host driving the Coordinator in-process instead of over the wire.
func (c *Coordinator) Decide(id string, accept bool) error {
	return c.approvals.Decide(id, accept)
}

// Shutdown stops the Tool Service, closes the kernel process, and tears down
// every provider session.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error
	if err := c.tools.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.kernel.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.registry.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if c.obs != nil {
		if err := c.obs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("coordinator: shutdown errors: %v", errs)
	}
	return nil
}

// Reset interrupts any in-flight stream, tears down and rebuilds the
// provider registry's sessions and the kernel process, and rotates the Tool
// Service's bearer secret, rewriting the preamble module with the new
// value. Generated tool modules in the workspace survive a reset; only the
// preamble changes.
func (c *Coordinator) Reset(ctx context.Context) error {
	_ = c.kernel.Interrupt()

	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if err := c.registry.Shutdown(); err != nil {
		return fmt.Errorf("coordinator: reset: shut down providers: %w", err)
	}
	if err := c.kernel.Reset(ctx); err != nil {
		return fmt.Errorf("coordinator: reset: kernel: %w", err)
	}

	secret, err := c.tools.RotateSecret()
	if err != nil {
		return fmt.Errorf("coordinator: reset: rotate secret: %w", err)
	}
	if err := c.gen.GeneratePreamble(c.tools.Addr(), secret); err != nil {
		return fmt.Errorf("coordinator: reset: rewrite preamble: %w", err)
	}

	go c.registry.StartHealthChecks(ctx)

	return nil
}
