package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandboxd/coordinator/pkg/registry"
	"github.com/sandboxd/coordinator/pkg/schema"
)

// DefaultHealthCheckInterval is the cadence of the background reconnect loop.
const DefaultHealthCheckInterval = 30 * time.Second

// Session is one connected provider: its transport client plus the tool
// schemas it advertised at connect time and a generation counter the
// registry bumps every time the session is recreated after a transport
// failure, so callers holding a stale *Session can detect it was replaced.
type Session struct {
	Name       string
	Client     Client
	Schemas    []schema.ToolSchema
	Generation uint64
}

// Registry owns the lifecycle of every configured provider session:
// connect, serve, tear down and recreate on TransportError. It wraps
// registry.BaseRegistry as a generic store for the live sessions, plus the
// bookkeeping (specs and generation counters) the generic store doesn't
// carry.
type Registry struct {
	*registry.BaseRegistry[*Session]

	mu    sync.Mutex
	specs map[string]Spec
	gen   map[string]uint64

	// connectGroup collapses concurrent Connect calls for the same provider
	// name into a single in-flight connect, so a storm of requests against a
	// cold provider doesn't spawn the process N times.
	connectGroup singleflight.Group

	healthCheckInterval time.Duration

	// healthMu guards stopHealthCheck, which is replaced with a fresh
	// channel on every StartHealthChecks launch so the loop can be stopped
	// and restarted across Reset cycles. Nil means no loop is running.
	healthMu        sync.Mutex
	stopHealthCheck chan struct{}
}

// NewRegistry creates an empty registry. Providers are added with
// RegisterSpec before Connect is called against them.
func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry:        registry.NewBaseRegistry[*Session](),
		specs:               make(map[string]Spec),
		gen:                 make(map[string]uint64),
		healthCheckInterval: DefaultHealthCheckInterval,
	}
}

// RegisterSpec validates spec and makes it available to Connect. It is
// idempotent: registering a name that is already known replaces its spec,
// and if a session is currently open under the old spec, that session is
// torn down so the next Connect starts fresh against the new spec.
func (r *Registry) RegisterSpec(spec Spec) error {
	spec.SetDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.specs[spec.Name] = spec
	r.mu.Unlock()

	if _, ok := r.Get(spec.Name); ok {
		if err := r.Teardown(spec.Name); err != nil {
			return err
		}
	}
	return nil
}

// Connect establishes (or returns the already-established) session for name.
func (r *Registry) Connect(ctx context.Context, name string) (*Session, error) {
	if session, ok := r.Get(name); ok {
		return session, nil
	}

	v, err, _ := r.connectGroup.Do(name, func() (any, error) {
		if session, ok := r.Get(name); ok {
			return session, nil
		}
		return r.connect(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) connect(ctx context.Context, name string) (*Session, error) {
	r.mu.Lock()
	spec, exists := r.specs[name]
	r.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.ConnectTimeoutSeconds)*time.Second)
	defer cancel()

	client := newClientForSpec(spec)
	schemas, err := client.Connect(connectCtx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.gen[name]++
	generation := r.gen[name]
	r.mu.Unlock()

	session := &Session{Name: name, Client: client, Schemas: schemas, Generation: generation}
	if err := r.Register(name, session); err != nil {
		_ = client.Close()
		return nil, err
	}
	return session, nil
}

// newClientForSpec builds the transport client for spec. It is a package
// variable, not a plain function, so tests can substitute a fake Client
// without spawning a real process or dialing a real URL.
var newClientForSpec = func(spec Spec) Client {
	switch spec.Transport {
	case TransportRemoteHTTP:
		return NewRemoteClient(spec)
	default:
		return NewLocalProcessClient(spec)
	}
}

// Invoke runs call against the named provider's connected session. If the
// session reports a TransportError the registry tears it down and recreates
// it once before retrying, the same teardown-and-recreate behavior the Tool
// Service relies on to survive a crashed provider process.
func (r *Registry) Invoke(ctx context.Context, name string, call ToolCall) (*ToolResult, error) {
	session, err := r.Connect(ctx, name)
	if err != nil {
		return nil, err
	}

	result, err := session.Client.Invoke(ctx, call)
	if err == nil || !IsTransportError(err) {
		return result, err
	}

	if teardownErr := r.Teardown(name); teardownErr != nil {
		return nil, err
	}

	session, err = r.Connect(ctx, name)
	if err != nil {
		return nil, err
	}
	return session.Client.Invoke(ctx, call)
}

// Teardown closes the named provider's transport and removes it from the
// registry. The next Connect call recreates it with a bumped generation.
func (r *Registry) Teardown(name string) error {
	session, ok := r.Get(name)
	if !ok {
		return nil
	}
	if err := r.Remove(name); err != nil {
		return err
	}
	return session.Client.Close()
}

// StartHealthChecks runs until ctx is cancelled or StopHealthChecks is
// called, periodically reconnecting any provider whose session has gone
// missing (torn down by a failed Invoke but never reconnected because
// nothing called Connect again). A stopped registry may be started again:
// each launch gets its own stop channel, so Reset can cycle the loop.
func (r *Registry) StartHealthChecks(ctx context.Context) {
	r.healthMu.Lock()
	if r.stopHealthCheck != nil {
		// A loop is already running; displace it so only one ticks.
		close(r.stopHealthCheck)
	}
	stop := make(chan struct{})
	r.stopHealthCheck = stop
	r.healthMu.Unlock()

	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.reconnectMissing(ctx)
		}
	}
}

// StopHealthChecks stops the running health-check loop, if any. Safe to
// call repeatedly; StartHealthChecks may be called again afterwards.
func (r *Registry) StopHealthChecks() {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if r.stopHealthCheck != nil {
		close(r.stopHealthCheck)
		r.stopHealthCheck = nil
	}
}

func (r *Registry) reconnectMissing(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		if _, ok := r.Get(name); ok {
			continue
		}
		_, _ = r.Connect(ctx, name)
	}
}

// Shutdown tears down every connected session.
func (r *Registry) Shutdown() error {
	r.StopHealthChecks()

	var errs []error
	for _, session := range r.List() {
		if err := session.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.Clear()

	if len(errs) > 0 {
		return fmt.Errorf("failed to shut down %d provider sessions: %v", len(errs), errs)
	}
	return nil
}
