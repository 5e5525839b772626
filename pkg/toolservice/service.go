// Package toolservice implements the tool service: a loopback HTTP endpoint
// the kernel calls to invoke a tool, and the duplex channel the host-side
// approval client uses to receive approval requests and post decisions.
//
// The routing table is an explicit http.ServeMux with bearer-token checking
// on every route except /health; the duplex approval channel is a
// gorilla/websocket connection that loops ReadJSON/WriteJSON after upgrade.
package toolservice

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sandboxd/coordinator/pkg/approval"
	"github.com/sandboxd/coordinator/pkg/logger"
	"github.com/sandboxd/coordinator/pkg/observability"
	"github.com/sandboxd/coordinator/pkg/provider"
)

// Config controls how a Service binds and authenticates.
type Config struct {
	// Addr is the loopback address to bind, e.g. "127.0.0.1:0" to let the
	// OS choose a port (the chosen port is read back via Service.Addr).
	Addr string

	// Secret authenticates kernel calls to /run. A zero value makes
	// NewService generate a random one, which is the expected path: the
	// secret is minted per session and handed to the code generator's
	// preamble module, never configured by a human.
	Secret string

	// ApprovalTimeout bounds how long /run waits for a host decision once
	// a request is registered. Zero means wait indefinitely, matching the
	// "no default approval_timeout" decision.
	ApprovalTimeout time.Duration
}

// GenerateSecret returns a random hex-encoded bearer token.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("toolservice: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Service is the Tool Service: /run plus the /approvals duplex channel.
type Service struct {
	cfg       Config
	registry  *provider.Registry
	approvals *approval.Channel
	hub       *approvalHub
	log       *slog.Logger

	secretMu sync.RWMutex
	secret   string

	observerMu       sync.RWMutex
	onApprovalNotify func(ApprovalNotification)
	onApprovalDone   func(id string)

	metrics *observability.Metrics

	server *http.Server
	addr   string
}

// SetMetrics attaches the counters run.go updates for every tool call and
// resolved approval. A nil metrics (the default) makes every observation a
// no-op, per the observability package's nil-means-disabled convention.
func (s *Service) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// SetApprovalObserver registers the coordinator's in-process hooks for
// approval lifecycle events: onNotify fires the moment a request is
// registered (the same instant the websocket peer, if any, is notified),
// onResolved fires once RequestApproval's wait returns. Either may be nil.
// This lets the coordinator surface ApprovalRequest stream events and
// pause/resume its execution budget without dialing its own /approvals
// endpoint as a client.
func (s *Service) SetApprovalObserver(onNotify func(ApprovalNotification), onResolved func(id string)) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.onApprovalNotify = onNotify
	s.onApprovalDone = onResolved
}

// NewService wires a Service against an already-constructed provider
// registry and approval channel; the coordinator owns both and passes them
// in.
func NewService(cfg Config, registry *provider.Registry, approvals *approval.Channel) (*Service, error) {
	if cfg.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return nil, err
		}
		cfg.Secret = secret
	}

	return &Service{
		cfg:       cfg,
		registry:  registry,
		approvals: approvals,
		hub:       newApprovalHub(approvals),
		log:       logger.GetLogger(),
		secret:    cfg.Secret,
	}, nil
}

// Secret returns the bearer token kernel-side callers must present.
func (s *Service) Secret() string {
	s.secretMu.RLock()
	defer s.secretMu.RUnlock()
	return s.secret
}

// RotateSecret replaces the bearer token with a freshly generated one and
// returns it, for the coordinator's reset path: the preamble module is rewritten with
// this new secret while the Tool Service itself keeps running.
func (s *Service) RotateSecret() (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	s.secretMu.Lock()
	s.secret = secret
	s.secretMu.Unlock()
	return secret, nil
}

// Addr returns the address the service is actually listening on, valid
// after Start returns successfully.
func (s *Service) Addr() string { return s.addr }

func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/run", s.authMiddleware(s.handleRun))
	mux.HandleFunc("/approvals", s.authMiddleware(s.handleApprovals))
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Service) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.Secret())) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Start binds the listener and serves in a background goroutine.
func (s *Service) Start(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	s.server = &http.Server{Addr: addr, Handler: s.routes()}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("toolservice: bind %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("tool service stopped serving", "error", err)
		}
	}()

	return nil
}

// Shutdown stops the HTTP server and detaches any connected approval peer.
func (s *Service) Shutdown(ctx context.Context) error {
	s.hub.closeAny()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
