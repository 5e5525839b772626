package toolservice

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sandboxd/coordinator/pkg/approval"
	"github.com/sandboxd/coordinator/pkg/logger"
)

// ApprovalNotification is the outbound wire shape of a pending approval
// request: {id, provider, tool, args, ts}.
type ApprovalNotification struct {
	ID       string         `json:"id"`
	Provider string         `json:"provider"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args,omitempty"`
	Ts       int64          `json:"ts"`
}

// decisionFrame is the inbound wire shape a host decision arrives in:
// {id, decision: accept|reject}.
type decisionFrame struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

// approvalHub is the duplex channel's host-facing peer registry. At most one
// peer is attached at a time; notify is a best-effort send that drops
// silently when no peer is attached, since a request already registered with
// the approval channel still resolves on its own timeout.
type approvalHub struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	approvals *approval.Channel
	log       *slog.Logger
}

func newApprovalHub(approvals *approval.Channel) *approvalHub {
	return &approvalHub{approvals: approvals, log: logger.GetLogger()}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Service) handleApprovals(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("approval channel upgrade failed", "error", err)
		return
	}
	s.hub.attach(conn)
	defer s.hub.detach(conn)

	for {
		var frame decisionFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		accept := frame.Decision == "accept"
		if err := s.approvals.Decide(frame.ID, accept); err != nil {
			s.log.Debug("approval decision for unknown request", "id", frame.ID, "error", err)
		}
	}
}

func (h *approvalHub) attach(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.conn = conn
}

// detach closes conn and clears it as the attached peer, but only if it is
// still the current peer: a handler whose connection was already displaced
// by attach() must not tear down the connection that replaced it.
func (h *approvalHub) detach(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return
	}
	_ = h.conn.Close()
	h.conn = nil
}

// closeAny force-closes whatever peer is currently attached, regardless of
// identity. Used on service shutdown, where any live peer must go.
func (h *approvalHub) closeAny() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}

func (h *approvalHub) notify(frame ApprovalNotification) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(frame); err != nil {
		h.log.Warn("failed to notify approval peer", "error", err)
	}
}
