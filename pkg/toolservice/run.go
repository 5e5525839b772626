package toolservice

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sandboxd/coordinator/pkg/approval"
	"github.com/sandboxd/coordinator/pkg/provider"
	"github.com/sandboxd/coordinator/pkg/schema"
)

// handleRun implements POST /run: approval, then schema validation, then
// dispatch through the provider registry. Every POST responds HTTP 200 with
// a {ok,result} or {ok,error} body; any other method gets 405.
func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errResponse(ErrValidation, "malformed request body: "+err.Error()))
		return
	}

	ctx := r.Context()

	var approvalID string
	requestedAt := time.Now()
	decision, err := s.approvals.RequestApproval(ctx, s.cfg.ApprovalTimeout, func(id string) {
		approvalID = id
		frame := ApprovalNotification{
			ID:       id,
			Provider: req.Provider,
			Tool:     req.Tool,
			Args:     req.Args,
			Ts:       time.Now().Unix(),
		}
		s.hub.notify(frame)

		s.observerMu.RLock()
		onNotify := s.onApprovalNotify
		s.observerMu.RUnlock()
		if onNotify != nil {
			onNotify(frame)
		}
	})

	if approvalID != "" {
		s.observerMu.RLock()
		onResolved := s.onApprovalDone
		s.observerMu.RUnlock()
		if onResolved != nil {
			onResolved(approvalID)
		}
		s.metrics.ObserveApprovalResolved(string(decision), time.Since(requestedAt))
	}

	if err != nil {
		writeJSON(w, errResponse(ErrApprovalCancelled, err.Error()))
		return
	}

	switch decision {
	case approval.DecisionRejected:
		writeJSON(w, errResponse(ErrApprovalRejected, "host rejected the tool call"))
		return
	case approval.DecisionExpired:
		writeJSON(w, errResponse(ErrApprovalTimeout, "approval timed out"))
		return
	case approval.DecisionCancelled:
		writeJSON(w, errResponse(ErrApprovalCancelled, "approval was cancelled"))
		return
	case approval.DecisionAccepted:
		// fall through to validation and dispatch
	}

	session, err := s.registry.Connect(ctx, req.Provider)
	if err != nil {
		writeJSON(w, errResponse(ErrTransport, err.Error()))
		return
	}

	tool := findTool(session.Schemas, req.Tool)
	if tool == nil {
		writeJSON(w, errResponse(ErrValidation, "unknown tool "+req.Tool))
		return
	}
	if err := schema.ValidateValue(tool.InputSchema, argsAsValue(req.Args)); err != nil {
		writeJSON(w, errResponse(ErrValidation, err.Error()))
		return
	}

	callStart := time.Now()
	result, err := s.registry.Invoke(ctx, req.Provider, provider.ToolCall{ToolName: req.Tool, Args: req.Args})
	if err != nil {
		s.metrics.ObserveToolCall(req.Provider, req.Tool, true, time.Since(callStart))
		if provider.IsTransportError(err) {
			writeJSON(w, errResponse(ErrTransport, err.Error()))
		} else {
			writeJSON(w, errResponse(ErrTool, err.Error()))
		}
		return
	}
	s.metrics.ObserveToolCall(req.Provider, req.Tool, result.IsError, time.Since(callStart))
	if result.IsError {
		writeJSON(w, errResponse(ErrTool, string(result.Content)))
		return
	}

	writeJSON(w, okResponse(decodeResult(result.Content)))
}

func findTool(schemas []schema.ToolSchema, name string) *schema.ToolSchema {
	for i := range schemas {
		if schemas[i].Name == name {
			return &schemas[i]
		}
	}
	return nil
}

// argsAsValue re-decodes args through JSON so it matches the generic tree
// shape (map[string]any with float64 numbers) ValidateValue expects, the
// same shape args already had when they came in over the wire before
// json.Decode populated the typed runRequest.Args field.
func argsAsValue(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}

// decodeResult tries to decode a tool result as JSON so structured results
// round-trip as structured JSON in the response; a non-JSON result is
// returned as plain text.
func decodeResult(content []byte) any {
	var v any
	if err := json.Unmarshal(content, &v); err == nil {
		return v
	}
	return string(content)
}

func writeJSON(w http.ResponseWriter, resp runResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
