package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandboxd/coordinator/pkg/httpclient"
	"github.com/sandboxd/coordinator/pkg/schema"
)

// DefaultSSEReadTimeout bounds how long RemoteClient waits for a complete
// message out of a text/event-stream response before giving up.
const DefaultSSEReadTimeout = 2 * time.Minute

// RemoteClient speaks a JSON-RPC-shaped protocol to a provider reachable over
// HTTP. Each request is POSTed to the provider's base URL; the response is
// either a plain JSON body ("framed-HTTP") or a text/event-stream body
// ("long-poll streaming"), auto-detected from the response's Content-Type
// unless the spec's ResponseMode pins one dialect. Spec-level headers are
// sent on every request.
type RemoteClient struct {
	spec   Spec
	http   *httpclient.Client
	nextID atomic.Int64

	sessionMu sync.RWMutex
	sessionID string
}

// NewRemoteClient creates a client for spec. Connect must be called before
// Invoke.
func NewRemoteClient(spec Spec) *RemoteClient {
	return &RemoteClient{
		spec: spec,
		http: httpclient.New(
			httpclient.WithMaxRetries(3),
			httpclient.WithHeaderParser(httpclient.ParseRateLimitHeaders),
		),
	}
}

func (c *RemoteClient) Connect(ctx context.Context) ([]schema.ToolSchema, error) {
	initParams := map[string]any{
		"clientInfo":      map[string]string{"name": "sandboxd", "version": "1.0.0"},
		"protocolVersion": "2024-11-05",
	}
	if _, err := c.call(ctx, "initialize", initParams); err != nil {
		return nil, newTransportError(c.spec.Name, "initialize", err)
	}

	resp, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, newTransportError(c.spec.Name, "list tools", err)
	}

	var listResult struct {
		Tools []struct {
			Name         string         `json:"name"`
			Description  string         `json:"description"`
			InputSchema  map[string]any `json:"inputSchema"`
			OutputSchema map[string]any `json:"outputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, newProtocolError(c.spec.Name, "decode tools/list result", err)
	}

	schemas := make([]schema.ToolSchema, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		ts := schema.ToolSchema{
			Name:             t.Name,
			Description:      t.Description,
			InputSchema:      convertJSONSchema(t.InputSchema),
			RequiresApproval: true,
		}
		if t.OutputSchema != nil {
			ts.OutputSchema = convertJSONSchema(t.OutputSchema)
		}
		schemas = append(schemas, ts)
	}

	return schemas, nil
}

func (c *RemoteClient) Invoke(ctx context.Context, call ToolCall) (*ToolResult, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{
		"name":      call.ToolName,
		"arguments": call.Args,
	})
	if err != nil {
		return nil, newTransportError(c.spec.Name, "invoke", err)
	}

	var callResult struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		return nil, newProtocolError(c.spec.Name, "decode tools/call result", err)
	}

	var content []byte
	for _, part := range callResult.Content {
		content = append(content, []byte(part.Text)...)
	}

	if callResult.IsError {
		return &ToolResult{Content: content, IsError: true}, newToolError(c.spec.Name, string(content), nil)
	}
	return &ToolResult{Content: content}, nil
}

func (c *RemoteClient) Close() error {
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call sends one JSON-RPC request and returns its parsed response, routing
// through the SSE or plain-JSON reader according to the response's
// Content-Type.
func (c *RemoteClient) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{JSONRPC: "2.0", ID: int(c.nextID.Add(1)), Method: method, Params: params}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spec.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.spec.Headers {
		httpReq.Header.Set(k, v)
	}

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("x-sandbox-session-id", sessionID)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("x-sandbox-session-id"); newSessionID != "" {
		c.sessionMu.Lock()
		c.sessionID = newSessionID
		c.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("http error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	mode := c.spec.ResponseMode
	if mode == ResponseModeAuto {
		if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
			mode = ResponseModeSSE
		} else {
			mode = ResponseModeJSON
		}
	}

	var resp *jsonRPCResponse
	if mode == ResponseModeSSE {
		resp, err = readSSEResponse(httpResp, DefaultSSEReadTimeout)
	} else {
		resp, err = readJSONResponse(httpResp)
	}
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

func readJSONResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message out of an
// event-stream body. A provider may keep the connection open past that
// message; this client only needs the one response matching the request.
func readSSEResponse(httpResp *http.Response, timeout time.Duration) (*jsonRPCResponse, error) {
	type result struct {
		resp *jsonRPCResponse
		err  error
	}
	out := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()
		reader := bufio.NewReader(httpResp.Body)
		var data strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			text := strings.TrimSpace(string(line))
			if text == "" {
				if data.Len() > 0 {
					var resp jsonRPCResponse
					if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
						out <- result{resp: &resp}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(text, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(text, "data:")))
			}
		}

		if data.Len() > 0 {
			var resp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
				out <- result{resp: &resp}
				return
			}
		}
		out <- result{err: fmt.Errorf("event stream ended without a complete message")}
	}()

	select {
	case res := <-out:
		return res.resp, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout reading event stream after %v", timeout)
	}
}
