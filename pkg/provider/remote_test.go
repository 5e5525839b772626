package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonRPCHandler(t *testing.T, respond func(method string) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result := respond(req.Method)
		resultJSON, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jsonRPCResponse{ID: req.ID, Result: resultJSON})
	}
}

func toolsListResult() map[string]any {
	return map[string]any{
		"tools": []map[string]any{
			{
				"name":        "echo",
				"description": "echoes input",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
					},
					"required": []any{"text"},
				},
				"outputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"echoed": map[string]any{"type": "string"},
					},
					"required": []any{"echoed"},
				},
			},
		},
	}
}

func TestRemoteClientConnectJSON(t *testing.T) {
	server := httptest.NewServer(jsonRPCHandler(t, func(method string) any {
		switch method {
		case "initialize":
			return map[string]any{}
		case "tools/list":
			return toolsListResult()
		default:
			t.Fatalf("unexpected method %q", method)
			return nil
		}
	}))
	defer server.Close()

	c := NewRemoteClient(Spec{Name: "remote", Transport: TransportRemoteHTTP, URL: server.URL})
	schemas, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Fatalf("unexpected schemas: %+v", schemas)
	}
	if schemas[0].OutputSchema == nil || schemas[0].OutputSchema.Fields["echoed"] == nil {
		t.Fatalf("expected declared output schema to be carried, got %+v", schemas[0].OutputSchema)
	}
}

func TestRemoteClientConnectSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		var result map[string]any
		switch req.Method {
		case "initialize":
			result = map[string]any{}
		case "tools/list":
			result = toolsListResult()
		}
		resultJSON, _ := json.Marshal(result)
		resp := jsonRPCResponse{ID: req.ID, Result: resultJSON}
		payload, _ := json.Marshal(resp)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}))
	defer server.Close()

	c := NewRemoteClient(Spec{Name: "remote-sse", Transport: TransportRemoteHTTP, URL: server.URL})
	schemas, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Fatalf("unexpected schemas: %+v", schemas)
	}
}

func TestRemoteClientInvoke(t *testing.T) {
	server := httptest.NewServer(jsonRPCHandler(t, func(method string) any {
		if method != "tools/call" {
			t.Fatalf("unexpected method %q", method)
		}
		return map[string]any{
			"isError": false,
			"content": []map[string]any{{"type": "text", "text": "done"}},
		}
	}))
	defer server.Close()

	c := NewRemoteClient(Spec{Name: "remote", Transport: TransportRemoteHTTP, URL: server.URL})
	result, err := c.Invoke(context.Background(), ToolCall{ToolName: "echo", Args: map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(result.Content) != "done" {
		t.Fatalf("unexpected content: %s", result.Content)
	}
}

func TestRemoteClientInvokeToolError(t *testing.T) {
	server := httptest.NewServer(jsonRPCHandler(t, func(method string) any {
		return map[string]any{
			"isError": true,
			"content": []map[string]any{{"type": "text", "text": "boom"}},
		}
	}))
	defer server.Close()

	c := NewRemoteClient(Spec{Name: "remote", Transport: TransportRemoteHTTP, URL: server.URL})
	result, err := c.Invoke(context.Background(), ToolCall{ToolName: "echo"})
	if err == nil {
		t.Fatal("expected tool error")
	}
	if result == nil || !result.IsError {
		t.Fatalf("expected IsError result, got %+v", result)
	}
}

func TestRemoteClientSendsSpecHeaders(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Api-Key")
		var req jsonRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		result, _ := json.Marshal(map[string]any{})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jsonRPCResponse{ID: req.ID, Result: result})
	}))
	defer server.Close()

	c := NewRemoteClient(Spec{
		Name:      "remote",
		Transport: TransportRemoteHTTP,
		URL:       server.URL,
		Headers:   map[string]string{"X-Api-Key": "k3y"},
	})
	if _, err := c.call(context.Background(), "initialize", map[string]any{}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != "k3y" {
		t.Fatalf("expected spec header on the request, got %q", got)
	}
}

func TestRemoteClientForcedSSEModeIgnoresContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		result, _ := json.Marshal(map[string]any{})
		payload, _ := json.Marshal(jsonRPCResponse{ID: req.ID, Result: result})

		// Deliberately mislabeled: the body is an event stream but the
		// header claims plain JSON, so only the forced hint can parse it.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}))
	defer server.Close()

	c := NewRemoteClient(Spec{
		Name:         "remote-forced",
		Transport:    TransportRemoteHTTP,
		URL:          server.URL,
		ResponseMode: ResponseModeSSE,
	})
	if _, err := c.call(context.Background(), "initialize", map[string]any{}); err != nil {
		t.Fatalf("call with forced sse mode: %v", err)
	}
}

func TestSpecValidateRejectsUnknownResponseMode(t *testing.T) {
	spec := Spec{Name: "r", Transport: TransportRemoteHTTP, URL: "http://localhost:1", ResponseMode: "carrier-pigeon"}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected validation error for an unknown response_mode")
	}
}

func TestRemoteClientHTTPErrorIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewRemoteClient(Spec{Name: "remote", Transport: TransportRemoteHTTP, URL: server.URL})
	_, err := c.Connect(context.Background())
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
