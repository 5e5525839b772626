package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sandboxd/coordinator/pkg/schema"
)

// LocalProcessClient spawns a provider as a child process and speaks to it
// over stdio, with concurrent requests multiplexed by the mcp-go client's
// per-request IDs.
type LocalProcessClient struct {
	spec   Spec
	client *client.Client
}

// NewLocalProcessClient creates a client for spec. Connect must be called
// before Invoke.
func NewLocalProcessClient(spec Spec) *LocalProcessClient {
	return &LocalProcessClient{spec: spec}
}

func (c *LocalProcessClient) Connect(ctx context.Context) ([]schema.ToolSchema, error) {
	resolved, err := resolveEnv(c.spec.Env)
	if err != nil {
		return nil, newTransportError(c.spec.Name, "resolve env", err)
	}
	env := make([]string, 0, len(resolved))
	for k, v := range resolved {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(c.spec.Command, env, c.spec.Args...)
	if err != nil {
		return nil, newTransportError(c.spec.Name, "spawn process", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, newTransportError(c.spec.Name, "start process", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "sandboxd", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return nil, newTransportError(c.spec.Name, "initialize", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return nil, newTransportError(c.spec.Name, "list tools", err)
	}

	schemas := make([]schema.ToolSchema, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		raw, err := toRawTool(t)
		if err != nil {
			_ = mcpClient.Close()
			return nil, newProtocolError(c.spec.Name, fmt.Sprintf("decode schema for tool %q", t.Name), err)
		}
		ts := schema.ToolSchema{
			Name:             t.Name,
			Description:      t.Description,
			InputSchema:      convertJSONSchema(rawObject(raw["inputSchema"])),
			RequiresApproval: true,
		}
		if out := rawObject(raw["outputSchema"]); out != nil {
			ts.OutputSchema = convertJSONSchema(out)
		}
		schemas = append(schemas, ts)
	}

	c.client = mcpClient
	return schemas, nil
}

func (c *LocalProcessClient) Invoke(ctx context.Context, call ToolCall) (*ToolResult, error) {
	if c.client == nil {
		return nil, newTransportError(c.spec.Name, "invoke", fmt.Errorf("not connected"))
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = call.ToolName
	req.Params.Arguments = call.Args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, newTransportError(c.spec.Name, "call tool", err)
	}

	content, err := flattenContent(resp)
	if err != nil {
		return nil, newProtocolError(c.spec.Name, "decode tool result", err)
	}

	if resp.IsError {
		return &ToolResult{Content: content, IsError: true}, newToolError(c.spec.Name, string(content), nil)
	}

	return &ToolResult{Content: content}, nil
}

func (c *LocalProcessClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// toRawTool round-trips mcp-go's typed Tool through JSON into a generic map,
// since convertJSONSchema works against the wire shape rather than mcp-go's
// Go structs. This also keeps the optional outputSchema field visible
// without depending on its Go-side representation.
func toRawTool(t mcp.Tool) (map[string]any, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func rawObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// flattenContent concatenates the text parts of an MCP tool result;
// non-text content blocks are carried through as their JSON encoding.
func flattenContent(resp *mcp.CallToolResult) ([]byte, error) {
	var out []byte
	for _, item := range resp.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			out = append(out, []byte(tc.Text)...)
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}
