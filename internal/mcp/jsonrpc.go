package mcp

import (
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Request/Response are the JSON-RPC 2.0 envelopes for the three methods
// this system uses: initialize, tools/list, tools/call. Framing differs
// per transport (§6): stdio is line-delimited JSON, http/unix is a single
// body per request, ws uses text frames, sse uses `data: <json>\n\n`.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// newInitializeParams builds the initialize params from mcp-go's own
// request shapes rather than a hand-rolled struct, so the handshake stays
// wire-compatible with what the SDK's servers expect.
func newInitializeParams() mcplib.InitializeParams {
	return mcplib.InitializeParams{
		ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
		ClientInfo: mcplib.Implementation{
			Name:    "sentry-gateway",
			Version: "1.0.0",
		},
	}
}

// decodeToolsList decodes a tools/list result through mcp-go's
// ListToolsResult, converting each SDK Tool into the local ToolSchema
// (the typed InputSchema is round-tripped through JSON into the plain
// map the registry and agent loop consume).
func decodeToolsList(raw json.RawMessage) ([]ToolSchema, error) {
	var result mcplib.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	tools := make([]ToolSchema, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := map[string]any{}
		if data, err := json.Marshal(t.InputSchema); err == nil {
			_ = json.Unmarshal(data, &schema)
		}
		tools = append(tools, ToolSchema{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolsCallResult struct {
	Content []wireContentBlock `json:"content"`
	IsError bool               `json:"isError"`
}

type wireContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

func newRequest(id int64, method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}
