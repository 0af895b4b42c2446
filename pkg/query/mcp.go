package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	mcpProtocolVersion = "2024-11-05"
	jsonRPCVersion     = "2.0"
	serverName         = "opsbridge"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error [%d]: %s", e.Code, e.Message)
}

type implementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      implementationInfo `json:"serverInfo"`
	Capabilities    map[string]any     `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

type toolDefinition struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	InputSchema *Schema `json:"inputSchema"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the MCP tool-call payload. Typed tool failures travel
// inside it with IsError set, so callers can distinguish a rejection
// from a protocol error.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Adapter maps JSON-RPC requests onto the tool registry.
type Adapter struct {
	registry *Registry
	version  string
}

func NewAdapter(registry *Registry, version string) *Adapter {
	return &Adapter{registry: registry, version: version}
}

// HandleRequest dispatches one request. A nil response means the
// request was a notification and nothing should be written back.
func (a *Adapter) HandleRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req.JSONRPC != jsonRPCVersion {
		return errorResponse(req.ID, codeInvalidRequest, "invalid JSON-RPC version")
	}
	if req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "method is required")
	}

	switch req.Method {
	case "initialize":
		return a.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "ping":
		return successResponse(req.ID, map[string]any{})
	case "tools/list":
		return a.handleToolsList(req)
	case "tools/call":
		return a.handleToolsCall(ctx, req)
	case "shutdown":
		return successResponse(req.ID, nil)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (a *Adapter) handleInitialize(req *RPCRequest) *RPCResponse {
	result := &initializeResult{
		ProtocolVersion: mcpProtocolVersion,
		ServerInfo:      implementationInfo{Name: serverName, Version: a.version},
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		Instructions: "Observability bridge: query alerts, health and metrics for the monitored system.",
	}
	return successResponse(req.ID, result)
}

func (a *Adapter) handleToolsList(req *RPCRequest) *RPCResponse {
	tools := a.registry.List()
	defs := make([]toolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, toolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return successResponse(req.ID, map[string]any{"tools": defs})
}

func (a *Adapter) handleToolsCall(ctx context.Context, req *RPCRequest) *RPCResponse {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid tool call params: "+err.Error())
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "tool name is required")
	}

	result, err := a.registry.Invoke(ctx, params.Name, params.Arguments)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return successResponse(req.ID, toolFailure(toolErr))
		}
		return errorResponse(req.ID, codeInternalError, err.Error())
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "encode result: "+err.Error())
	}
	return successResponse(req.ID, &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: string(data)}},
	})
}

// toolFailure encodes a typed failure as a tool result so rejections
// and validation errors stay distinguishable from protocol errors.
func toolFailure(toolErr *ToolError) *ToolResult {
	data, _ := json.Marshal(toolErr)
	return &ToolResult{
		IsError: true,
		Content: []ContentBlock{{Type: "text", Text: string(data)}},
	}
}

func successResponse(id, result any) *RPCResponse {
	return &RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

func errorResponse(id any, code int, message string) *RPCResponse {
	return &RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}
