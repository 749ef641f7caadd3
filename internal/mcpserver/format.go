package mcpserver

import (
	"encoding/json"

	"github.com/artemis/dockhostd/internal/errs"
	"github.com/mark3labs/mcp-go/mcp"
)

// envelope is the structured result dictionary every tool call returns:
// {success, error?, data?} at minimum.
type envelope struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// result builds a CallToolResult carrying the JSON envelope as its first
// content block and, when given, a human-readable summary as a second
// block, following the example server's NewTextResult success/error split.
func result(data interface{}, humanText string, err error) (*mcp.CallToolResult, error) {
	env := envelope{Success: err == nil, Data: data}
	if err != nil {
		env.Error = err.Error()
	}
	body, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		body = []byte(`{"success":false,"error":"failed to encode result"}`)
	}

	content := []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}}
	if humanText != "" {
		content = append(content, mcp.TextContent{Type: "text", Text: humanText})
	}
	return &mcp.CallToolResult{IsError: err != nil, Content: content}, nil
}

// errorResult is the no-data shorthand used for validation failures before
// any lower-layer call was attempted.
func errorResult(err error) (*mcp.CallToolResult, error) {
	return result(nil, "", err)
}

func unknownAction(action string) error {
	return errs.New(errs.KindValidation, "unknown action %q", action)
}
