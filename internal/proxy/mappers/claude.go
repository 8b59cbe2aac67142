package mappers

import (
	"encoding/json"
	"fmt"
)

// Claude messages wire structures.

type ClaudeRequest struct {
	Model         string          `json:"model"`
	Messages      []ClaudeMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	System        json.RawMessage `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []ClaudeTool    `json:"tools,omitempty"`
}

type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type ClaudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type ClaudeContentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "image"
	Source *ClaudeImageSource `json:"source,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type ClaudeImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ClaudeResponse struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Role         string               `json:"role"`
	Model        string               `json:"model"`
	Content      []ClaudeContentBlock `json:"content"`
	StopReason   string               `json:"stop_reason,omitempty"`
	StopSequence *string              `json:"stop_sequence"`
	Usage        ClaudeUsage          `json:"usage"`
}

// ParseClaudeMessages converts a Claude messages request document into
// canonical form. A message containing tool_result blocks maps to a tool
// turn; the system field becomes a leading system turn.
func ParseClaudeMessages(body []byte) (*Request, error) {
	var wire ClaudeRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, schemaErrorf("request", "invalid JSON: %v", err)
	}
	if wire.Model == "" {
		return nil, schemaErrorf("model", "required field is missing")
	}
	if len(wire.Messages) == 0 {
		return nil, schemaErrorf("messages", "required field is missing or empty")
	}

	req := &Request{
		Model:  wire.Model,
		Stream: wire.Stream,
		Params: GenParams{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			TopK:        wire.TopK,
			Stop:        wire.StopSequences,
		},
	}
	if wire.MaxTokens > 0 {
		maxTokens := wire.MaxTokens
		req.Params.MaxTokens = &maxTokens
	}

	if sys, err := claudeSystemText(wire.System); err != nil {
		return nil, err
	} else if sys != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Parts: []Part{{Text: sys}}})
	}

	for i, msg := range wire.Messages {
		parts, hasToolResult, err := claudeContentToParts(i, msg.Content)
		if err != nil {
			return nil, err
		}
		var role Role
		switch {
		case hasToolResult:
			role = RoleTool
		case msg.Role == "assistant":
			role = RoleAssistant
		case msg.Role == "user":
			role = RoleUser
		default:
			return nil, schemaErrorf(fieldAt(i, "role"), "unknown role %q", msg.Role)
		}
		req.Messages = append(req.Messages, Message{Role: role, Parts: parts})
	}

	for i, tool := range wire.Tools {
		if tool.Name == "" {
			return nil, schemaErrorf(fmt.Sprintf("tools[%d].name", i), "required field is missing")
		}
		req.Tools = append(req.Tools, ToolDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return req, nil
}

// claudeSystemText accepts both the string form and the block-array form of
// the system field.
func claudeSystemText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", schemaErrorf("system", "must be a string or an array of text blocks")
	}
	out := ""
	for _, b := range blocks {
		out += b.Text
	}
	return out, nil
}

func claudeContentToParts(index int, content json.RawMessage) ([]Part, bool, error) {
	if len(content) == 0 {
		return nil, false, schemaErrorf(fieldAt(index, "content"), "required field is missing")
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return []Part{{Text: text}}, false, nil
	}

	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, false, schemaErrorf(fieldAt(index, "content"), "must be a string or an array of blocks")
	}

	var parts []Part
	hasToolResult := false
	for j, block := range blocks {
		switch block.Type {
		case "text":
			parts = append(parts, Part{Text: block.Text})
		case "image":
			if block.Source == nil || block.Source.Data == "" {
				return nil, false, schemaErrorf(fmt.Sprintf("messages[%d].content[%d].source", index, j), "required field is missing")
			}
			parts = append(parts, Part{Image: &InlineImage{
				MimeType: block.Source.MediaType,
				Data:     block.Source.Data,
			}})
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			if !json.Valid(input) {
				return nil, false, schemaErrorf(fmt.Sprintf("messages[%d].content[%d].input", index, j), "input is not valid JSON")
			}
			parts = append(parts, Part{ToolCall: &ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: input,
			}})
		case "tool_result":
			hasToolResult = true
			parts = append(parts, Part{ToolResult: &ToolResult{
				ID:     block.ToolUseID,
				Name:   block.ToolUseID,
				Output: block.Content,
			}})
		default:
			return nil, false, schemaErrorf(fmt.Sprintf("messages[%d].content[%d].type", index, j), "unknown block type %q", block.Type)
		}
	}
	return parts, hasToolResult, nil
}

// FormatClaudeRequest renders a canonical request back into the Claude wire
// shape, the inverse of ParseClaudeMessages.
func FormatClaudeRequest(req *Request) (*ClaudeRequest, error) {
	wire := &ClaudeRequest{
		Model:         req.Model,
		Stream:        req.Stream,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		TopK:          req.Params.TopK,
		StopSequences: req.Params.Stop,
	}
	if req.Params.MaxTokens != nil {
		wire.MaxTokens = *req.Params.MaxTokens
	}

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			text := ""
			for _, p := range msg.Parts {
				text += p.Text
			}
			sys, err := json.Marshal(text)
			if err != nil {
				return nil, err
			}
			wire.System = sys
			continue
		}

		blocks := make([]ClaudeContentBlock, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			switch {
			case p.Image != nil:
				blocks = append(blocks, ClaudeContentBlock{
					Type: "image",
					Source: &ClaudeImageSource{
						Type:      "base64",
						MediaType: p.Image.MimeType,
						Data:      p.Image.Data,
					},
				})
			case p.ToolCall != nil:
				blocks = append(blocks, ClaudeContentBlock{
					Type:  "tool_use",
					ID:    toolCallID(p.ToolCall),
					Name:  p.ToolCall.Name,
					Input: p.ToolCall.Args,
				})
			case p.ToolResult != nil:
				blocks = append(blocks, ClaudeContentBlock{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.ID,
					Content:   p.ToolResult.Output,
				})
			default:
				blocks = append(blocks, ClaudeContentBlock{Type: "text", Text: p.Text})
			}
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		wire.Messages = append(wire.Messages, ClaudeMessage{Role: role, Content: content})
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, ClaudeTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return wire, nil
}

// claudeStopReason maps canonical finish reasons onto Claude's vocabulary.
func claudeStopReason(reason FinishReason) string {
	switch reason {
	case FinishLength:
		return "max_tokens"
	case FinishToolCall:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// FormatClaudeResponse renders a complete canonical response as a Claude
// message document.
func FormatClaudeResponse(resp *Response, requestedModel string) ([]byte, error) {
	blocks := make([]ClaudeContentBlock, 0, len(resp.Parts))
	for _, p := range resp.Parts {
		switch {
		case p.ToolCall != nil:
			blocks = append(blocks, ClaudeContentBlock{
				Type:  "tool_use",
				ID:    toolCallID(p.ToolCall),
				Name:  p.ToolCall.Name,
				Input: p.ToolCall.Args,
			})
		default:
			if p.Text != "" {
				blocks = append(blocks, ClaudeContentBlock{Type: "text", Text: p.Text})
			}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, ClaudeContentBlock{Type: "text", Text: ""})
	}

	wire := ClaudeResponse{
		ID:         claudeResponseID(resp.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      requestedModel,
		Content:    blocks,
		StopReason: claudeStopReason(resp.FinishReason),
		Usage: ClaudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(wire)
}

func claudeResponseID(upstreamID string) string {
	if upstreamID != "" {
		return "msg_" + upstreamID
	}
	return "msg_" + newID()
}
