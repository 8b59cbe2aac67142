package mappers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OpenAI chat.completions wire structures.

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stop        OpenAIStop      `json:"stop,omitempty"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"`
}

// OpenAIStop accepts both the string and the array form of "stop".
type OpenAIStop []string

func (s *OpenAIStop) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type OpenAITool struct {
	Type     string                    `json:"type"`
	Function *OpenAIFunctionDefinition `json:"function,omitempty"`
}

type OpenAIFunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIToolCall struct {
	// Index is only set on streaming deltas, where clients use it to
	// assemble calls split across chunks.
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIStreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// ParseOpenAIChat converts an OpenAI chat.completions request document into
// canonical form. Tool-call arguments must be valid JSON; image parts must be
// data URLs.
func ParseOpenAIChat(body []byte) (*Request, error) {
	var wire OpenAIChatRequest
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
			MaxTokens:   wire.MaxTokens,
			Stop:        wire.Stop,
		},
	}

	for i, msg := range wire.Messages {
		canonical, err := openAIMessageToCanonical(i, msg)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, canonical)
	}

	for i, tool := range wire.Tools {
		if tool.Type != "function" {
			// Unknown tool kinds (web_search etc.) have no Gemini mapping here.
			continue
		}
		if tool.Function == nil || tool.Function.Name == "" {
			return nil, schemaErrorf(fmt.Sprintf("tools[%d].function.name", i), "required field is missing")
		}
		req.Tools = append(req.Tools, ToolDecl{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	return req, nil
}

func openAIMessageToCanonical(index int, msg OpenAIMessage) (Message, error) {
	var role Role
	switch msg.Role {
	case "system", "developer":
		role = RoleSystem
	case "user":
		role = RoleUser
	case "assistant":
		role = RoleAssistant
	case "tool":
		role = RoleTool
	default:
		return Message{}, schemaErrorf(fieldAt(index, "role"), "unknown role %q", msg.Role)
	}

	out := Message{Role: role}

	if role == RoleTool {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err != nil {
			text = string(msg.Content)
		}
		output, err := json.Marshal(text)
		if err != nil {
			return Message{}, schemaErrorf(fieldAt(index, "content"), "not serializable: %v", err)
		}
		out.Parts = append(out.Parts, Part{ToolResult: &ToolResult{
			ID:     msg.ToolCallID,
			Name:   msg.Name,
			Output: output,
		}})
		return out, nil
	}

	parts, err := openAIContentToParts(index, msg.Content)
	if err != nil {
		return Message{}, err
	}
	out.Parts = parts

	for j, call := range msg.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		if !json.Valid(args) {
			return Message{}, schemaErrorf(
				fmt.Sprintf("messages[%d].tool_calls[%d].function.arguments", index, j),
				"arguments are not valid JSON")
		}
		out.Parts = append(out.Parts, Part{ToolCall: &ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: args,
		}})
	}

	if len(out.Parts) == 0 {
		return Message{}, schemaErrorf(fieldAt(index, "content"), "required field is missing")
	}
	return out, nil
}

func openAIContentToParts(index int, content json.RawMessage) ([]Part, error) {
	if len(content) == 0 || string(content) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return []Part{{Text: text}}, nil
	}

	var wireParts []openAIContentPart
	if err := json.Unmarshal(content, &wireParts); err != nil {
		return nil, schemaErrorf(fieldAt(index, "content"), "must be a string or an array of parts")
	}

	var parts []Part
	for j, p := range wireParts {
		switch p.Type {
		case "text":
			parts = append(parts, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, schemaErrorf(fmt.Sprintf("messages[%d].content[%d].image_url.url", index, j), "required field is missing")
			}
			img, err := parseDataURL(p.ImageURL.URL)
			if err != nil {
				return nil, schemaErrorf(fmt.Sprintf("messages[%d].content[%d].image_url.url", index, j), "%v", err)
			}
			parts = append(parts, Part{Image: img})
		default:
			return nil, schemaErrorf(fmt.Sprintf("messages[%d].content[%d].type", index, j), "unknown part type %q", p.Type)
		}
	}
	return parts, nil
}

// parseDataURL splits "data:<mime>;base64,<payload>" without decoding the
// payload; the base64 body passes through untouched.
func parseDataURL(url string) (*InlineImage, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, fmt.Errorf("only data: URLs are supported")
	}
	mimeType, payload, ok := strings.Cut(rest, ";base64,")
	if !ok || mimeType == "" || payload == "" {
		return nil, fmt.Errorf("malformed data URL")
	}
	return &InlineImage{MimeType: mimeType, Data: payload}, nil
}

// FormatOpenAIRequest renders a canonical request back into the OpenAI wire
// shape. Together with ParseOpenAIChat this round-trips message order, role
// intent and tool-call arguments.
func FormatOpenAIRequest(req *Request) (*OpenAIChatRequest, error) {
	wire := &OpenAIChatRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
	}
	for _, msg := range req.Messages {
		m := OpenAIMessage{Role: string(msg.Role)}
		var contentParts []openAIContentPart
		plainText := ""
		hasImage := false
		for _, p := range msg.Parts {
			switch {
			case p.ToolCall != nil:
				m.ToolCalls = append(m.ToolCalls, OpenAIToolCall{
					ID:   p.ToolCall.ID,
					Type: "function",
					Function: OpenAIFunctionCall{
						Name:      p.ToolCall.Name,
						Arguments: string(p.ToolCall.Args),
					},
				})
			case p.ToolResult != nil:
				m.ToolCallID = p.ToolResult.ID
				m.Name = p.ToolResult.Name
				var text string
				if err := json.Unmarshal(p.ToolResult.Output, &text); err != nil {
					text = string(p.ToolResult.Output)
				}
				plainText += text
			case p.Image != nil:
				hasImage = true
				contentParts = append(contentParts, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: "data:" + p.Image.MimeType + ";base64," + p.Image.Data},
				})
			default:
				plainText += p.Text
				contentParts = append(contentParts, openAIContentPart{Type: "text", Text: p.Text})
			}
		}
		var content []byte
		var err error
		if hasImage {
			content, err = json.Marshal(contentParts)
		} else if plainText != "" || len(m.ToolCalls) == 0 {
			content, err = json.Marshal(plainText)
		}
		if err != nil {
			return nil, schemaErrorf("messages", "not serializable: %v", err)
		}
		m.Content = content
		wire.Messages = append(wire.Messages, m)
	}
	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, OpenAITool{
			Type: "function",
			Function: &OpenAIFunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return wire, nil
}

// openAIFinishReason maps canonical finish reasons onto OpenAI's vocabulary.
// FinishError keeps the "content_filter" rendering for blocked generations.
func openAIFinishReason(reason FinishReason) string {
	switch reason {
	case FinishLength:
		return "length"
	case FinishToolCall:
		return "tool_calls"
	case FinishError:
		return "content_filter"
	default:
		return "stop"
	}
}

// FormatOpenAIResponse renders a complete canonical response as an OpenAI
// chat.completion document.
func FormatOpenAIResponse(resp *Response, requestedModel string) ([]byte, error) {
	msg := OpenAIMessage{Role: "assistant"}
	text := ""
	for _, p := range resp.Parts {
		if p.ToolCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				ID:   toolCallID(p.ToolCall),
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      p.ToolCall.Name,
					Arguments: string(p.ToolCall.Args),
				},
			})
			continue
		}
		text += p.Text
	}
	content, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	msg.Content = content

	finish := openAIFinishReason(resp.FinishReason)
	wire := OpenAIChatResponse{
		ID:      openAIResponseID(resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   requestedModel,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      &msg,
			FinishReason: &finish,
		}},
		Usage: &OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return json.Marshal(wire)
}

func openAIResponseID(upstreamID string) string {
	if upstreamID != "" {
		return "chatcmpl-" + upstreamID
	}
	return "chatcmpl-" + newID()
}

func toolCallID(call *ToolCall) string {
	if call.ID != "" {
		return call.ID
	}
	return "call_" + call.Name
}
