package mappers

import (
	"encoding/json"
	"fmt"
)

// Gemini wire structures (request side, v1internal shape).

type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // omitted for systemInstruction
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *GeminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GeminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // OpenAPI-style schema
}

type GeminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GeminiRequestPayload is the inner "request" object of the Cloud Code API
// envelope.
type GeminiRequestPayload struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []GeminiTool            `json:"tools,omitempty"`
	SafetySettings    []GeminiSafetySetting   `json:"safetySettings,omitempty"`
}

// DefaultSafetySettings disables upstream content blocking, matching the
// gemini-cli defaults.
var DefaultSafetySettings = []GeminiSafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "OFF"},
	{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "OFF"},
}

// unsupportedSchemaKeys are JSON-Schema keys the Gemini API rejects inside
// tool parameter definitions.
var unsupportedSchemaKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"strict":               true,
	"exclusiveMinimum":     true,
	"exclusiveMaximum":     true,
}

// SanitizeToolSchema strips unsupported keys from a tool parameter schema,
// recursing into nested objects. The input map is not modified.
func SanitizeToolSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if unsupportedSchemaKeys[k] {
			continue
		}
		switch nested := v.(type) {
		case map[string]interface{}:
			out[k] = SanitizeToolSchema(nested)
		case []interface{}:
			items := make([]interface{}, len(nested))
			for i, item := range nested {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = SanitizeToolSchema(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// CanonicalToGemini renders a canonical request as the inner Gemini request
// payload. Default safety settings are injected so upstream content blocking
// stays disabled unless a native caller overrode them.
func CanonicalToGemini(req *Request) (*GeminiRequestPayload, error) {
	payload := &GeminiRequestPayload{
		SafetySettings: DefaultSafetySettings,
	}

	var systemParts []GeminiPart
	for i, msg := range req.Messages {
		parts, err := canonicalPartsToGemini(i, msg.Parts)
		if err != nil {
			return nil, err
		}
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, parts...)
		case RoleAssistant:
			payload.Contents = append(payload.Contents, GeminiContent{Role: "model", Parts: parts})
		case RoleTool:
			payload.Contents = append(payload.Contents, GeminiContent{Role: "tool", Parts: parts})
		default:
			payload.Contents = append(payload.Contents, GeminiContent{Role: "user", Parts: parts})
		}
	}
	if len(systemParts) > 0 {
		payload.SystemInstruction = &GeminiContent{Parts: systemParts}
	}

	if p := req.Params; p.Temperature != nil || p.TopP != nil || p.TopK != nil || p.MaxTokens != nil || len(p.Stop) > 0 {
		payload.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Params.Temperature,
			TopP:            req.Params.TopP,
			TopK:            req.Params.TopK,
			MaxOutputTokens: req.Params.MaxTokens,
			StopSequences:   req.Params.Stop,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]GeminiFunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, GeminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  SanitizeToolSchema(tool.Parameters),
			})
		}
		payload.Tools = []GeminiTool{{FunctionDeclarations: decls}}
	}

	return payload, nil
}

func canonicalPartsToGemini(msgIndex int, parts []Part) ([]GeminiPart, error) {
	out := make([]GeminiPart, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.Image != nil:
			out = append(out, GeminiPart{InlineData: &GeminiInlineData{
				MimeType: p.Image.MimeType,
				Data:     p.Image.Data,
			}})
		case p.ToolCall != nil:
			out = append(out, GeminiPart{FunctionCall: &GeminiFunctionCall{
				Name: p.ToolCall.Name,
				Args: p.ToolCall.Args,
			}})
		case p.ToolResult != nil:
			wrapped, err := json.Marshal(map[string]json.RawMessage{"content": p.ToolResult.Output})
			if err != nil {
				return nil, schemaErrorf(fieldAt(msgIndex, "toolResult.output"), "not serializable: %v", err)
			}
			out = append(out, GeminiPart{FunctionResponse: &GeminiFunctionResponse{
				Name:     p.ToolResult.Name,
				Response: wrapped,
			}})
		default:
			out = append(out, GeminiPart{Text: p.Text})
		}
	}
	return out, nil
}

func fieldAt(msgIndex int, suffix string) string {
	return fmt.Sprintf("messages[%d].%s", msgIndex, suffix)
}

// Gemini wire structures (response side).

type GeminiResponse struct {
	ResponseID    string               `json:"responseId,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	Candidates    []GeminiCandidate    `json:"candidates,omitempty"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	PromptFeed    json.RawMessage      `json:"promptFeedback,omitempty"`
}

type GeminiCandidate struct {
	Index        int            `json:"index,omitempty"`
	Content      *GeminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// mapGeminiFinishReason folds Gemini's finish vocabulary into the canonical
// one. SAFETY, RECITATION and anything unrecognized become FinishError.
func mapGeminiFinishReason(reason string, sawToolCall bool) FinishReason {
	switch reason {
	case "":
		return ""
	case "STOP":
		if sawToolCall {
			return FinishToolCall
		}
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "TOOL_USE":
		return FinishToolCall
	default:
		return FinishError
	}
}

func geminiPartsToCanonical(parts []GeminiPart) ([]Part, bool) {
	out := make([]Part, 0, len(parts))
	sawToolCall := false
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			sawToolCall = true
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out = append(out, Part{ToolCall: &ToolCall{
				Name: p.FunctionCall.Name,
				Args: args,
			}})
		case p.InlineData != nil:
			out = append(out, Part{Image: &InlineImage{
				MimeType: p.InlineData.MimeType,
				Data:     p.InlineData.Data,
			}})
		default:
			out = append(out, Part{Text: p.Text})
		}
	}
	return out, sawToolCall
}

// GeminiToCanonical parses a complete (non-streaming) Gemini response,
// already unwrapped from the Cloud Code envelope.
func GeminiToCanonical(data []byte, model string) (*Response, error) {
	var wire GeminiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, schemaErrorf("response", "invalid JSON: %v", err)
	}

	resp := &Response{ID: wire.ResponseID, Model: model}
	if wire.ModelVersion != "" {
		resp.Model = wire.ModelVersion
	}
	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		sawToolCall := false
		if cand.Content != nil {
			resp.Parts, sawToolCall = geminiPartsToCanonical(cand.Content.Parts)
		}
		resp.FinishReason = mapGeminiFinishReason(cand.FinishReason, sawToolCall)
	}
	if resp.FinishReason == "" {
		resp.FinishReason = FinishStop
	}
	if wire.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

// GeminiChunkToCanonical parses one streamed Gemini unit into a canonical
// stream chunk. The raw bytes are preserved for the native pass-through path.
func GeminiChunkToCanonical(data []byte, seq int) (*StreamChunk, error) {
	var wire GeminiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, schemaErrorf("chunk", "invalid JSON: %v", err)
	}

	chunk := &StreamChunk{Seq: seq, Raw: json.RawMessage(data)}
	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		sawToolCall := false
		if cand.Content != nil {
			chunk.Parts, sawToolCall = geminiPartsToCanonical(cand.Content.Parts)
		}
		chunk.FinishReason = mapGeminiFinishReason(cand.FinishReason, sawToolCall)
	}
	if wire.UsageMetadata != nil {
		chunk.Usage = &Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk, nil
}

// ParseGeminiRequest validates a native Gemini request body and lifts it into
// canonical form so the rotation path treats all three formats uniformly.
func ParseGeminiRequest(body []byte, model string, stream bool) (*Request, error) {
	var wire GeminiRequestPayload
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, schemaErrorf("request", "invalid JSON: %v", err)
	}
	if len(wire.Contents) == 0 {
		return nil, schemaErrorf("contents", "required field is missing or empty")
	}

	req := &Request{Model: model, Stream: stream}
	if wire.SystemInstruction != nil {
		parts, _ := geminiPartsToCanonical(wire.SystemInstruction.Parts)
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Parts: parts})
	}
	for i, content := range wire.Contents {
		if len(content.Parts) == 0 {
			return nil, schemaErrorf(fieldAt(i, "parts"), "required field is missing or empty")
		}
		parts, _ := geminiPartsToCanonical(content.Parts)
		// functionResponse parts need their canonical shape restored
		for j, p := range content.Parts {
			if p.FunctionResponse != nil {
				parts[j] = Part{ToolResult: &ToolResult{
					Name:   p.FunctionResponse.Name,
					Output: p.FunctionResponse.Response,
				}}
			}
		}
		var role Role
		switch content.Role {
		case "model":
			role = RoleAssistant
		case "tool":
			role = RoleTool
		case "user", "":
			role = RoleUser
		default:
			return nil, schemaErrorf(fieldAt(i, "role"), "unknown role %q", content.Role)
		}
		req.Messages = append(req.Messages, Message{Role: role, Parts: parts})
	}
	if wire.GenerationConfig != nil {
		req.Params = GenParams{
			Temperature: wire.GenerationConfig.Temperature,
			TopP:        wire.GenerationConfig.TopP,
			TopK:        wire.GenerationConfig.TopK,
			MaxTokens:   wire.GenerationConfig.MaxOutputTokens,
			Stop:        wire.GenerationConfig.StopSequences,
		}
	}
	for _, tool := range wire.Tools {
		for _, decl := range tool.FunctionDeclarations {
			if decl.Name == "" {
				return nil, schemaErrorf("tools.functionDeclarations.name", "required field is missing")
			}
			req.Tools = append(req.Tools, ToolDecl{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
	}
	return req, nil
}

// FormatGeminiResponse renders a canonical response back into the native
// Gemini wire shape.
func FormatGeminiResponse(resp *Response) ([]byte, error) {
	parts, err := canonicalPartsToGemini(0, resp.Parts)
	if err != nil {
		return nil, err
	}
	wire := GeminiResponse{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
		Candidates: []GeminiCandidate{{
			Content:      &GeminiContent{Role: "model", Parts: parts},
			FinishReason: geminiFinishReason(resp.FinishReason),
		}},
		UsageMetadata: &GeminiUsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
	}
	return json.Marshal(wire)
}

func geminiFinishReason(reason FinishReason) string {
	switch reason {
	case FinishLength:
		return "MAX_TOKENS"
	case FinishError:
		return "SAFETY"
	default:
		return "STOP"
	}
}
