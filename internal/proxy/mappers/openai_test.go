package mappers

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseOpenAIChatBasic(t *testing.T) {
	body := `{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "Hello"}
		],
		"temperature": 0.7,
		"max_tokens": 256,
		"stop": "###"
	}`
	req, err := ParseOpenAIChat([]byte(body))
	if err != nil {
		t.Fatalf("ParseOpenAIChat: %v", err)
	}
	if req.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != RoleSystem || req.Messages[0].Parts[0].Text != "Be terse." {
		t.Errorf("system turn = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != RoleUser || req.Messages[1].Parts[0].Text != "Hello" {
		t.Errorf("user turn = %+v", req.Messages[1])
	}
	if req.Params.Temperature == nil || *req.Params.Temperature != 0.7 {
		t.Errorf("temperature = %v", req.Params.Temperature)
	}
	if req.Params.MaxTokens == nil || *req.Params.MaxTokens != 256 {
		t.Errorf("max tokens = %v", req.Params.MaxTokens)
	}
	if len(req.Params.Stop) != 1 || req.Params.Stop[0] != "###" {
		t.Errorf("stop = %v", req.Params.Stop)
	}
}

func TestParseOpenAIChatDeveloperRole(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"developer","content":"rules"},{"role":"user","content":"hi"}]}`
	req, err := ParseOpenAIChat([]byte(body))
	if err != nil {
		t.Fatalf("ParseOpenAIChat: %v", err)
	}
	if req.Messages[0].Role != RoleSystem {
		t.Errorf("developer role mapped to %q, want system", req.Messages[0].Role)
	}
}

func TestParseOpenAIChatStopArray(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"stop":["a","b"]}`
	req, err := ParseOpenAIChat([]byte(body))
	if err != nil {
		t.Fatalf("ParseOpenAIChat: %v", err)
	}
	if len(req.Params.Stop) != 2 || req.Params.Stop[1] != "b" {
		t.Errorf("stop = %v", req.Params.Stop)
	}
}

func TestParseOpenAIChatMissingModel(t *testing.T) {
	_, err := ParseOpenAIChat([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if se.Field != "model" {
		t.Errorf("field = %q, want model", se.Field)
	}
}

func TestParseOpenAIChatUnknownRole(t *testing.T) {
	_, err := ParseOpenAIChat([]byte(`{"model":"m","messages":[{"role":"robot","content":"hi"}]}`))
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if se.Field != "messages[0].role" {
		t.Errorf("field = %q", se.Field)
	}
}

func TestParseOpenAIChatInvalidToolArgs(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"assistant","tool_calls":[
		{"id":"call_1","type":"function","function":{"name":"f","arguments":"{not json"}}]}]}`
	_, err := ParseOpenAIChat([]byte(body))
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if se.Field != "messages[0].tool_calls[0].function.arguments" {
		t.Errorf("field = %q", se.Field)
	}
}

func TestParseOpenAIChatImageDataURL(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBORw0KGgo="}}]}]}`
	req, err := ParseOpenAIChat([]byte(body))
	if err != nil {
		t.Fatalf("ParseOpenAIChat: %v", err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	img := parts[1].Image
	if img == nil {
		t.Fatal("image part missing")
	}
	if img.MimeType != "image/png" || img.Data != "iVBORw0KGgo=" {
		t.Errorf("image = %+v", img)
	}
}

func TestParseOpenAIChatRejectsHTTPImageURL(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]}]}`
	var se *SchemaError
	if _, err := ParseOpenAIChat([]byte(body)); !errors.As(err, &se) {
		t.Fatalf("expected SchemaError for remote image URL, got %v", err)
	}
}

func TestOpenAIToolCallSurvivesClaudeConversion(t *testing.T) {
	body := `{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "user", "content": "Weather in Boston?"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_abc", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"location\":\"Boston\"}"}}]},
			{"role": "tool", "tool_call_id": "call_abc", "name": "get_weather", "content": "72F and sunny"}
		],
		"tools": [{"type": "function", "function": {
			"name": "get_weather",
			"description": "Current weather",
			"parameters": {"type": "object", "properties": {"location": {"type": "string"}}}
		}}]
	}`
	req, err := ParseOpenAIChat([]byte(body))
	if err != nil {
		t.Fatalf("ParseOpenAIChat: %v", err)
	}

	call := req.Messages[1].Parts[0].ToolCall
	if call == nil {
		t.Fatal("tool call not parsed")
	}
	if string(call.Args) != `{"location":"Boston"}` {
		t.Errorf("args = %s, preserved bytes expected", call.Args)
	}

	result := req.Messages[2].Parts[0].ToolResult
	if result == nil || result.ID != "call_abc" {
		t.Fatalf("tool result = %+v", result)
	}

	claude, err := FormatClaudeRequest(req)
	if err != nil {
		t.Fatalf("FormatClaudeRequest: %v", err)
	}
	var blocks []ClaudeContentBlock
	if err := json.Unmarshal(claude.Messages[1].Content, &blocks); err != nil {
		t.Fatalf("unmarshal assistant blocks: %v", err)
	}
	if blocks[0].Type != "tool_use" || blocks[0].Name != "get_weather" {
		t.Fatalf("assistant block = %+v", blocks[0])
	}
	if string(blocks[0].Input) != `{"location":"Boston"}` {
		t.Errorf("tool_use input = %s, argument bytes must survive the pivot", blocks[0].Input)
	}
	if len(claude.Tools) != 1 || claude.Tools[0].Name != "get_weather" {
		t.Errorf("tools = %+v", claude.Tools)
	}
}

func TestFormatOpenAIResponse(t *testing.T) {
	resp := &Response{
		ID:    "abc123",
		Model: "gemini-2.5-pro",
		Parts: []Part{
			{Text: "Calling the weather tool."},
			{ToolCall: &ToolCall{Name: "get_weather", Args: json.RawMessage(`{"location":"Boston"}`)}},
		},
		FinishReason: FinishToolCall,
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	data, err := FormatOpenAIResponse(resp, "gpt-proxy")
	if err != nil {
		t.Fatalf("FormatOpenAIResponse: %v", err)
	}

	var wire OpenAIChatResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.ID != "chatcmpl-abc123" {
		t.Errorf("id = %q", wire.ID)
	}
	if wire.Object != "chat.completion" {
		t.Errorf("object = %q", wire.Object)
	}
	if wire.Model != "gpt-proxy" {
		t.Errorf("model = %q, want requested model echoed back", wire.Model)
	}
	choice := wire.Choices[0]
	if choice.FinishReason == nil || *choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %v", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(choice.Message.ToolCalls))
	}
	tc := choice.Message.ToolCalls[0]
	if tc.ID != "call_get_weather" || tc.Function.Arguments != `{"location":"Boston"}` {
		t.Errorf("tool call = %+v", tc)
	}
	if wire.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", wire.Usage)
	}
}

func TestOpenAIFinishReasons(t *testing.T) {
	cases := map[FinishReason]string{
		FinishStop:     "stop",
		FinishLength:   "length",
		FinishToolCall: "tool_calls",
		FinishError:    "content_filter",
	}
	for in, want := range cases {
		if got := openAIFinishReason(in); got != want {
			t.Errorf("openAIFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
