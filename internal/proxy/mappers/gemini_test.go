package mappers

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func float64p(v float64) *float64 { return &v }
func intp(v int) *int             { return &v }

func TestCanonicalToGeminiRoles(t *testing.T) {
	req := &Request{
		Model: "gemini-2.5-pro",
		Messages: []Message{
			{Role: RoleSystem, Parts: []Part{{Text: "Be brief."}}},
			{Role: RoleUser, Parts: []Part{{Text: "hi"}}},
			{Role: RoleAssistant, Parts: []Part{{Text: "hello"}}},
			{Role: RoleTool, Parts: []Part{{ToolResult: &ToolResult{
				Name:   "get_weather",
				Output: json.RawMessage(`"72F"`),
			}}}},
		},
	}
	payload, err := CanonicalToGemini(req)
	if err != nil {
		t.Fatalf("CanonicalToGemini: %v", err)
	}

	if payload.SystemInstruction == nil || payload.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Errorf("systemInstruction = %+v", payload.SystemInstruction)
	}
	roles := make([]string, len(payload.Contents))
	for i, c := range payload.Contents {
		roles[i] = c.Role
	}
	if !reflect.DeepEqual(roles, []string{"user", "model", "tool"}) {
		t.Errorf("roles = %v", roles)
	}

	fr := payload.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" {
		t.Fatalf("functionResponse = %+v", fr)
	}
	if string(fr.Response) != `{"content":"72F"}` {
		t.Errorf("response = %s, want output wrapped under content", fr.Response)
	}

	if len(payload.SafetySettings) != len(DefaultSafetySettings) {
		t.Errorf("safetySettings = %d entries, want defaults injected", len(payload.SafetySettings))
	}
	for _, s := range payload.SafetySettings {
		if s.Threshold != "OFF" {
			t.Errorf("threshold for %s = %q", s.Category, s.Threshold)
		}
	}
}

func TestCanonicalToGeminiGenerationConfig(t *testing.T) {
	bare := &Request{Messages: []Message{{Role: RoleUser, Parts: []Part{{Text: "hi"}}}}}
	payload, err := CanonicalToGemini(bare)
	if err != nil {
		t.Fatalf("CanonicalToGemini: %v", err)
	}
	if payload.GenerationConfig != nil {
		t.Error("generationConfig set with no params")
	}

	tuned := &Request{
		Messages: bare.Messages,
		Params: GenParams{
			Temperature: float64p(0.2),
			TopK:        intp(40),
			MaxTokens:   intp(100),
		},
	}
	payload, err = CanonicalToGemini(tuned)
	if err != nil {
		t.Fatalf("CanonicalToGemini: %v", err)
	}
	gc := payload.GenerationConfig
	if gc == nil {
		t.Fatal("generationConfig missing")
	}
	if *gc.Temperature != 0.2 || *gc.TopK != 40 || *gc.MaxOutputTokens != 100 {
		t.Errorf("generationConfig = %+v", gc)
	}
}

func TestSanitizeToolSchema(t *testing.T) {
	schema := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"location": map[string]interface{}{
				"type":   "string",
				"strict": true,
			},
		},
		"anyOf": []interface{}{
			map[string]interface{}{"exclusiveMinimum": 0, "type": "number"},
		},
	}

	clean := SanitizeToolSchema(schema)

	if _, ok := clean["$schema"]; ok {
		t.Error("$schema not stripped")
	}
	if _, ok := clean["additionalProperties"]; ok {
		t.Error("additionalProperties not stripped")
	}
	nested := clean["properties"].(map[string]interface{})["location"].(map[string]interface{})
	if _, ok := nested["strict"]; ok {
		t.Error("nested strict not stripped")
	}
	arrItem := clean["anyOf"].([]interface{})[0].(map[string]interface{})
	if _, ok := arrItem["exclusiveMinimum"]; ok {
		t.Error("exclusiveMinimum inside array not stripped")
	}

	// The input must stay untouched.
	if _, ok := schema["$schema"]; !ok {
		t.Error("input schema was mutated")
	}
	if _, ok := schema["properties"].(map[string]interface{})["location"].(map[string]interface{})["strict"]; !ok {
		t.Error("nested input schema was mutated")
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	cases := []struct {
		in          string
		sawToolCall bool
		want        FinishReason
	}{
		{"", false, ""},
		{"STOP", false, FinishStop},
		{"STOP", true, FinishToolCall},
		{"MAX_TOKENS", false, FinishLength},
		{"TOOL_USE", false, FinishToolCall},
		{"SAFETY", false, FinishError},
		{"RECITATION", false, FinishError},
	}
	for _, tc := range cases {
		if got := mapGeminiFinishReason(tc.in, tc.sawToolCall); got != tc.want {
			t.Errorf("mapGeminiFinishReason(%q, %v) = %q, want %q", tc.in, tc.sawToolCall, got, tc.want)
		}
	}
}

func TestGeminiToCanonical(t *testing.T) {
	data := `{
		"responseId": "resp-1",
		"modelVersion": "gemini-2.5-pro-001",
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "Let me check."},
				{"functionCall": {"name": "get_weather", "args": {"location": "Boston"}}}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 8, "totalTokenCount": 20}
	}`
	resp, err := GeminiToCanonical([]byte(data), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("GeminiToCanonical: %v", err)
	}
	if resp.ID != "resp-1" {
		t.Errorf("id = %q", resp.ID)
	}
	if resp.Model != "gemini-2.5-pro-001" {
		t.Errorf("model = %q, want modelVersion preferred", resp.Model)
	}
	if resp.FinishReason != FinishToolCall {
		t.Errorf("finish = %q, want toolCall when a functionCall is present", resp.FinishReason)
	}
	if len(resp.Parts) != 2 || resp.Parts[1].ToolCall == nil {
		t.Fatalf("parts = %+v", resp.Parts)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestGeminiToCanonicalDefaultsFinish(t *testing.T) {
	resp, err := GeminiToCanonical([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]}}]}`), "m")
	if err != nil {
		t.Fatalf("GeminiToCanonical: %v", err)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("finish = %q, want stop default", resp.FinishReason)
	}
	if resp.Model != "m" {
		t.Errorf("model = %q, want requested model fallback", resp.Model)
	}
}

func TestGeminiChunkToCanonicalPreservesRaw(t *testing.T) {
	raw := `{"candidates":[{"content":{"role":"model","parts":[{"text":"chunk"}]}}]}`
	chunk, err := GeminiChunkToCanonical([]byte(raw), 3)
	if err != nil {
		t.Fatalf("GeminiChunkToCanonical: %v", err)
	}
	if chunk.Seq != 3 {
		t.Errorf("seq = %d", chunk.Seq)
	}
	if string(chunk.Raw) != raw {
		t.Errorf("raw = %s", chunk.Raw)
	}
	if chunk.Parts[0].Text != "chunk" {
		t.Errorf("parts = %+v", chunk.Parts)
	}
}

func TestParseGeminiRequest(t *testing.T) {
	body := `{
		"systemInstruction": {"parts": [{"text": "Be brief."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hi"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "f", "args": {"a": 1}}}]},
			{"role": "tool", "parts": [{"functionResponse": {"name": "f", "response": {"content": "ok"}}}]}
		],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 64}
	}`
	req, err := ParseGeminiRequest([]byte(body), "gemini-2.5-flash", true)
	if err != nil {
		t.Fatalf("ParseGeminiRequest: %v", err)
	}
	if !req.Stream || req.Model != "gemini-2.5-flash" {
		t.Errorf("req = %+v", req)
	}
	if req.Messages[0].Role != RoleSystem {
		t.Errorf("first turn = %+v", req.Messages[0])
	}
	if req.Messages[2].Role != RoleAssistant || req.Messages[2].Parts[0].ToolCall == nil {
		t.Errorf("model turn = %+v", req.Messages[2])
	}
	toolTurn := req.Messages[3]
	if toolTurn.Role != RoleTool || toolTurn.Parts[0].ToolResult == nil {
		t.Fatalf("tool turn = %+v", toolTurn)
	}
	if *req.Params.Temperature != 0.5 || *req.Params.MaxTokens != 64 {
		t.Errorf("params = %+v", req.Params)
	}
}

func TestParseGeminiRequestEmptyContents(t *testing.T) {
	var se *SchemaError
	if _, err := ParseGeminiRequest([]byte(`{}`), "m", false); !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if se.Field != "contents" {
		t.Errorf("field = %q", se.Field)
	}
}

func TestFormatGeminiResponse(t *testing.T) {
	resp := &Response{
		ID:           "r1",
		Model:        "gemini-2.5-pro-001",
		Parts:        []Part{{Text: "hello"}},
		FinishReason: FinishStop,
		Usage:        Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}
	data, err := FormatGeminiResponse(resp)
	if err != nil {
		t.Fatalf("FormatGeminiResponse: %v", err)
	}
	var wire GeminiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.ResponseID != "r1" {
		t.Errorf("responseId = %q", wire.ResponseID)
	}
	cand := wire.Candidates[0]
	if cand.FinishReason != "STOP" || cand.Content.Parts[0].Text != "hello" {
		t.Errorf("candidate = %+v", cand)
	}
	if wire.UsageMetadata.TotalTokenCount != 6 {
		t.Errorf("usage = %+v", wire.UsageMetadata)
	}
}
