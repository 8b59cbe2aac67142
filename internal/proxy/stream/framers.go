package stream

import (
	"encoding/json"
	"time"

	"github.com/pysugar/gemini-relay/internal/proxy/mappers"
)

// OpenAIFramer emits chat.completion.chunk frames followed by [DONE].
type OpenAIFramer struct {
	ID      string
	Model   string
	created int64

	started      bool
	finishReason mappers.FinishReason
	usage        *mappers.Usage
	toolIndex    int
}

func NewOpenAIFramer(id, model string) *OpenAIFramer {
	return &OpenAIFramer{ID: id, Model: model, created: time.Now().Unix()}
}

func (f *OpenAIFramer) Frame(chunk *mappers.StreamChunk) ([]Event, error) {
	if chunk.FinishReason != "" {
		f.finishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		f.usage = chunk.Usage
	}

	delta := mappers.OpenAIMessage{}
	if !f.started {
		f.started = true
		delta.Role = "assistant"
	}
	text := ""
	for _, p := range chunk.Parts {
		if p.ToolCall != nil {
			idx := f.toolIndex
			f.toolIndex++
			delta.ToolCalls = append(delta.ToolCalls, mappers.OpenAIToolCall{
				Index: &idx,
				ID:    "call_" + p.ToolCall.Name,
				Type:  "function",
				Function: mappers.OpenAIFunctionCall{
					Name:      p.ToolCall.Name,
					Arguments: string(p.ToolCall.Args),
				},
			})
			continue
		}
		text += p.Text
	}
	if text != "" {
		content, err := json.Marshal(text)
		if err != nil {
			return nil, err
		}
		delta.Content = content
	}
	if len(delta.ToolCalls) == 0 && len(delta.Content) == 0 && delta.Role == "" {
		// Metadata-only unit (e.g. trailing usage); nothing to frame yet.
		return nil, nil
	}

	data, err := json.Marshal(mappers.OpenAIStreamChunk{
		ID:      f.ID,
		Object:  "chat.completion.chunk",
		Created: f.created,
		Model:   f.Model,
		Choices: []mappers.OpenAIChoice{{Index: 0, Delta: &delta, FinishReason: nil}},
	})
	if err != nil {
		return nil, err
	}
	return []Event{{Data: data}}, nil
}

func (f *OpenAIFramer) Finish() ([]Event, error) {
	// A stream that dies before the upstream reports a finish reason is
	// aborted, not complete; surface the truncation instead of inventing a
	// clean stop.
	if f.finishReason == "" {
		data, err := json.Marshal(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "stream ended before a finish reason arrived",
				"type":    "api_error",
			},
		})
		if err != nil {
			return nil, err
		}
		return []Event{{Data: data}, {Data: []byte("[DONE]")}}, nil
	}

	finish := openAIWireFinish(f.finishReason)
	final := mappers.OpenAIStreamChunk{
		ID:      f.ID,
		Object:  "chat.completion.chunk",
		Created: f.created,
		Model:   f.Model,
		Choices: []mappers.OpenAIChoice{{Index: 0, Delta: &mappers.OpenAIMessage{}, FinishReason: &finish}},
	}
	if f.usage != nil {
		final.Usage = &mappers.OpenAIUsage{
			PromptTokens:     f.usage.PromptTokens,
			CompletionTokens: f.usage.CompletionTokens,
			TotalTokens:      f.usage.TotalTokens,
		}
	}
	data, err := json.Marshal(final)
	if err != nil {
		return nil, err
	}
	return []Event{{Data: data}, {Data: []byte("[DONE]")}}, nil
}

func openAIWireFinish(reason mappers.FinishReason) string {
	switch reason {
	case mappers.FinishLength:
		return "length"
	case mappers.FinishToolCall:
		return "tool_calls"
	case mappers.FinishError:
		return "content_filter"
	default:
		return "stop"
	}
}

// ClaudeFramer emits the Anthropic event sequence: message_start, paired
// content_block_start/delta/stop events (switching blocks when the part type
// or the tool call changes), then message_delta with the stop reason and
// message_stop.
type ClaudeFramer struct {
	ID    string
	Model string

	started      bool
	blockIndex   int
	blockType    string // "" when no block is open
	blockTool    string // tool name of the open tool_use block
	finishReason mappers.FinishReason
	inputTokens  int
	outputTokens int
	sawToolBlock bool
}

func NewClaudeFramer(id, model string) *ClaudeFramer {
	return &ClaudeFramer{ID: id, Model: model}
}

type claudeStreamEvent struct {
	Type         string                      `json:"type"`
	Message      *mappers.ClaudeResponse     `json:"message,omitempty"`
	Index        *int                        `json:"index,omitempty"`
	ContentBlock *mappers.ClaudeContentBlock `json:"content_block,omitempty"`
	Delta        json.RawMessage             `json:"delta,omitempty"`
	Usage        *claudeDeltaUsage           `json:"usage,omitempty"`
	Error        *claudeStreamError          `json:"error,omitempty"`
}

type claudeStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type claudeDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

func claudeEvent(ev claudeStreamEvent) (Event, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: ev.Type, Data: data}, nil
}

func (f *ClaudeFramer) ensureStarted(events []Event) ([]Event, error) {
	if f.started {
		return events, nil
	}
	f.started = true
	ev, err := claudeEvent(claudeStreamEvent{
		Type: "message_start",
		Message: &mappers.ClaudeResponse{
			ID:      f.ID,
			Type:    "message",
			Role:    "assistant",
			Model:   f.Model,
			Content: []mappers.ClaudeContentBlock{},
			Usage:   mappers.ClaudeUsage{InputTokens: f.inputTokens},
		},
	})
	if err != nil {
		return nil, err
	}
	return append(events, ev), nil
}

func (f *ClaudeFramer) closeBlock(events []Event) ([]Event, error) {
	if f.blockType == "" {
		return events, nil
	}
	idx := f.blockIndex
	ev, err := claudeEvent(claudeStreamEvent{Type: "content_block_stop", Index: &idx})
	if err != nil {
		return nil, err
	}
	f.blockIndex++
	f.blockType = ""
	f.blockTool = ""
	return append(events, ev), nil
}

func (f *ClaudeFramer) openBlock(events []Event, blockType string, block *mappers.ClaudeContentBlock) ([]Event, error) {
	idx := f.blockIndex
	ev, err := claudeEvent(claudeStreamEvent{
		Type:         "content_block_start",
		Index:        &idx,
		ContentBlock: block,
	})
	if err != nil {
		return nil, err
	}
	f.blockType = blockType
	f.blockTool = block.Name
	return append(events, ev), nil
}

func (f *ClaudeFramer) Frame(chunk *mappers.StreamChunk) ([]Event, error) {
	if chunk.FinishReason != "" {
		f.finishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		f.inputTokens = chunk.Usage.PromptTokens
		f.outputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Parts) == 0 {
		return nil, nil
	}

	events, err := f.ensureStarted(nil)
	if err != nil {
		return nil, err
	}

	for _, p := range chunk.Parts {
		var blockType string
		var startBlock mappers.ClaudeContentBlock
		var delta interface{}

		switch {
		case p.ToolCall != nil:
			blockType = "tool_use"
			f.sawToolBlock = true
			startBlock = mappers.ClaudeContentBlock{
				Type:  "tool_use",
				ID:    "toolu_" + p.ToolCall.Name,
				Name:  p.ToolCall.Name,
				Input: json.RawMessage(`{}`),
			}
			delta = map[string]string{
				"type":         "input_json_delta",
				"partial_json": string(p.ToolCall.Args),
			}
		case p.Text != "":
			blockType = "text"
			startBlock = mappers.ClaudeContentBlock{Type: "text", Text: ""}
			delta = map[string]string{"type": "text_delta", "text": p.Text}
		default:
			continue
		}

		// Each distinct tool call gets its own block: parallel calls in
		// one chunk must not concatenate their argument deltas.
		sameBlock := f.blockType == blockType
		if sameBlock && blockType == "tool_use" && f.blockTool != p.ToolCall.Name {
			sameBlock = false
		}
		if f.blockType != "" && !sameBlock {
			if events, err = f.closeBlock(events); err != nil {
				return nil, err
			}
		}
		if f.blockType == "" {
			if events, err = f.openBlock(events, blockType, &startBlock); err != nil {
				return nil, err
			}
		}

		deltaJSON, err := json.Marshal(delta)
		if err != nil {
			return nil, err
		}
		idx := f.blockIndex
		ev, err := claudeEvent(claudeStreamEvent{
			Type:  "content_block_delta",
			Index: &idx,
			Delta: deltaJSON,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (f *ClaudeFramer) Finish() ([]Event, error) {
	// No upstream finish reason means the stream was cut off; report an
	// error event rather than a fabricated end_turn.
	if f.finishReason == "" {
		events, err := f.closeBlock(nil)
		if err != nil {
			return nil, err
		}
		ev, err := claudeEvent(claudeStreamEvent{
			Type: "error",
			Error: &claudeStreamError{
				Type:    "api_error",
				Message: "stream ended before a stop reason arrived",
			},
		})
		if err != nil {
			return nil, err
		}
		return append(events, ev), nil
	}

	events, err := f.ensureStarted(nil)
	if err != nil {
		return nil, err
	}

	stopReason := "end_turn"
	switch f.finishReason {
	case mappers.FinishLength:
		stopReason = "max_tokens"
	case mappers.FinishToolCall:
		stopReason = "tool_use"
	}
	// A stream ending with an open tool block is a tool_use stop even when
	// upstream reported a plain STOP.
	if f.blockType == "tool_use" || (f.sawToolBlock && f.finishReason == mappers.FinishStop) {
		stopReason = "tool_use"
	}

	if events, err = f.closeBlock(events); err != nil {
		return nil, err
	}

	deltaJSON, err := json.Marshal(map[string]interface{}{
		"stop_reason":   stopReason,
		"stop_sequence": nil,
	})
	if err != nil {
		return nil, err
	}
	ev, err := claudeEvent(claudeStreamEvent{
		Type:  "message_delta",
		Delta: deltaJSON,
		Usage: &claudeDeltaUsage{OutputTokens: f.outputTokens},
	})
	if err != nil {
		return nil, err
	}
	events = append(events, ev)

	ev, err = claudeEvent(claudeStreamEvent{Type: "message_stop"})
	if err != nil {
		return nil, err
	}
	return append(events, ev), nil
}

// GeminiFramer passes unwrapped upstream chunks through unchanged. It never
// fabricates a terminal frame, so a cut-off stream is visible to the client
// as a stream with no finishReason.
type GeminiFramer struct{}

func NewGeminiFramer() *GeminiFramer {
	return &GeminiFramer{}
}

func (f *GeminiFramer) Frame(chunk *mappers.StreamChunk) ([]Event, error) {
	if len(chunk.Raw) == 0 {
		return nil, nil
	}
	return []Event{{Data: chunk.Raw}}, nil
}

func (f *GeminiFramer) Finish() ([]Event, error) {
	return nil, nil
}
