// Package mappers converts between the supported wire formats (OpenAI chat
// completions, Claude messages, native Gemini) and the canonical chat model
// that the dispatch engine operates on. All converters are pure: the same
// input document always produces the same canonical value.
package mappers

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the author of a canonical message turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the terminal status of a generation.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length"
	FinishToolCall FinishReason = "toolCall"
	FinishError    FinishReason = "error"
)

// InlineImage carries a base64 payload plus its MIME type. Converters move the
// value between wire shapes without touching the payload itself.
type InlineImage struct {
	MimeType string
	Data     string
}

// ToolCall is a model-requested function invocation. Args is the raw argument
// object, kept opaque so it survives translation bit-for-bit.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is a caller-supplied result for an earlier tool call.
type ToolResult struct {
	ID     string
	Name   string
	Output json.RawMessage
}

// Part is one unit of message content. Exactly one field is set.
type Part struct {
	Text       string
	Image      *InlineImage
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// Message is one role-tagged turn of an ordered conversation.
type Message struct {
	Role  Role
	Parts []Part
}

// ToolDecl declares a callable tool. Parameters is an opaque JSON-Schema
// object; we validate structure where required but do not model the schema.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// GenParams holds the optional generation knobs shared by all wire formats.
type GenParams struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
	Stop        []string
}

// Request is the canonical chat request all adapters pivot through. It is
// built once per call and never mutated afterwards.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDecl
	Params   GenParams
	Stream   bool
}

// Usage mirrors the upstream token counters.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a complete canonical generation result.
type Response struct {
	ID           string
	Model        string
	Parts        []Part
	FinishReason FinishReason
	Usage        Usage
}

// StreamChunk is one incremental delta of a streamed response. Seq increases
// monotonically in arrival order. Raw preserves the upstream chunk for the
// native pass-through path.
type StreamChunk struct {
	Seq          int
	Parts        []Part
	FinishReason FinishReason
	Usage        *Usage
	Raw          json.RawMessage
}

// SchemaError reports a malformed or untranslatable input document. Field
// names the offending location so callers can render a useful 4xx body.
type SchemaError struct {
	Field  string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error at %q: %s", e.Field, e.Detail)
}

func schemaErrorf(field, format string, args ...interface{}) *SchemaError {
	return &SchemaError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

func newID() string {
	return uuid.NewString()
}
