package target

import "encoding/json"

// Mode selects how a target is driven: a plain request/response HTTP API or a
// multi-step tool-calling protocol endpoint.
type Mode string

const (
	ModeDirectAPI Mode = "api"
	ModeProtocol  Mode = "mcp"
)

func ParseMode(value string) (Mode, bool) {
	switch Mode(value) {
	case ModeDirectAPI, ModeProtocol:
		return Mode(value), true
	case "":
		return ModeDirectAPI, true
	default:
		return "", false
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Messages    []Message      `json:"messages"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type CompletionResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	Output     string `json:"output"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// ToolDescriptor is a tool advertised by a protocol target. InputSchema is a
// JSON-schema-style object declaration.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type ToolListResponse struct {
	Tools []ToolDescriptor `json:"tools"`
}

type ToolCallRequest struct {
	SessionID string          `json:"session_id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolCallResponse struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
	Usage   Usage  `json:"usage"`
}

type APIErrorEnvelope struct {
	Type      string         `json:"type"`
	Error     APIErrorDetail `json:"error"`
	RequestID string         `json:"request_id,omitempty"`
}

type APIErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// APIError is a non-2xx response from the target-under-test.
type APIError struct {
	StatusCode int
	Envelope   APIErrorEnvelope
	Body       []byte
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Envelope.Error.Message != "" {
		return e.Envelope.Error.Type + ": " + e.Envelope.Error.Message
	}
	return string(e.Body)
}

func ParseAPIErrorEnvelope(body []byte) (APIErrorEnvelope, bool) {
	var envelope APIErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return APIErrorEnvelope{}, false
	}
	if envelope.Error.Type == "" && envelope.Error.Message == "" {
		return APIErrorEnvelope{}, false
	}
	return envelope, true
}
