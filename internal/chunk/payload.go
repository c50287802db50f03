package chunk

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadType discriminates the chunk payload variants.
type PayloadType string

const (
	// TypeWholeMessage carries a complete message in one chunk. User
	// messages are always written this way, never streamed.
	TypeWholeMessage PayloadType = "whole-message"

	// TypeContent and TypeTextDelta carry a streamed text fragment. Both
	// spellings appear on the wire; they are equivalent.
	TypeContent   PayloadType = "content"
	TypeTextDelta PayloadType = "text-delta"

	// TypeToolCall carries a (possibly partial) tool call; arguments for
	// the same tool-call id accumulate across chunks.
	TypeToolCall PayloadType = "tool_call"

	// TypeToolInputAvailable marks a tool call's arguments as complete and
	// carries the parsed input.
	TypeToolInputAvailable PayloadType = "tool-input-available"

	// TypeToolResult carries the output of an executed tool call.
	TypeToolResult PayloadType = "tool_result"

	// TypeApprovalRequested asks a human to approve a tool call.
	TypeApprovalRequested PayloadType = "approval-requested"

	// TypeApprovalResponse resolves a pending approval.
	TypeApprovalResponse PayloadType = "approval-response"

	// Terminal markers. Exactly one closes every generation.
	TypeDone  PayloadType = "done"
	TypeStop  PayloadType = "stop"
	TypeError PayloadType = "error"
)

// Terminal reports whether the type closes a generation.
func (t PayloadType) Terminal() bool {
	return t == TypeDone || t == TypeStop || t == TypeError
}

// MessagePart is one typed part of an embedded whole message.
type MessagePart struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// EmbeddedMessage is the message object carried by a whole-message chunk.
type EmbeddedMessage struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Parts     []MessagePart `json:"parts"`
	CreatedAt time.Time     `json:"createdAt,omitzero"`
}

// ToolCallDelta is the (possibly partial) tool call carried by a tool_call
// chunk. Arguments may arrive split across several chunks.
type ToolCallDelta struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ApprovalRef identifies a requested approval.
type ApprovalRef struct {
	ID string `json:"id"`
}

// TokenUsage is the usage block some upstreams attach to their final chunk.
// Upstreams disagree on field naming, so unmarshalling accepts both
// camelCase and snake_case.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (u TokenUsage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
		TotalTokens      int `json:"totalTokens"`
	}{u.PromptTokens, u.CompletionTokens, u.TotalTokens})
}

func (u *TokenUsage) UnmarshalJSON(data []byte) error {
	var aux struct {
		PromptTokens      int `json:"promptTokens"`
		CompletionTokens  int `json:"completionTokens"`
		TotalTokens       int `json:"totalTokens"`
		PromptTokensS     int `json:"prompt_tokens"`
		CompletionTokensS int `json:"completion_tokens"`
		TotalTokensS      int `json:"total_tokens"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.PromptTokens = aux.PromptTokens
	u.CompletionTokens = aux.CompletionTokens
	u.TotalTokens = aux.TotalTokens
	if u.PromptTokens == 0 && aux.PromptTokensS != 0 {
		u.PromptTokens = aux.PromptTokensS
	}
	if u.CompletionTokens == 0 && aux.CompletionTokensS != 0 {
		u.CompletionTokens = aux.CompletionTokensS
	}
	if u.TotalTokens == 0 && aux.TotalTokensS != 0 {
		u.TotalTokens = aux.TotalTokensS
	}
	return nil
}

// Payload is the tagged variant carried by a chunk. Only the fields relevant
// to Type are populated; the codec below maps each variant to its wire shape.
type Payload struct {
	Type PayloadType

	// whole-message
	Message *EmbeddedMessage

	// content / text-delta
	Text string
	Role Role

	// tool_call
	ToolCall *ToolCallDelta

	// tool-input-available / tool_result
	ToolCallID string
	Input      json.RawMessage
	Result     json.RawMessage

	// approval-requested / approval-response
	Approval   *ApprovalRef
	ApprovalID string
	Approved   bool

	// done
	FinishReason string
	Usage        *TokenUsage

	// stop
	StopReason string

	// error
	ErrorMessage string
}

// wirePayload is the superset wire shape all variants marshal through.
type wirePayload struct {
	Type PayloadType `json:"type"`

	Message *EmbeddedMessage `json:"message,omitempty"`

	Delta   string `json:"delta,omitempty"`
	Content string `json:"content,omitempty"`
	Role    Role   `json:"role,omitempty"`

	ToolCall *ToolCallDelta `json:"toolCall,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`

	Approval   *ApprovalRef `json:"approval,omitempty"`
	ApprovalID string       `json:"approvalId,omitempty"`
	Approved   *bool        `json:"approved,omitempty"`

	FinishReason string      `json:"finishReason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`

	Reason string `json:"reason,omitempty"`

	Error string `json:"error,omitempty"`
}

// MarshalJSON encodes the payload in its canonical wire shape.
func (p Payload) MarshalJSON() ([]byte, error) {
	w := wirePayload{Type: p.Type}

	switch p.Type {
	case TypeWholeMessage:
		w.Message = p.Message
	case TypeContent, TypeTextDelta:
		w.Delta = p.Text
		w.Role = p.Role
	case TypeToolCall:
		w.ToolCall = p.ToolCall
	case TypeToolInputAvailable:
		w.ToolCallID = p.ToolCallID
		w.Input = p.Input
	case TypeToolResult:
		w.ToolCallID = p.ToolCallID
		// tool_result content is arbitrary JSON
		return marshalToolResult(p)
	case TypeApprovalRequested:
		w.Approval = p.Approval
		w.ToolCallID = p.ToolCallID
	case TypeApprovalResponse:
		w.ApprovalID = p.ApprovalID
		approved := p.Approved
		w.Approved = &approved
	case TypeDone:
		w.FinishReason = p.FinishReason
		w.Usage = p.Usage
	case TypeStop:
		w.Reason = p.StopReason
	case TypeError:
		w.Error = p.ErrorMessage
	default:
		return nil, fmt.Errorf("unknown payload type %q", p.Type)
	}

	return json.Marshal(w)
}

// marshalToolResult is split out because tool_result carries arbitrary JSON
// under "content", which collides with the string content of text chunks.
func marshalToolResult(p Payload) ([]byte, error) {
	return json.Marshal(struct {
		Type       PayloadType     `json:"type"`
		ToolCallID string          `json:"toolCallId"`
		Content    json.RawMessage `json:"content,omitempty"`
		Error      string          `json:"error,omitempty"`
	}{TypeToolResult, p.ToolCallID, p.Result, p.ErrorMessage})
}

// ParsePayload decodes a chunk payload, dispatching on its type tag.
func ParsePayload(data []byte) (Payload, error) {
	var probe struct {
		Type PayloadType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Payload{}, fmt.Errorf("failed to parse chunk payload: %w", err)
	}

	p := Payload{Type: probe.Type}

	switch probe.Type {
	case TypeWholeMessage:
		var w struct {
			Message *EmbeddedMessage `json:"message"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		if w.Message == nil {
			return Payload{}, fmt.Errorf("whole-message chunk without message")
		}
		p.Message = w.Message

	case TypeContent, TypeTextDelta:
		var w struct {
			Delta   string `json:"delta"`
			Content string `json:"content"`
			Role    Role   `json:"role"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		p.Text = w.Delta
		if p.Text == "" {
			p.Text = w.Content
		}
		p.Role = w.Role

	case TypeToolCall:
		var w struct {
			ToolCall *ToolCallDelta `json:"toolCall"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		if w.ToolCall == nil {
			return Payload{}, fmt.Errorf("tool_call chunk without toolCall")
		}
		p.ToolCall = w.ToolCall

	case TypeToolInputAvailable:
		var w struct {
			ToolCallID string          `json:"toolCallId"`
			Input      json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		p.ToolCallID = w.ToolCallID
		p.Input = w.Input

	case TypeToolResult:
		var w struct {
			ToolCallID string          `json:"toolCallId"`
			Content    json.RawMessage `json:"content"`
			Error      string          `json:"error"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		p.ToolCallID = w.ToolCallID
		p.Result = w.Content
		p.ErrorMessage = w.Error

	case TypeApprovalRequested:
		var w struct {
			Approval   *ApprovalRef `json:"approval"`
			ToolCallID string       `json:"toolCallId"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		if w.Approval == nil {
			return Payload{}, fmt.Errorf("approval-requested chunk without approval")
		}
		p.Approval = w.Approval
		p.ToolCallID = w.ToolCallID

	case TypeApprovalResponse:
		var w struct {
			ApprovalID string `json:"approvalId"`
			Approved   bool   `json:"approved"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		p.ApprovalID = w.ApprovalID
		p.Approved = w.Approved

	case TypeDone:
		var w struct {
			FinishReason string      `json:"finishReason"`
			Usage        *TokenUsage `json:"usage"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		p.FinishReason = w.FinishReason
		p.Usage = w.Usage

	case TypeStop:
		var w struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		p.StopReason = w.Reason

	case TypeError:
		var w struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return Payload{}, err
		}
		p.ErrorMessage = w.Error

	default:
		return Payload{}, fmt.Errorf("unknown payload type %q", probe.Type)
	}

	return p, nil
}
