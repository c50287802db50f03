// Package projection folds session log rows into the derived views clients
// render: materialized messages, tool call state, approvals, active
// generations and usage stats. The fold is deterministic over the dedup'd
// row order, so any two subscribers at the same offset see the same views.
package projection

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/chatlog/relay/internal/chunk"
)

// MessageStatus describes where a materialized message is in its lifecycle.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusStopped   MessageStatus = "stopped"
	StatusErrored   MessageStatus = "errored"
)

// Message is one conversation entry assembled from its chunks.
type Message struct {
	ID           string              `json:"id"`
	ActorID      string              `json:"actorId"`
	Role         chunk.Role          `json:"role"`
	Parts        []chunk.MessagePart `json:"parts"`
	Status       MessageStatus       `json:"status"`
	FinishReason string              `json:"finishReason,omitempty"`
	StopReason   string              `json:"stopReason,omitempty"`
	Error        string              `json:"error,omitempty"`
	Usage        *chunk.TokenUsage   `json:"usage,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	FirstOffset  string              `json:"-"`
	LastOffset   string              `json:"-"`
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Content
		}
	}
	return out
}

// ToolCallState describes how far a tool invocation has progressed.
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"   // arguments still accumulating
	ToolCallExecuting ToolCallState = "executing" // input complete, awaiting result
	ToolCallComplete  ToolCallState = "complete"  // result submitted
)

// ToolCall tracks one tool invocation assembled from argument deltas or a
// complete tool-input-available chunk, plus its result once submitted.
type ToolCall struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	State     ToolCallState   `json:"state"`
	Result    *ToolResult     `json:"result,omitempty"`
}

// ToolResult is a submitted tool outcome: the output on success, the
// execution error otherwise.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ActorID    string          `json:"actorId"`
}

// ApprovalStatus is where a human-in-the-loop gate stands.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval tracks a human-in-the-loop gate from request to resolution.
type Approval struct {
	ID          string         `json:"id"`
	MessageID   string         `json:"messageId"`
	ToolCallID  string         `json:"toolCallId,omitempty"`
	Status      ApprovalStatus `json:"status"`
	Resolved    bool           `json:"resolved"`
	Approved    bool           `json:"approved"`
	RequestedBy string         `json:"requestedBy,omitempty"`
	RequestedAt time.Time      `json:"requestedAt,omitzero"`
	RespondedBy string         `json:"respondedBy,omitempty"`
	RespondedAt time.Time      `json:"respondedAt,omitzero"`
}

// Generation is an assistant message still streaming.
type Generation struct {
	MessageID    string    `json:"messageId"`
	ActorID      string    `json:"actorId"`
	StartedAt    time.Time `json:"startedAt"`
	LastOffset   string    `json:"lastOffset"`
	LastChunkSeq int       `json:"lastChunkSeq"`
	LastChunkAt  time.Time `json:"lastChunkAt"`
}

// Stats aggregates counts and token usage across the session.
type Stats struct {
	Messages         int            `json:"messages"`
	MessagesByRole   map[string]int `json:"messagesByRole,omitempty"`
	Chunks           int            `json:"chunks"`
	ToolCalls        int            `json:"toolCalls"`
	Approvals        int            `json:"approvals"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	TotalTokens      int            `json:"totalTokens"`
}

// Projection is the mutable fold state. Rows are applied in log order;
// duplicates by (messageId, seq) are dropped, which is what makes redelivery
// after a resume harmless.
type Projection struct {
	mu     sync.RWMutex
	seen   map[chunk.Key]struct{}
	offset string

	order       []string // messageIDs by first-chunk offset
	messages    map[string]*Message
	callOrder   []string
	toolCalls   map[string]*ToolCall
	approvals   map[string]*Approval
	approvalIDs []string
	active      map[string]*Generation
	stats       Stats

	notify chan struct{}
}

// New returns an empty projection.
func New() *Projection {
	return &Projection{
		seen:      make(map[chunk.Key]struct{}),
		messages:  make(map[string]*Message),
		toolCalls: make(map[string]*ToolCall),
		approvals: make(map[string]*Approval),
		active:    make(map[string]*Generation),
		notify:    make(chan struct{}),
	}
}

// Apply folds one row in. It reports whether the row was new; duplicates
// and rows at or behind the watermark leave the views untouched.
func (p *Projection) Apply(row chunk.Row) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := row.Key()
	if _, dup := p.seen[key]; dup {
		return false
	}
	p.seen[key] = struct{}{}
	if row.Offset > p.offset {
		p.offset = row.Offset
	}
	p.stats.Chunks++

	// A row whose payload does not parse still moves the watermark, and
	// watchers still need to see that.
	if payload, err := row.Payload(); err == nil {
		p.fold(row, payload)
	}

	close(p.notify)
	p.notify = make(chan struct{})
	return true
}

// ApplyAll folds a batch and returns how many rows were new.
func (p *Projection) ApplyAll(rows []chunk.Row) int {
	applied := 0
	for _, row := range rows {
		if p.Apply(row) {
			applied++
		}
	}
	return applied
}

func (p *Projection) fold(row chunk.Row, payload chunk.Payload) {
	switch payload.Type {
	case chunk.TypeWholeMessage:
		m := p.message(row)
		if payload.Message != nil {
			m.Parts = append([]chunk.MessagePart(nil), payload.Message.Parts...)
			if payload.Message.Role != "" {
				m.Role = payload.Message.Role
			}
			if !payload.Message.CreatedAt.IsZero() {
				m.CreatedAt = payload.Message.CreatedAt
			}
		}
		m.Status = StatusComplete
		delete(p.active, row.MessageID)

	case chunk.TypeContent, chunk.TypeTextDelta:
		m := p.message(row)
		m.appendText(payload.Text)
		m.LastOffset = row.Offset
		p.touchGeneration(row, m)

	case chunk.TypeToolCall:
		m := p.message(row)
		m.LastOffset = row.Offset
		p.touchGeneration(row, m)
		if payload.ToolCall != nil {
			tc := p.toolCall(payload.ToolCall.ID, row.MessageID)
			if payload.ToolCall.Function.Name != "" {
				tc.Name = payload.ToolCall.Function.Name
			}
			tc.Arguments += payload.ToolCall.Function.Arguments
		}

	case chunk.TypeToolInputAvailable:
		m := p.message(row)
		m.LastOffset = row.Offset
		p.touchGeneration(row, m)
		tc := p.toolCall(payload.ToolCallID, row.MessageID)
		tc.Input = append(json.RawMessage(nil), payload.Input...)
		if tc.State == ToolCallPending {
			tc.State = ToolCallExecuting
		}
		m.Parts = append(m.Parts, chunk.MessagePart{Type: "tool-call", Content: payload.ToolCallID})

	case chunk.TypeToolResult:
		tc := p.toolCall(payload.ToolCallID, "")
		tc.State = ToolCallComplete
		tc.Result = &ToolResult{
			ToolCallID: payload.ToolCallID,
			Result:     append(json.RawMessage(nil), payload.Result...),
			Error:      payload.ErrorMessage,
			ActorID:    row.ActorID,
		}
		m := p.message(row)
		m.Parts = append(m.Parts, chunk.MessagePart{Type: "tool-result", Content: payload.ToolCallID})
		m.Status = StatusComplete
		m.LastOffset = row.Offset

	case chunk.TypeApprovalRequested:
		if payload.Approval != nil {
			id := payload.Approval.ID
			if _, ok := p.approvals[id]; !ok {
				p.approvals[id] = &Approval{
					ID:          id,
					MessageID:   row.MessageID,
					ToolCallID:  payload.ToolCallID,
					Status:      ApprovalPending,
					RequestedBy: row.ActorID,
					RequestedAt: row.CreatedAt,
				}
				p.approvalIDs = append(p.approvalIDs, id)
				p.stats.Approvals++
			}
		}
		m := p.message(row)
		m.Parts = append(m.Parts, chunk.MessagePart{Type: "approval-request", Content: approvalID(payload)})
		m.LastOffset = row.Offset
		p.touchGeneration(row, m)

	case chunk.TypeApprovalResponse:
		a, ok := p.approvals[payload.ApprovalID]
		if !ok {
			a = &Approval{ID: payload.ApprovalID, Status: ApprovalPending}
			p.approvals[payload.ApprovalID] = a
			p.approvalIDs = append(p.approvalIDs, payload.ApprovalID)
			p.stats.Approvals++
		}
		a.Resolved = true
		a.Approved = payload.Approved
		a.Status = ApprovalDenied
		if payload.Approved {
			a.Status = ApprovalApproved
		}
		a.RespondedBy = row.ActorID
		a.RespondedAt = row.CreatedAt

	case chunk.TypeDone:
		m := p.message(row)
		m.Status = StatusComplete
		m.FinishReason = payload.FinishReason
		if payload.Usage != nil {
			m.Usage = payload.Usage
			p.stats.PromptTokens += payload.Usage.PromptTokens
			p.stats.CompletionTokens += payload.Usage.CompletionTokens
			p.stats.TotalTokens += payload.Usage.TotalTokens
		}
		delete(p.active, row.MessageID)

	case chunk.TypeStop:
		m := p.message(row)
		m.Status = StatusStopped
		m.StopReason = payload.StopReason
		delete(p.active, row.MessageID)

	case chunk.TypeError:
		m := p.message(row)
		m.Status = StatusErrored
		m.Error = payload.ErrorMessage
		delete(p.active, row.MessageID)
	}
}

// message returns the materialized message for the row, creating it on the
// first chunk. Creation order fixes display order.
func (p *Projection) message(row chunk.Row) *Message {
	m, ok := p.messages[row.MessageID]
	if !ok {
		m = &Message{
			ID:          row.MessageID,
			ActorID:     row.ActorID,
			Role:        row.Role,
			Status:      StatusStreaming,
			CreatedAt:   row.CreatedAt,
			FirstOffset: row.Offset,
			LastOffset:  row.Offset,
		}
		p.messages[row.MessageID] = m
		p.order = append(p.order, row.MessageID)
		p.stats.Messages++
		if p.stats.MessagesByRole == nil {
			p.stats.MessagesByRole = make(map[string]int)
		}
		p.stats.MessagesByRole[string(row.Role)]++
	}
	return m
}

func (m *Message) appendText(text string) {
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == "text" {
		m.Parts[n-1].Content += text
		return
	}
	m.Parts = append(m.Parts, chunk.MessagePart{Type: "text", Content: text})
}

func (p *Projection) toolCall(id, messageID string) *ToolCall {
	tc, ok := p.toolCalls[id]
	if !ok {
		tc = &ToolCall{ID: id, State: ToolCallPending}
		p.toolCalls[id] = tc
		p.callOrder = append(p.callOrder, id)
		p.stats.ToolCalls++
	}
	if tc.MessageID == "" {
		tc.MessageID = messageID
	}
	return tc
}

func (p *Projection) touchGeneration(row chunk.Row, m *Message) {
	if row.Role != chunk.RoleAssistant || m.Status != StatusStreaming {
		return
	}
	g, ok := p.active[row.MessageID]
	if !ok {
		g = &Generation{MessageID: row.MessageID, ActorID: row.ActorID, StartedAt: row.CreatedAt}
		p.active[row.MessageID] = g
	}
	g.LastOffset = row.Offset
	if row.Seq >= g.LastChunkSeq {
		g.LastChunkSeq = row.Seq
		g.LastChunkAt = row.CreatedAt
	}
}

func approvalID(payload chunk.Payload) string {
	if payload.Approval != nil {
		return payload.Approval.ID
	}
	return ""
}

// Has reports whether a row with the given key has been applied.
func (p *Projection) Has(key chunk.Key) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.seen[key]
	return ok
}

// Offset returns the high-water offset of applied rows.
func (p *Projection) Offset() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offset
}

// Updated returns a channel closed on the next applied row. Re-arm after
// each receive.
func (p *Projection) Updated() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.notify
}

// Messages returns the conversation in display order (first-chunk offset).
func (p *Projection) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Message, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, snapshotMessage(p.messages[id]))
	}
	return out
}

// Message returns one message by id.
func (p *Projection) Message(id string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.messages[id]
	if !ok {
		return Message{}, false
	}
	return snapshotMessage(m), true
}

func snapshotMessage(m *Message) Message {
	cp := *m
	cp.Parts = append([]chunk.MessagePart(nil), m.Parts...)
	if m.Usage != nil {
		u := *m.Usage
		cp.Usage = &u
	}
	return cp
}

// ToolCalls returns tool calls in first-seen order.
func (p *Projection) ToolCalls() []ToolCall {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ToolCall, 0, len(p.callOrder))
	for _, id := range p.callOrder {
		tc := *p.toolCalls[id]
		if tc.Result != nil {
			r := *tc.Result
			tc.Result = &r
		}
		out = append(out, tc)
	}
	return out
}

// Approvals returns all approvals in first-seen order.
func (p *Projection) Approvals() []Approval {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Approval, 0, len(p.approvalIDs))
	for _, id := range p.approvalIDs {
		out = append(out, *p.approvals[id])
	}
	return out
}

// PendingApprovals returns approvals still waiting on a response.
func (p *Projection) PendingApprovals() []Approval {
	var out []Approval
	for _, a := range p.Approvals() {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

// ActiveGenerations returns in-flight assistant messages, ordered by start
// time.
func (p *Projection) ActiveGenerations() []Generation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Generation, 0, len(p.active))
	for _, g := range p.active {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns the aggregate counters.
func (p *Projection) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.stats
	if p.stats.MessagesByRole != nil {
		out.MessagesByRole = make(map[string]int, len(p.stats.MessagesByRole))
		for role, n := range p.stats.MessagesByRole {
			out.MessagesByRole[role] = n
		}
	}
	return out
}
