// Package agent calls out to registered agent endpoints and hands their
// streaming responses back to the ingestion side.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/config"
	"github.com/chatlog/relay/internal/logger"

	"log/slog"
)

// Trigger values control which appended messages fan out to an agent.
const (
	TriggerUserMessages = "user-messages"
	TriggerAll          = "all"
	TriggerNone         = "none"
)

// Agent is a registered generation endpoint for a session.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Endpoint     string            `json:"endpoint"`
	Headers      map[string]string `json:"headers,omitempty"`
	Triggers     []string          `json:"triggers,omitempty"`
	BodyTemplate map[string]any    `json:"bodyTemplate,omitempty"`
}

// FromSpec converts a configured agent into its runtime form.
func FromSpec(spec config.AgentSpec) Agent {
	return Agent{
		ID:           spec.ID,
		Name:         spec.Name,
		Endpoint:     spec.Endpoint,
		Headers:      spec.Headers,
		Triggers:     spec.Triggers,
		BodyTemplate: spec.BodyTemplate,
	}
}

// TriggeredBy reports whether a message with the given role should invoke
// this agent. Agents with no triggers react to user messages only.
func (a Agent) TriggeredBy(role chunk.Role) bool {
	if len(a.Triggers) == 0 {
		return role == chunk.RoleUser
	}
	for _, t := range a.Triggers {
		switch t {
		case TriggerAll:
			return true
		case TriggerUserMessages:
			if role == chunk.RoleUser {
				return true
			}
		case TriggerNone:
			return false
		}
	}
	return false
}

// Message is one entry of the conversation context sent to an agent.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Invoker performs the HTTP calls to agent endpoints.
type Invoker struct {
	client *http.Client
	logger *logger.Logger
}

// NewInvoker builds an invoker. The timeout bounds the whole streamed
// response, so it should cover the longest expected generation.
func NewInvoker(timeout time.Duration, lg *logger.Logger) *Invoker {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Invoker{
		client: &http.Client{Timeout: timeout},
		logger: lg.WithComponent("agent"),
	}
}

// Invoke posts the conversation to the agent and returns its SSE body. The
// request body is the agent's template with messages and stream layered on
// top, so templates can pin model parameters without losing the contract
// fields.
func (i *Invoker) Invoke(ctx context.Context, a Agent, messages []Message) (io.ReadCloser, error) {
	body := make(map[string]any, len(a.BodyTemplate)+2)
	for k, v := range a.BodyTemplate {
		body[k] = v
	}
	body["messages"] = messages
	body["stream"] = true

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	i.logger.Info("invoking agent",
		slog.String("agent_id", a.ID),
		slog.String("endpoint", a.Endpoint),
		slog.Int("messages", len(messages)))

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return resp.Body, nil
}
