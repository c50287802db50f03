// Package session implements the write-side protocol of the relay: sending
// messages, invoking agents, submitting tool results and approvals, stopping
// generations, and forking sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatlog/relay/internal/agent"
	"github.com/chatlog/relay/internal/chunk"
	"github.com/chatlog/relay/internal/config"
	"github.com/chatlog/relay/internal/ingest"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/metrics"
	"github.com/chatlog/relay/internal/projection"
	"github.com/chatlog/relay/internal/sessionlog"
	"github.com/chatlog/relay/internal/store"
)

// Errors surfaced to the HTTP layer.
var (
	ErrSessionNotFound = sessionlog.ErrSessionNotFound
	ErrSessionExists   = errors.New("session already exists")
	ErrAgentNotFound   = errors.New("agent not registered")
	ErrNoActiveTarget  = errors.New("no active generation for message")
)

// Session is the in-memory face of one session: identity plus the agent
// registry. The durable truth lives in the logs.
type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	ForkedFrom string    `json:"forkedFrom,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	mu     sync.RWMutex
	agents map[string]agent.Agent
}

// Agents returns the registered agents in stable-by-id order is not
// guaranteed; callers sort if they need it.
func (s *Session) Agents() []agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

func (s *Session) agent(id string) (agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// Service coordinates sessions, generations and the abort registry.
type Service struct {
	log      *sessionlog.Log
	invoker  *agent.Invoker
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	logger   *logger.Logger
	defaults []config.AgentSpec

	// broadcaster forwards stop requests to peer instances; nil when the
	// relay runs standalone.
	broadcaster *StopBroadcaster

	mu       sync.RWMutex
	sessions map[string]*Session

	abortMu sync.Mutex
	aborts  map[string]abortEntry // messageID -> in-flight generation
}

type abortEntry struct {
	sessionID string
	cancel    context.CancelFunc
}

// NewService wires the session service.
func NewService(log *sessionlog.Log, inv *agent.Invoker, pipe *ingest.Pipeline, m *metrics.Metrics, lg *logger.Logger, defaults []config.AgentSpec) *Service {
	return &Service{
		log:      log,
		invoker:  inv,
		pipeline: pipe,
		metrics:  m,
		logger:   lg.WithComponent("session"),
		defaults: defaults,
		sessions: make(map[string]*Session),
		aborts:   make(map[string]abortEntry),
	}
}

// SetBroadcaster attaches cross-instance stop propagation.
func (s *Service) SetBroadcaster(b *StopBroadcaster) {
	s.broadcaster = b
}

// CreateOptions carries optional session setup.
type CreateOptions struct {
	Title  string        `json:"title,omitempty"`
	Agents []agent.Agent `json:"agents,omitempty"`
}

// Create opens a new session. The configured default agents plus any in
// opts are registered and recorded on the control log.
func (s *Service) Create(ctx context.Context, id string, opts CreateOptions) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, ErrSessionExists
	}
	sess := &Session{
		ID:        id,
		Title:     opts.Title,
		CreatedAt: time.Now().UTC(),
		agents:    make(map[string]agent.Agent),
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	if err := s.log.Open(ctx, id); err != nil {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, err
	}

	for _, spec := range s.defaults {
		if err := s.RegisterAgent(ctx, id, agent.FromSpec(spec)); err != nil {
			s.logger.Warn("failed to register default agent",
				slog.String("session_id", id),
				slog.String("agent_id", spec.ID),
				slog.String("error", err.Error()))
		}
	}
	for _, a := range opts.Agents {
		if err := s.RegisterAgent(ctx, id, a); err != nil {
			return nil, err
		}
	}

	s.metrics.SessionsCreated.Inc()
	s.logger.Info("session created", slog.String("session_id", id))
	return sess, nil
}

// Get returns the session, rehydrating metadata from the control log when
// the process restarted since the session was created.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}
	return s.rehydrate(ctx, id)
}

// List returns the sessions known to this instance, newest first not
// guaranteed; callers sort.
func (s *Service) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Delete removes the session and both its logs.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.log.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.logger.Info("session deleted", slog.String("session_id", id))
	return nil
}

// rehydrate rebuilds in-memory session state from the durable logs.
func (s *Service) rehydrate(ctx context.Context, id string) (*Session, error) {
	exists, err := s.log.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionNotFound
	}

	sess := &Session{ID: id, agents: make(map[string]agent.Agent)}
	events, err := s.readControl(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		switch ev.Type {
		case controlAgentRegistered:
			if ev.Agent != nil {
				sess.agents[ev.Agent.ID] = *ev.Agent
			}
		case controlAgentUnregistered:
			if ev.Agent != nil {
				delete(sess.agents, ev.Agent.ID)
			}
		case controlSessionForked:
			sess.ForkedFrom = ev.ForkedFrom
		}
		if sess.CreatedAt.IsZero() && !ev.At.IsZero() {
			sess.CreatedAt = ev.At
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	s.sessions[id] = sess
	s.logger.Info("session rehydrated",
		slog.String("session_id", id),
		slog.Int("agents", len(sess.agents)))
	return sess, nil
}

// SendRequest is an inbound user (or system) message. Text and Content are
// interchangeable spellings of the same field; both appear on the wire.
type SendRequest struct {
	MessageID string              `json:"messageId,omitempty"`
	Role      chunk.Role          `json:"role,omitempty"`
	Text      string              `json:"text,omitempty"`
	Content   string              `json:"content,omitempty"`
	Parts     []chunk.MessagePart `json:"parts,omitempty"`

	// ActorID overrides the transport-level actor identity when set.
	ActorID string `json:"actorId,omitempty"`

	// Agent, when set, is invoked for this message without being
	// registered on the session. Registered agents still fan out by
	// their triggers.
	Agent *agent.Agent `json:"agent,omitempty"`

	// TxID is a client-chosen token echoed back on the appended row so
	// optimistic writers can match their local insert to the synced one.
	TxID int64 `json:"txid,omitempty"`
}

// SendResult reports the appended message and any generations it started.
type SendResult struct {
	MessageID   string            `json:"messageId"`
	Offset      string            `json:"offset"`
	TxID        int64             `json:"txid,omitempty"`
	Generations map[string]string `json:"generations,omitempty"` // agentID -> messageID
}

// SendMessage appends a whole-message chunk and fans out to every agent
// whose triggers match the message role.
func (s *Service) SendMessage(ctx context.Context, sessionID, actorID string, req SendRequest) (SendResult, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return SendResult{}, err
	}

	role := req.Role
	if role == "" {
		role = chunk.RoleUser
	}
	if !role.Valid() {
		return SendResult{}, fmt.Errorf("invalid role %q", role)
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	if req.ActorID != "" {
		actorID = req.ActorID
	}
	text := req.Text
	if text == "" {
		text = req.Content
	}
	parts := req.Parts
	if len(parts) == 0 && text != "" {
		parts = []chunk.MessagePart{{Type: "text", Content: text}}
	}

	payload := chunk.Payload{
		Type: chunk.TypeWholeMessage,
		Message: &chunk.EmbeddedMessage{
			ID:        messageID,
			Role:      role,
			Parts:     parts,
			CreatedAt: time.Now().UTC(),
		},
	}
	row, err := chunk.NewRow(messageID, actorID, role, 0, payload)
	if err != nil {
		return SendResult{}, err
	}
	row.TxID = req.TxID
	offset, err := s.log.Append(ctx, sessionID, row)
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.ChunksAppended.Inc()

	result := SendResult{MessageID: messageID, Offset: offset, TxID: req.TxID}
	history, err := s.conversation(ctx, sessionID)
	if err != nil {
		return result, err
	}
	targets := make([]agent.Agent, 0, 1)
	for _, a := range sess.Agents() {
		if a.TriggeredBy(role) {
			targets = append(targets, a)
		}
	}
	if req.Agent != nil {
		inline := *req.Agent
		if inline.ID == "" {
			inline.ID = "inline"
		}
		targets = append(targets, inline)
	}
	for _, a := range targets {
		genID := s.startGeneration(sessionID, a, history)
		if result.Generations == nil {
			result.Generations = make(map[string]string)
		}
		result.Generations[a.ID] = genID
	}
	return result, nil
}

// InvokeAgent starts a generation from the named agent with the current
// conversation as context, regardless of triggers.
func (s *Service) InvokeAgent(ctx context.Context, sessionID, agentID string) (string, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	a, ok := sess.agent(agentID)
	if !ok {
		return "", ErrAgentNotFound
	}
	history, err := s.conversation(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return s.startGeneration(sessionID, a, history), nil
}

// Regenerate redoes the conversation from a prior message. For an
// assistant target it rebuilds the history up to just before that message
// and re-invokes the agent that produced it. For a user target (or when
// content supplies an edit) the message is replayed as a fresh append and
// triggered agents run against the truncated history. Replacements stream
// under fresh messageIds; the originals stay in the log.
func (s *Service) Regenerate(ctx context.Context, sessionID, messageID, content string) (string, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	rows, err := s.log.ReadAll(ctx, sessionID)
	if err != nil {
		return "", err
	}
	proj := projection.New()
	proj.ApplyAll(rows)

	target, ok := proj.Message(messageID)
	if !ok {
		return "", fmt.Errorf("message %s: %w", messageID, ErrNoActiveTarget)
	}

	var history []agent.Message
	for _, m := range proj.Messages() {
		if m.ID == messageID {
			break
		}
		if msg, ok := toAgentMessage(m); ok {
			history = append(history, msg)
		}
	}

	if target.Role == chunk.RoleAssistant && content == "" {
		a, ok := sess.agent(target.ActorID)
		if !ok {
			return "", ErrAgentNotFound
		}
		return s.startGeneration(sessionID, a, history), nil
	}

	// Replay the user message, edited when content is given.
	if content == "" {
		content = target.Text()
	}
	newID := uuid.NewString()
	payload := chunk.Payload{
		Type: chunk.TypeWholeMessage,
		Message: &chunk.EmbeddedMessage{
			ID:        newID,
			Role:      chunk.RoleUser,
			Parts:     []chunk.MessagePart{{Type: "text", Content: content}},
			CreatedAt: time.Now().UTC(),
		},
	}
	row, err := chunk.NewRow(newID, target.ActorID, chunk.RoleUser, 0, payload)
	if err != nil {
		return "", err
	}
	if _, err := s.log.Append(ctx, sessionID, row); err != nil {
		return "", err
	}
	s.metrics.ChunksAppended.Inc()

	history = append(history, agent.Message{ID: newID, Role: string(chunk.RoleUser), Content: content})
	for _, a := range sess.Agents() {
		if a.TriggeredBy(chunk.RoleUser) {
			s.startGeneration(sessionID, a, history)
		}
	}
	return newID, nil
}

// RegisterAgent adds the agent to the session and records the registration
// on the control log so subscribers and future restarts see it.
func (s *Service) RegisterAgent(ctx context.Context, sessionID string, a agent.Agent) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	sess.mu.Lock()
	sess.agents[a.ID] = a
	sess.mu.Unlock()

	return s.appendControl(ctx, sessionID, controlEvent{
		Type:  controlAgentRegistered,
		Agent: &a,
		At:    time.Now().UTC(),
	})
}

// UnregisterAgent removes the agent and records the removal.
func (s *Service) UnregisterAgent(ctx context.Context, sessionID, agentID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	a, ok := sess.agents[agentID]
	if ok {
		delete(sess.agents, agentID)
	}
	sess.mu.Unlock()
	if !ok {
		return ErrAgentNotFound
	}

	return s.appendControl(ctx, sessionID, controlEvent{
		Type:  controlAgentUnregistered,
		Agent: &agent.Agent{ID: a.ID, Name: a.Name},
		At:    time.Now().UTC(),
	})
}

// ToolResult appends a tool_result chunk, carrying either the tool output
// or the execution error. Agents observe it through the log; re-invocation
// stays explicit via InvokeAgent.
func (s *Service) ToolResult(ctx context.Context, sessionID, actorID, toolCallID string, result json.RawMessage, execErr, messageID string) (SendResult, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return SendResult{}, err
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	payload := chunk.Payload{
		Type:         chunk.TypeToolResult,
		ToolCallID:   toolCallID,
		Result:       result,
		ErrorMessage: execErr,
	}
	row, err := chunk.NewRow(messageID, actorID, chunk.RoleUser, 0, payload)
	if err != nil {
		return SendResult{}, err
	}
	offset, err := s.log.Append(ctx, sessionID, row)
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.ChunksAppended.Inc()
	return SendResult{MessageID: messageID, Offset: offset}, nil
}

// ApprovalResponse appends an approval-response chunk resolving the gate.
func (s *Service) ApprovalResponse(ctx context.Context, sessionID, actorID, approvalID string, approved bool) (SendResult, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return SendResult{}, err
	}
	messageID := uuid.NewString()

	payload := chunk.Payload{
		Type:       chunk.TypeApprovalResponse,
		ApprovalID: approvalID,
		Approved:   approved,
	}
	row, err := chunk.NewRow(messageID, actorID, chunk.RoleUser, 0, payload)
	if err != nil {
		return SendResult{}, err
	}
	offset, err := s.log.Append(ctx, sessionID, row)
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.ChunksAppended.Inc()
	return SendResult{MessageID: messageID, Offset: offset}, nil
}

// StopGeneration aborts the generation for messageID, or every active
// generation in the session when messageID is empty. If this instance
// does not own the target the request is broadcast to peers; the reply
// is then best-effort, the stop terminal appears in the log when a peer
// acts.
func (s *Service) StopGeneration(ctx context.Context, sessionID, messageID string) (bool, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return false, err
	}

	var stopped bool
	if messageID == "" {
		stopped = s.cancelSession(sessionID)
	} else {
		stopped = s.cancelLocal(messageID)
	}
	if stopped {
		s.logger.Info("generation stopped",
			slog.String("session_id", sessionID),
			slog.String("message_id", messageID))
	}

	if s.broadcaster != nil {
		// Peers may hold generations for this session too; always relay.
		if err := s.broadcaster.Broadcast(ctx, sessionID, messageID); err != nil {
			return stopped, err
		}
		return stopped, nil
	}
	if !stopped {
		return false, ErrNoActiveTarget
	}
	return true, nil
}

func (s *Service) cancelLocal(messageID string) bool {
	s.abortMu.Lock()
	entry, ok := s.aborts[messageID]
	if ok {
		delete(s.aborts, messageID)
	}
	s.abortMu.Unlock()
	if ok {
		entry.cancel()
	}
	return ok
}

// cancelSession aborts every generation this instance runs for the session.
func (s *Service) cancelSession(sessionID string) bool {
	s.abortMu.Lock()
	var cancels []context.CancelFunc
	for messageID, entry := range s.aborts {
		if entry.sessionID == sessionID {
			cancels = append(cancels, entry.cancel)
			delete(s.aborts, messageID)
		}
	}
	s.abortMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels) > 0
}

// Stream identifies one in-flight generation on this instance.
type Stream struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// ActiveStreams lists the generations this instance is currently running.
func (s *Service) ActiveStreams() []Stream {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	out := make([]Stream, 0, len(s.aborts))
	for messageID, entry := range s.aborts {
		out = append(out, Stream{SessionID: entry.sessionID, MessageID: messageID})
	}
	return out
}

// HasActiveGeneration reports whether this instance is streaming into the
// session right now.
func (s *Service) HasActiveGeneration(sessionID string) bool {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	for _, entry := range s.aborts {
		if entry.sessionID == sessionID {
			return true
		}
	}
	return false
}

// Fork copies the session's chunk prefix up to atMessageID into a new
// session with the same agents. Empty atMessageID copies everything. The
// returned offset is the last copied position in the source log.
func (s *Service) Fork(ctx context.Context, sessionID, newID, atMessageID string) (*Session, string, error) {
	src, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	forked, err := s.Create(ctx, newID, CreateOptions{Title: src.Title, Agents: src.Agents()})
	if err != nil {
		return nil, "", err
	}
	forked.ForkedFrom = sessionID

	offset, err := s.log.CopyPrefix(ctx, sessionID, forked.ID, atMessageID)
	if err != nil {
		// Leave no half-forked session behind.
		_ = s.Delete(ctx, forked.ID)
		return nil, "", err
	}
	if err := s.appendControl(ctx, forked.ID, controlEvent{
		Type:       controlSessionForked,
		ForkedFrom: sessionID,
		At:         time.Now().UTC(),
	}); err != nil {
		return nil, "", err
	}

	s.metrics.SessionsForked.Inc()
	s.logger.Info("session forked",
		slog.String("session_id", sessionID),
		slog.String("fork_id", forked.ID),
		slog.String("at_message_id", atMessageID),
		slog.String("offset", offset))
	return forked, offset, nil
}

// startGeneration launches one agent generation and returns the messageId
// its chunks will stream under.
func (s *Service) startGeneration(sessionID string, a agent.Agent, history []agent.Message) string {
	messageID := uuid.NewString()

	genCtx, cancel := context.WithCancel(context.Background())
	s.abortMu.Lock()
	s.aborts[messageID] = abortEntry{sessionID: sessionID, cancel: cancel}
	s.abortMu.Unlock()

	s.metrics.ActiveGenerations.Inc()
	go func() {
		defer func() {
			s.abortMu.Lock()
			delete(s.aborts, messageID)
			s.abortMu.Unlock()
			cancel()
			s.metrics.ActiveGenerations.Dec()
		}()

		gen := ingest.Generation{SessionID: sessionID, MessageID: messageID, ActorID: a.ID}
		body, err := s.invoker.Invoke(genCtx, a, history)
		if err != nil {
			s.metrics.AgentInvocations.WithLabelValues("error").Inc()
			s.failGeneration(gen, err)
			return
		}
		s.metrics.AgentInvocations.WithLabelValues("ok").Inc()
		defer body.Close()

		terminal, err := s.pipeline.Run(genCtx, gen, body)
		s.metrics.Terminals.WithLabelValues(string(terminal)).Inc()
		if err != nil {
			s.logger.Error("generation ended with error",
				slog.String("session_id", sessionID),
				slog.String("message_id", messageID),
				slog.String("agent_id", a.ID),
				slog.String("error", err.Error()))
		}
	}()

	return messageID
}

// failGeneration closes a generation that never produced a stream.
func (s *Service) failGeneration(gen ingest.Generation, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	terminal := chunk.Payload{Type: chunk.TypeError, ErrorMessage: cause.Error()}
	if errors.Is(cause, context.Canceled) {
		terminal = chunk.Payload{Type: chunk.TypeStop, StopReason: "user"}
	}
	if _, err := s.log.Terminal(ctx, gen.SessionID, gen.MessageID, gen.ActorID, terminal); err != nil {
		s.logger.Error("failed to close generation",
			slog.String("session_id", gen.SessionID),
			slog.String("message_id", gen.MessageID),
			slog.String("error", err.Error()))
	}
	s.metrics.Terminals.WithLabelValues(string(terminal.Type)).Inc()
}

// conversation materializes the session into agent context messages.
func (s *Service) conversation(ctx context.Context, sessionID string) ([]agent.Message, error) {
	rows, err := s.log.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	proj := projection.New()
	proj.ApplyAll(rows)

	var out []agent.Message
	for _, m := range proj.Messages() {
		if msg, ok := toAgentMessage(m); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// toAgentMessage converts a projected message into agent context. Messages
// without text (pure tool traffic) and still-streaming ones are skipped.
func toAgentMessage(m projection.Message) (agent.Message, bool) {
	if m.Role != chunk.RoleUser && m.Role != chunk.RoleAssistant && m.Role != chunk.RoleSystem {
		return agent.Message{}, false
	}
	if m.Status == projection.StatusStreaming {
		return agent.Message{}, false
	}
	text := m.Text()
	if text == "" {
		return agent.Message{}, false
	}
	return agent.Message{ID: m.ID, Role: string(m.Role), Content: text}, true
}

// Control log event shapes.
const (
	controlAgentRegistered   = "agent-registered"
	controlAgentUnregistered = "agent-unregistered"
	controlSessionForked     = "session-forked"
)

type controlEvent struct {
	Type       string       `json:"type"`
	Agent      *agent.Agent `json:"agent,omitempty"`
	ForkedFrom string       `json:"forkedFrom,omitempty"`
	At         time.Time    `json:"at"`
}

func (s *Service) appendControl(ctx context.Context, sessionID string, ev controlEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.log.AppendControl(ctx, sessionID, data)
	return err
}

func (s *Service) readControl(ctx context.Context, sessionID string) ([]controlEvent, error) {
	var events []controlEvent
	from := ""
	for {
		batch, err := s.log.ReadRaw(ctx, sessionID, sessionlog.KindControl, from, store.ReadCatchup, store.ReadOptions{})
		if err != nil {
			return nil, err
		}
		for _, rec := range batch.Records {
			var ev controlEvent
			if err := json.Unmarshal(rec.Data, &ev); err != nil {
				s.logger.Warn("skipping malformed control event",
					slog.String("session_id", sessionID),
					slog.String("offset", rec.Offset))
				continue
			}
			events = append(events, ev)
		}
		if batch.UpToDate || len(batch.Records) == 0 {
			return events, nil
		}
		from = batch.NextOffset
	}
}
