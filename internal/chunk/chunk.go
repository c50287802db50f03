package chunk

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the defined values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Key is the primary key of a chunk within a session, and the deduplication
// key on the subscriber.
type Key struct {
	MessageID string
	Seq       int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.MessageID, k.Seq)
}

// Row is the wire form of a single log record. The Chunk field carries the
// payload as a JSON-encoded string; we keep it opaque at this layer for the
// same reasons the raw SSE lines stay opaque in a provider proxy: the log is
// provider-agnostic and forward-compatible, and parsing happens where the
// data is actually interpreted.
type Row struct {
	MessageID string    `json:"messageId"`
	ActorID   string    `json:"actorId"`
	Role      Role      `json:"role"`
	Chunk     string    `json:"chunk"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	TxID      int64     `json:"txid,omitempty"`

	// Offset is assigned by the store and carried out-of-band of the row
	// bytes; it is only meaningful within one session log.
	Offset string `json:"-"`

	// SessionID is contextual; rows are stored per session log and do not
	// repeat the session id in their bytes.
	SessionID string `json:"-"`
}

// Key returns the row's deduplication key.
func (r Row) Key() Key {
	return Key{MessageID: r.MessageID, Seq: r.Seq}
}

// Payload parses the embedded chunk payload.
func (r Row) Payload() (Payload, error) {
	return ParsePayload([]byte(r.Chunk))
}

// NewRow builds a row around a payload, serializing it into the chunk field.
func NewRow(messageID, actorID string, role Role, seq int, p Payload) (Row, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Row{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return Row{
		MessageID: messageID,
		ActorID:   actorID,
		Role:      role,
		Chunk:     string(data),
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Encode serializes the row for appending to the log.
func (r Row) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRow parses row bytes read from the log. The offset comes from the
// store record, not the row bytes.
func DecodeRow(data []byte, offset string) (Row, error) {
	var r Row
	if err := json.Unmarshal(data, &r); err != nil {
		return Row{}, fmt.Errorf("failed to decode log row: %w", err)
	}
	r.Offset = offset
	return r, nil
}
