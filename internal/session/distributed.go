package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/chatlog/relay/internal/logger"
)

// stopSubject carries stop requests between relay instances. Every
// instance subscribes; the one holding the generation's cancel acts.
const stopSubject = "relay.generation.stop"

type stopRequest struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// StopBroadcaster propagates stop-generation requests across instances
// over NATS so a client can stop a generation through any replica.
type StopBroadcaster struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *logger.Logger
}

// NewStopBroadcaster connects to NATS and subscribes the service to peer
// stop requests.
func NewStopBroadcaster(natsURL string, svc *Service, lg *logger.Logger) (*StopBroadcaster, error) {
	conn, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	b := &StopBroadcaster{
		conn:   conn,
		logger: lg.WithComponent("stop-broadcaster"),
	}

	b.sub, err = conn.Subscribe(stopSubject, func(msg *nats.Msg) {
		var req stopRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			b.logger.Warn("malformed stop request", slog.String("error", err.Error()))
			return
		}
		var stopped bool
		if req.MessageID == "" {
			stopped = svc.cancelSession(req.SessionID)
		} else {
			stopped = svc.cancelLocal(req.MessageID)
		}
		if stopped {
			b.logger.Info("stopped generation from peer request",
				slog.String("session_id", req.SessionID),
				slog.String("message_id", req.MessageID))
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", stopSubject, err)
	}

	return b, nil
}

// Broadcast publishes the stop request to all instances, this one included.
func (b *StopBroadcaster) Broadcast(ctx context.Context, sessionID, messageID string) error {
	data, err := json.Marshal(stopRequest{SessionID: sessionID, MessageID: messageID})
	if err != nil {
		return err
	}
	if err := b.conn.Publish(stopSubject, data); err != nil {
		return fmt.Errorf("failed to publish stop request: %w", err)
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the subscription and closes the connection.
func (b *StopBroadcaster) Close() {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	b.conn.Close()
}
