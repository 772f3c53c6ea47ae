package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is a command sent by a page over the control channel.
type MessageType string

const (
	// MessageSkipWaiting promotes a waiting worker to active right away.
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	// MessageClearCache deletes every cache store, whatever its generation.
	MessageClearCache MessageType = "CLEAR_CACHE"
)

var ErrUnknownMessage = errors.New("unknown message type")

type Message struct {
	Type MessageType `json:"type"`
}

// ParseMessage decodes a control message and rejects unknown types.
func ParseMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Type {
	case MessageSkipWaiting, MessageClearCache:
		return m, nil
	}
	return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
}

func (w *Worker) handleMessage(ctx context.Context, m Message) error {
	switch m.Type {
	case MessageSkipWaiting:
		w.skipWaiting.Store(true)
		return nil
	case MessageClearCache:
		return w.clearAll(ctx)
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
}
