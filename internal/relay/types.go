// Package relay carries chat messages between the questionnaire and an
// external conversational backend. Outbound sends are deduplicated per
// (conversation, client message id); inbound activities are fetched with an
// opaque watermark supplied by the backend.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// State is the lifecycle of one conversation.
type State int

const (
	// Idle means no conversation id has been obtained yet.
	Idle State = iota
	// Active means messages may be sent and activities polled.
	Active
	// Finished means the backend signalled the end of the dialogue.
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Activity is one inbound or outbound event of a conversation.
type Activity struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	From        string          `json:"from,omitempty"`
	Role        string          `json:"role,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitzero"`
	ReplyToID   string          `json:"replyToId,omitempty"`
	ChannelData json.RawMessage `json:"channelData,omitempty"`
}

// EndsConversation reports whether the activity carries the backend's
// terminal dialogue marker.
func (a Activity) EndsConversation() bool {
	if a.Type == "endOfConversation" {
		return true
	}
	if len(bytes.TrimSpace(a.ChannelData)) == 0 {
		return false
	}
	var data struct {
		Finished bool `json:"finished"`
	}
	if err := json.Unmarshal(a.ChannelData, &data); err != nil {
		return false
	}
	return data.Finished
}

// Batch is the result of one poll.
type Batch struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark"`
	Finished   bool       `json:"finished"`
}

// Message is one outbound user message.
type Message struct {
	ConversationID  string
	Text            string
	ClientMessageID string
	From            string
}

// Backend is the conversational service the relay talks to.
type Backend interface {
	StartConversation(ctx context.Context) (conversationID string, err error)
	SendMessage(ctx context.Context, msg Message) (serverMessageID string, err error)
	Activities(ctx context.Context, conversationID, watermark string) (Batch, error)
}
