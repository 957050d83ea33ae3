package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultDirectLineURL is the public Direct Line v3 endpoint.
const DefaultDirectLineURL = "https://directline.botframework.com/v3/directline"

// DirectLine is a Backend for a Bot Framework Direct Line v3 channel.
type DirectLine struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewDirectLine creates a Direct Line backend authenticated with secret.
func NewDirectLine(baseURL, secret string, client *http.Client) *DirectLine {
	if baseURL == "" {
		baseURL = DefaultDirectLineURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DirectLine{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  client,
	}
}

type dlAccount struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

type dlActivity struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	From        dlAccount       `json:"from"`
	Timestamp   time.Time       `json:"timestamp,omitzero"`
	ReplyToID   string          `json:"replyToId,omitempty"`
	ChannelData json.RawMessage `json:"channelData,omitempty"`
}

// StartConversation implements Backend.
func (d *DirectLine) StartConversation(ctx context.Context) (string, error) {
	var resp struct {
		ConversationID string `json:"conversationId"`
	}
	if err := d.do(ctx, http.MethodPost, "/conversations", nil, &resp); err != nil {
		return "", fmt.Errorf("directline start: %w", err)
	}
	return resp.ConversationID, nil
}

// SendMessage implements Backend. The client message id travels in
// channelData so transcripts can be correlated with the questionnaire.
func (d *DirectLine) SendMessage(ctx context.Context, msg Message) (string, error) {
	from := msg.From
	if from == "" {
		from = "participant"
	}
	channelData, err := json.Marshal(map[string]string{"clientActivityID": msg.ClientMessageID})
	if err != nil {
		return "", err
	}
	activity := dlActivity{
		Type:        "message",
		Text:        msg.Text,
		From:        dlAccount{ID: from, Role: "user"},
		ChannelData: channelData,
	}

	var resp struct {
		ID string `json:"id"`
	}
	path := "/conversations/" + url.PathEscape(msg.ConversationID) + "/activities"
	if err := d.do(ctx, http.MethodPost, path, activity, &resp); err != nil {
		return "", fmt.Errorf("directline send: %w", err)
	}
	return resp.ID, nil
}

// Activities implements Backend.
func (d *DirectLine) Activities(ctx context.Context, conversationID, watermark string) (Batch, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/activities"
	if watermark != "" {
		path += "?watermark=" + url.QueryEscape(watermark)
	}
	var resp struct {
		Activities []dlActivity `json:"activities"`
		Watermark  string       `json:"watermark"`
	}
	if err := d.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Batch{}, fmt.Errorf("directline activities: %w", err)
	}

	batch := Batch{Watermark: resp.Watermark, Activities: make([]Activity, 0, len(resp.Activities))}
	for _, a := range resp.Activities {
		batch.Activities = append(batch.Activities, Activity{
			ID:          a.ID,
			Type:        a.Type,
			Text:        a.Text,
			From:        a.From.ID,
			Role:        a.From.Role,
			Timestamp:   a.Timestamp,
			ReplyToID:   a.ReplyToID,
			ChannelData: a.ChannelData,
		})
	}
	return batch, nil
}

func (d *DirectLine) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return doJSON(d.client, req, out)
}
