package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Wire types of the chat endpoints served by Handler and consumed by
// HTTPBackend.
type (
	startResponse struct {
		ConversationID string `json:"conversationId"`
	}
	sendRequest struct {
		ConversationID           string `json:"conversationId"`
		Text                     string `json:"text"`
		ClientGeneratedMessageID string `json:"clientGeneratedMessageId"`
	}
	sendResponse struct {
		ID string `json:"id"`
	}
	pollRequest struct {
		ConversationID string `json:"conversationId"`
		Watermark      string `json:"watermark"`
	}
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// HTTPBackend speaks the chat protocol exposed under /api/chat.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	header  http.Header
}

// NewHTTPBackend creates a backend rooted at baseURL (for example
// "https://host/api/chat"). A nil client gets a 30 second timeout.
func NewHTTPBackend(baseURL string, client *http.Client, header http.Header) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		header:  header.Clone(),
	}
}

// StartConversation implements Backend.
func (b *HTTPBackend) StartConversation(ctx context.Context) (string, error) {
	var resp startResponse
	if err := b.post(ctx, "/start", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

// SendMessage implements Backend.
func (b *HTTPBackend) SendMessage(ctx context.Context, msg Message) (string, error) {
	var resp sendResponse
	err := b.post(ctx, "/send", sendRequest{
		ConversationID:           msg.ConversationID,
		Text:                     msg.Text,
		ClientGeneratedMessageID: msg.ClientMessageID,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Activities implements Backend.
func (b *HTTPBackend) Activities(ctx context.Context, conversationID, watermark string) (Batch, error) {
	var batch Batch
	err := b.post(ctx, "/poll", pollRequest{ConversationID: conversationID, Watermark: watermark}, &batch)
	return batch, err
}

func (b *HTTPBackend) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range b.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(b.client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
