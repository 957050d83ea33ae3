package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/stepflow/internal/retry"
	"golang.org/x/sync/singleflight"
)

// DefaultRetention is how long a dedup entry is kept.
const DefaultRetention = time.Hour

var (
	// ErrNotActive is returned for conversations the relay never started.
	ErrNotActive = errors.New("relay: conversation not active")
	// ErrConversationFinished is returned when sending after the dialogue ended.
	ErrConversationFinished = errors.New("relay: conversation finished")
	// ErrMissingMessageID is returned for sends without a client message id.
	ErrMissingMessageID = errors.New("relay: client message id is required")
)

// Key identifies one logical user message however often it is sent.
type Key struct {
	ConversationID  string
	ClientMessageID string
}

func (k Key) String() string {
	return k.ConversationID + "\x00" + k.ClientMessageID
}

type dedupEntry struct {
	serverMessageID string
	insertedAt      time.Time
}

type conversation struct {
	state     State
	owner     string
	watermark string
	touchedAt time.Time
}

// Config tunes a Relay.
type Config struct {
	// SendAttempts bounds retries of StartConversation and SendMessage.
	SendAttempts int
	// Retention is the age after which dedup entries and finished
	// conversations are swept.
	Retention time.Duration
	Logger    *slog.Logger
}

// Relay sends user messages and polls activities for any number of
// conversations. It is safe for concurrent use.
type Relay struct {
	backend   Backend
	transport *retry.Transport
	attempts  int
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	conversations map[string]*conversation
	dedup         map[Key]dedupEntry
	inflight      singleflight.Group
}

// New creates a Relay over backend.
func New(backend Backend, transport *retry.Transport, cfg Config) *Relay {
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if transport == nil {
		transport = retry.New(retry.DefaultDelay, retry.WithLogger(cfg.Logger))
	}
	return &Relay{
		backend:       backend,
		transport:     transport,
		attempts:      cfg.SendAttempts,
		retention:     cfg.Retention,
		logger:        cfg.Logger,
		now:           time.Now,
		conversations: make(map[string]*conversation),
		dedup:         make(map[Key]dedupEntry),
	}
}

// Start obtains a new conversation id from the backend and marks the
// conversation active. owner is recorded for Owner lookups and may be empty.
func (r *Relay) Start(ctx context.Context, owner string) (string, error) {
	id, err := retry.Execute(ctx, r.transport, r.attempts, r.backend.StartConversation)
	if err != nil {
		return "", fmt.Errorf("start conversation: %w", err)
	}
	if id == "" {
		return "", errors.New("start conversation: backend returned an empty conversation id")
	}

	r.mu.Lock()
	r.conversations[id] = &conversation{state: Active, owner: owner, touchedAt: r.now()}
	r.mu.Unlock()

	r.logger.Info("Conversation started", "conversation_id", id, "owner", owner)
	return id, nil
}

// State returns the lifecycle state of a conversation. Unknown ids are Idle.
func (r *Relay) State(conversationID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[conversationID]; ok {
		return c.state
	}
	return Idle
}

// Owner returns the owner recorded by Start.
func (r *Relay) Owner(conversationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return "", false
	}
	return c.owner, true
}

// Watermark returns the last watermark received for a conversation.
func (r *Relay) Watermark(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[conversationID]; ok {
		return c.watermark
	}
	return ""
}

// Send delivers msg once per (conversation, client message id). A repeated
// key returns the server message id of the first successful send without
// touching the network; concurrent sends of the same key share one request.
// Failed sends leave no entry behind, so a later retry is attempted again.
//
// The text of a repeated key is not compared with the original.
func (r *Relay) Send(ctx context.Context, msg Message) (string, error) {
	if msg.ClientMessageID == "" {
		return "", ErrMissingMessageID
	}
	if err := r.checkSendable(msg.ConversationID); err != nil {
		return "", err
	}

	key := Key{ConversationID: msg.ConversationID, ClientMessageID: msg.ClientMessageID}
	if id, ok := r.lookup(key); ok {
		r.logger.Debug("Duplicate send answered from dedup table", "conversation_id", key.ConversationID, "client_message_id", key.ClientMessageID)
		return id, nil
	}

	// The shared request outlives any single caller of the key. A cancelled
	// caller stops waiting for it.
	sendCtx := context.WithoutCancel(ctx)
	ch := r.inflight.DoChan(key.String(), func() (any, error) {
		if id, ok := r.lookup(key); ok {
			return id, nil
		}
		id, err := retry.Execute(sendCtx, r.transport, r.attempts, func(ctx context.Context) (string, error) {
			return r.backend.SendMessage(ctx, msg)
		})
		if err != nil {
			return "", err
		}
		r.remember(key, id)
		return id, nil
	})

	var v any
	var err error
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		r.logger.Warn("Message send failed", "conversation_id", msg.ConversationID, "client_message_id", msg.ClientMessageID, "error", err)
		return "", fmt.Errorf("send message: %w", err)
	}
	return v.(string), nil
}

// Poll fetches the activities delivered after watermark. On success the
// backend's new watermark is recorded and returned; on failure nothing is
// recorded. Polling continues to work after the conversation finished so the
// remaining activities can be drained.
func (r *Relay) Poll(ctx context.Context, conversationID, watermark string) (Batch, error) {
	r.mu.Lock()
	_, ok := r.conversations[conversationID]
	r.mu.Unlock()
	if !ok {
		return Batch{}, ErrNotActive
	}

	batch, err := r.backend.Activities(ctx, conversationID, watermark)
	if err != nil {
		return Batch{}, fmt.Errorf("poll activities: %w", err)
	}
	for _, a := range batch.Activities {
		if a.EndsConversation() {
			batch.Finished = true
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return batch, nil
	}
	if batch.Watermark != "" {
		c.watermark = batch.Watermark
	}
	c.touchedAt = r.now()
	if batch.Finished && c.state != Finished {
		c.state = Finished
		r.logger.Info("Conversation finished", "conversation_id", conversationID)
	}
	batch.Finished = c.state == Finished
	return batch, nil
}

// Sweep drops dedup entries older than the retention window, along with
// finished conversations that have been quiet for as long. It returns the
// number of dedup entries removed.
func (r *Relay) Sweep() int {
	cutoff := r.now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, entry := range r.dedup {
		if entry.insertedAt.Before(cutoff) {
			delete(r.dedup, key)
			removed++
		}
	}
	for id, c := range r.conversations {
		if c.state == Finished && c.touchedAt.Before(cutoff) {
			delete(r.conversations, id)
		}
	}
	return removed
}

// DedupSize returns the number of live dedup entries.
func (r *Relay) DedupSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dedup)
}

func (r *Relay) checkSendable(conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	switch {
	case !ok:
		return ErrNotActive
	case c.state == Finished:
		return ErrConversationFinished
	}
	c.touchedAt = r.now()
	return nil
}

func (r *Relay) lookup(key Key) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.dedup[key]
	return e.serverMessageID, ok
}

func (r *Relay) remember(key Key, serverMessageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dedup[key] = dedupEntry{serverMessageID: serverMessageID, insertedAt: r.now()}
}
