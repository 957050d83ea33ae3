//go:build js && wasm

package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/stepflow/internal/browser"
	"github.com/ashureev/stepflow/internal/flow"
	"github.com/ashureev/stepflow/internal/relay"
	"github.com/ashureev/stepflow/internal/retry"
	"github.com/google/uuid"
)

type app struct {
	cfg         flowConfig
	client      *apiClient
	transport   *retry.Transport
	storage     *browser.SessionStorage
	participant flow.Participant
	logger      *slog.Logger

	ctrl   *flow.Controller
	fields *flow.FormFields
	chat   *chatSession
}

func (a *app) run() error {
	history := browser.NewHistory()
	ctrl, err := flow.NewController(flow.Options{
		TotalSteps:   a.cfg.TotalSteps,
		AgentStep:    a.cfg.AgentStep,
		Storage:      a.storage,
		History:      history,
		Viewport:     browser.NewViewport(),
		Scheduler:    browser.NewScheduler(),
		View:         browser.NewView(),
		Consent:      browser.CheckboxConsent("consent"),
		OnAgentStart: a.startChat,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	a.fields = flow.NewFormFields(a.storage, a.logger)

	history.Listen(ctrl.Shadow())
	browser.BindFields(a.fields, a.showError)

	browser.OnClick("[data-action=next]", a.next)
	browser.OnClick("[data-action=back]", ctrl.Retreat)
	browser.OnClick("[data-action=submit]", func() { go a.submit() })
	browser.OnClick("[data-action=reset]", a.reset)
	browser.OnClick("[data-action=chat-send]", func() { go a.sendChat() })

	ctrl.Start()
	return nil
}

func (a *app) next() {
	if a.ctrl.Current() == 1 && !browser.CheckboxConsent("consent").Given() {
		a.showError(errors.New("please confirm your consent to continue"))
		return
	}
	browser.SetHidden("error", true)
	a.ctrl.Advance()
}

func (a *app) reset() {
	if a.chat != nil {
		a.chat.stop()
		a.chat = nil
	}
	a.ctrl.Reset()
	if err := flow.SaveParticipant(a.storage, a.participant); err != nil {
		a.logger.Warn("Failed to store participant", "error", err)
	}
	a.fields = flow.NewFormFields(a.storage, a.logger)
}

func (a *app) submit() {
	browser.SetDisabled("submit", true)
	defer browser.SetDisabled("submit", false)

	payload := map[string]any{}
	for k, v := range a.fields.Values() {
		payload[k] = v
	}
	payload["participantId"] = a.participant.ID
	payload["treatmentGroup"] = a.participant.TreatmentGroup
	payload["conversationLog"] = []chatLine{}
	if a.chat != nil {
		payload["conversationLog"] = a.chat.transcript()
	}

	err := a.ctrl.SubmitAndFinish(context.Background(), a.transport, a.cfg.SubmitAttempts, func(ctx context.Context) error {
		return a.client.submit(ctx, payload)
	})
	switch {
	case errors.Is(err, flow.ErrSubmitInProgress), errors.Is(err, flow.ErrAlreadyFinal):
		return
	case err != nil:
		a.logger.Warn("Submission failed", "participant_id", a.participant.ID, "error", err)
		a.showError(errors.New("your answers could not be sent, please try again"))
		return
	}
	if a.chat != nil {
		a.chat.stop()
	}
	browser.SetHidden("error", true)
}

func (a *app) showError(err error) {
	browser.SetText("error", err.Error())
	browser.SetHidden("error", false)
}

// chatLine is one entry of the conversation log sent with the submission.
type chatLine struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type chatSession struct {
	relay  *relay.Relay
	convID string
	cancel context.CancelFunc

	mu      sync.Mutex
	lines   []chatLine
	pending *relay.Message
}

func (c *chatSession) record(role, text string) {
	c.mu.Lock()
	c.lines = append(c.lines, chatLine{Role: role, Text: text, At: time.Now()})
	c.mu.Unlock()
	browser.AppendChatLine(role, text)
}

func (c *chatSession) transcript() []chatLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chatLine(nil), c.lines...)
}

func (c *chatSession) stop() {
	c.cancel()
}

// startChat runs on the first arrival at the agent step. Participants in the
// control group and deployments without a chat backend skip the agent.
func (a *app) startChat() {
	if !a.cfg.ChatEnabled || a.participant.TreatmentGroup == 0 {
		browser.SetHidden("chat", true)
		return
	}
	browser.SetDisabled("agent-next", true)

	backend := relay.NewHTTPBackend(a.client.base+"/api/chat", a.client.http, a.client.header)
	r := relay.New(backend, a.transport, relay.Config{SendAttempts: a.cfg.SubmitAttempts, Logger: a.logger})
	ctx, cancel := context.WithCancel(context.Background())
	session := &chatSession{relay: r, cancel: cancel}
	a.chat = session

	go func() {
		convID, err := r.Start(ctx, a.participant.ID)
		if err != nil {
			a.logger.Warn("Chat unavailable", "error", err)
			browser.SetText("chat-status", "The assistant is unavailable. You may continue.")
			browser.SetDisabled("agent-next", false)
			return
		}
		session.mu.Lock()
		session.convID = convID
		session.mu.Unlock()

		poller := &relay.Poller{
			Relay:    r,
			Interval: time.Duration(a.cfg.PollIntervalMS) * time.Millisecond,
			Logger:   a.logger,
			Deliver: func(activities []relay.Activity) {
				for _, act := range activities {
					if act.Type == "message" && act.Role != "user" && act.From != a.participant.ID && act.Text != "" {
						session.record("agent", act.Text)
					}
				}
			},
		}
		if err := poller.Run(ctx, convID); err != nil {
			if !errors.Is(err, context.Canceled) {
				a.logger.Warn("Chat polling stopped", "conversation_id", convID, "error", err)
			}
			return
		}
		browser.SetText("chat-status", "The conversation has ended. Please continue.")
		browser.SetDisabled("chat-send", true)
		browser.SetDisabled("agent-next", false)
	}()
}

// sendChat sends the chat input. A message whose send failed keeps its
// client id, so resending it cannot produce a duplicate upstream.
func (a *app) sendChat() {
	session := a.chat
	if session == nil {
		return
	}
	session.mu.Lock()
	convID := session.convID
	msg := session.pending
	if msg == nil {
		text := browser.InputValue("chat-input", false)
		if text == "" || convID == "" {
			session.mu.Unlock()
			return
		}
		msg = &relay.Message{ConversationID: convID, Text: text, ClientMessageID: uuid.NewString(), From: a.participant.ID}
		session.pending = msg
	}
	session.mu.Unlock()

	browser.SetDisabled("chat-send", true)
	defer browser.SetDisabled("chat-send", false)

	if _, err := session.relay.Send(context.Background(), *msg); err != nil {
		if errors.Is(err, relay.ErrConversationFinished) {
			session.mu.Lock()
			session.pending = nil
			session.mu.Unlock()
			return
		}
		a.logger.Warn("Chat send failed", "client_message_id", msg.ClientMessageID, "error", err)
		a.showError(errors.New("your message could not be sent, please try again"))
		return
	}

	session.mu.Lock()
	session.pending = nil
	session.mu.Unlock()
	browser.InputValue("chat-input", true)
	session.record("user", msg.Text)
}
