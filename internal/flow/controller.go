package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ashureev/stepflow/internal/retry"
)

var (
	// ErrAlreadyFinal is returned when the final jump was already used.
	ErrAlreadyFinal = errors.New("flow: final step already reached")
	// ErrSubmitInProgress is returned when a submission is still pending.
	ErrSubmitInProgress = errors.New("flow: submission already in progress")
	// ErrInvalidConfig is returned for an impossible step layout.
	ErrInvalidConfig = errors.New("flow: invalid step configuration")
)

// Options wires a Controller to its collaborators.
type Options struct {
	TotalSteps int
	AgentStep  int

	Storage   Storage
	History   History
	Viewport  Viewport
	Scheduler Scheduler
	View      View
	Consent   Consent

	// OnAgentStart fires once, on the first arrival at the agent step.
	OnAgentStart func()

	Logger *slog.Logger
}

// Controller is the step navigation state machine. It owns the current step
// and drives the history shadow, scroll memory and persisted snapshot.
type Controller struct {
	total      Step
	agentStep  Step
	storage    Storage
	view       View
	shadow     *HistoryShadow
	scroll     *ScrollMemory
	onAgent    func()
	logger     *slog.Logger
	cur        Step
	agentSeen  bool
	finalUsed  bool
	submitting bool
}

// NewController restores the persisted session, if any, and returns a
// controller positioned on the restored step. Call Start to render it.
func NewController(opts Options) (*Controller, error) {
	if opts.TotalSteps < 2 || opts.AgentStep < 1 || opts.AgentStep > opts.TotalSteps {
		return nil, fmt.Errorf("%w: total_steps=%d agent_step=%d", ErrInvalidConfig, opts.TotalSteps, opts.AgentStep)
	}
	if opts.Storage == nil || opts.History == nil || opts.Viewport == nil || opts.Scheduler == nil || opts.View == nil {
		return nil, fmt.Errorf("%w: storage, history, viewport, scheduler and view are required", ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	agentStep := Step(opts.AgentStep)
	snap := LoadSnapshot(opts.Storage, opts.TotalSteps, agentStep, logger)

	c := &Controller{
		total:     Step(opts.TotalSteps),
		agentStep: agentStep,
		storage:   opts.Storage,
		view:      opts.View,
		onAgent:   opts.OnAgentStart,
		logger:    logger,
		cur:       snap.Current,
	}
	c.scroll = NewScrollMemory(opts.Viewport, opts.Scheduler, opts.Storage, agentStep, snap.Scroll, logger)
	c.shadow = NewHistoryShadow(opts.History, opts.Storage, opts.TotalSteps, opts.Consent, logger)
	c.shadow.bind(c)
	c.shadow.Init(snap.Current, snap.History)
	return c, nil
}

// Start renders the restored step and persists the initial state.
func (c *Controller) Start() {
	c.arriveAt(c.cur)
	c.view.SetAgentView(c.cur == c.agentStep)
	c.scroll.Restore(c.cur)
	c.persist()
	c.logger.Info("Questionnaire started", "step", c.cur, "total_steps", c.total)
}

// Current returns the current step.
func (c *Controller) Current() Step {
	return c.cur
}

// Progress returns (current-1)/(total-1).
func (c *Controller) Progress() float64 {
	return float64(c.cur-1) / float64(c.total-1)
}

// Shadow returns the history shadow driven by the controller.
func (c *Controller) Shadow() *HistoryShadow {
	return c.shadow
}

// Scroll returns the scroll memory driven by the controller.
func (c *Controller) Scroll() *ScrollMemory {
	return c.scroll
}

// Advance moves one step forward. It is a no-op on the last step.
func (c *Controller) Advance() {
	if c.cur >= c.total {
		return
	}
	c.moveTo(c.cur+1, true)
}

// Retreat moves one step back. It is a no-op on the first and last steps.
func (c *Controller) Retreat() {
	if c.cur <= 1 || c.cur >= c.total {
		return
	}
	c.moveTo(c.cur-1, true)
}

// Apply dispatches an intent to the matching transition.
func (c *Controller) Apply(intent Intent) error {
	switch intent.Kind {
	case Forward:
		c.Advance()
	case Backward:
		c.Retreat()
	case JumpTo:
		if intent.Target != c.total {
			return fmt.Errorf("flow: jump target %d is not the final step", intent.Target)
		}
		return c.JumpToFinal()
	default:
		return fmt.Errorf("flow: unknown intent %v", intent.Kind)
	}
	return nil
}

// JumpToFinal moves straight to the last step after a successful submission
// and clears the persisted session. It may be used once per session.
func (c *Controller) JumpToFinal() error {
	if c.finalUsed {
		return ErrAlreadyFinal
	}
	c.finalUsed = true
	if c.cur != c.total {
		c.moveTo(c.total, true)
	}
	if err := c.storage.Clear(); err != nil {
		c.logger.Warn("Failed to clear session state", "error", err)
	}
	c.logger.Info("Reached final step", "step", c.cur)
	return nil
}

// SubmitAndFinish runs submit through the transport and, once it succeeds,
// jumps to the final step. On failure the current step is left unchanged and
// the error is returned so the caller can surface it; the participant may
// simply try again.
func (c *Controller) SubmitAndFinish(ctx context.Context, t *retry.Transport, attempts int, submit func(ctx context.Context) error) error {
	if c.finalUsed {
		return ErrAlreadyFinal
	}
	if c.submitting {
		return ErrSubmitInProgress
	}
	c.submitting = true
	err := t.Do(ctx, attempts, submit)
	c.submitting = false
	if err != nil {
		c.logger.Warn("Submission failed", "step", c.cur, "error", err)
		return fmt.Errorf("submit responses: %w", err)
	}
	return c.JumpToFinal()
}

// Reset discards the session and returns to step 1.
func (c *Controller) Reset() {
	if err := c.storage.Clear(); err != nil {
		c.logger.Warn("Failed to clear session state", "error", err)
	}
	c.cur = 1
	c.agentSeen = false
	c.finalUsed = false
	c.scroll.reset()
	c.shadow.reset()
	c.Start()
}

func (c *Controller) current() Step {
	return c.cur
}

// applyExternal follows a native back/forward move. The native record already
// exists, so the shadow is not asked to record anything.
func (c *Controller) applyExternal(intent Intent) {
	if intent.Target < 1 || intent.Target > c.total || intent.Target == c.cur {
		return
	}
	c.logger.Debug("Following native navigation", "direction", intent.Kind, "from", c.cur, "to", intent.Target)
	c.moveTo(intent.Target, false)
}

func (c *Controller) moveTo(target Step, record bool) {
	from := c.cur
	c.scroll.Save(from)
	c.cur = target
	if record {
		c.shadow.Record(target)
	}
	c.arriveAt(target)
	if c.nearAgent(target) || from == c.agentStep {
		c.view.SetAgentView(target == c.agentStep)
	}
	c.scroll.Restore(target)
	c.persist()
}

func (c *Controller) arriveAt(step Step) {
	c.view.ShowStep(step, c.Progress())
	if step == c.agentStep && !c.agentSeen {
		c.agentSeen = true
		c.logger.Info("Agent session started", "step", step)
		if c.onAgent != nil {
			c.onAgent()
		}
	}
}

func (c *Controller) nearAgent(step Step) bool {
	d := step - c.agentStep
	return d >= -1 && d <= 1
}

func (c *Controller) persist() {
	if err := c.storage.Set(KeyCurrentPage, strconv.Itoa(int(c.cur))); err != nil {
		c.logger.Warn("Failed to persist current page", "step", c.cur, "error", err)
	}
}
