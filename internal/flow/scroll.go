package flow

import (
	"log/slog"
	"time"
)

const (
	layoutFrames = 2
	layoutSettle = 50 * time.Millisecond
)

// ScrollMemory records the vertical offset of every questionnaire step and
// restores it once the destination step has been laid out. The agent step
// scrolls internally and is never recorded.
type ScrollMemory struct {
	viewport  Viewport
	scheduler Scheduler
	storage   Storage
	agentStep Step
	positions map[Step]int
	pending   Task
	logger    *slog.Logger
}

// NewScrollMemory creates a ScrollMemory seeded with restored positions.
func NewScrollMemory(viewport Viewport, scheduler Scheduler, storage Storage, agentStep Step, restored map[Step]int, logger *slog.Logger) *ScrollMemory {
	if logger == nil {
		logger = slog.Default()
	}
	positions := copyPositions(restored)
	delete(positions, agentStep)
	return &ScrollMemory{
		viewport:  viewport,
		scheduler: scheduler,
		storage:   storage,
		agentStep: agentStep,
		positions: positions,
		logger:    logger,
	}
}

// Save records the current offset for step and persists the map.
func (m *ScrollMemory) Save(step Step) {
	if step == m.agentStep {
		return
	}
	m.positions[step] = m.viewport.ScrollY()
	if err := writeJSON(m.storage, KeyScrollPositions, m.positions); err != nil {
		m.logger.Warn("Failed to persist scroll positions", "step", step, "error", err)
	}
}

// Restore scrolls to the offset saved for step, or to the top when none was
// saved. The scroll happens after two frames and a short settle delay; any
// restoration still queued from an earlier step is cancelled first.
func (m *ScrollMemory) Restore(step Step) {
	m.Cancel()
	y, ok := m.positions[step]
	if !ok {
		y = 0
	}
	m.pending = AfterLayout(m.scheduler, layoutFrames, layoutSettle, func() {
		m.pending = nil
		m.viewport.ScrollTo(y)
	})
}

// Cancel drops a queued restoration, if any.
func (m *ScrollMemory) Cancel() {
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
}

// Offset returns the saved offset for step.
func (m *ScrollMemory) Offset(step Step) (int, bool) {
	y, ok := m.positions[step]
	return y, ok
}

// Positions returns a copy of the saved offsets.
func (m *ScrollMemory) Positions() map[Step]int {
	return copyPositions(m.positions)
}

func (m *ScrollMemory) reset() {
	m.Cancel()
	clear(m.positions)
}
