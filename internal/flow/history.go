package flow

import (
	"log/slog"
	"slices"
)

// navigator is the state machine steered by native back/forward events.
type navigator interface {
	current() Step
	applyExternal(intent Intent)
}

// HistoryShadow keeps an ordered mirror of the native history records the
// session created, one per distinct step, and resolves the direction of
// native back/forward events against the current step.
//
// Navigations the shadow triggers itself are announced back by the host like
// any other; a one-shot suppression flag, set right before the call to
// History.Go and cleared by the next notification, swallows that echo.
type HistoryShadow struct {
	history    History
	consent    Consent
	storage    Storage
	totalSteps Step
	nav        navigator
	logger     *slog.Logger

	stack    []Entry
	cursor   int
	suppress bool
	detached bool
}

// NewHistoryShadow creates an unbound shadow. A nil consent is treated as
// always given.
func NewHistoryShadow(history History, storage Storage, totalSteps int, consent Consent, logger *slog.Logger) *HistoryShadow {
	if consent == nil {
		consent = alwaysConsented{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryShadow{
		history:    history,
		consent:    consent,
		storage:    storage,
		totalSteps: Step(totalSteps),
		logger:     logger,
	}
}

func (s *HistoryShadow) bind(nav navigator) {
	s.nav = nav
}

// Init overwrites the native record under the cursor with current and makes
// sure current is part of the restored stack.
func (s *HistoryShadow) Init(current Step, restored []Entry) {
	s.stack = s.stack[:0]
	for _, e := range restored {
		if !s.contains(e.Step) {
			s.stack = append(s.stack, e)
		}
	}
	s.history.Replace(Entry{Step: current})
	if !s.contains(current) {
		s.stack = append(s.stack, Entry{Step: current})
	}
	s.cursor = s.indexOf(current)
	s.suppress = false
	s.persist()
}

// Entries returns a copy of the shadow stack.
func (s *HistoryShadow) Entries() []Entry {
	return slices.Clone(s.stack)
}

// Visited reports whether step has a record in the shadow stack.
func (s *HistoryShadow) Visited(step Step) bool {
	return s.contains(step)
}

// Detached reports whether the shadow stopped reacting to native navigation.
func (s *HistoryShadow) Detached() bool {
	return s.detached
}

// Suppressing reports whether the next notification will be swallowed.
func (s *HistoryShadow) Suppressing() bool {
	return s.suppress
}

// Record mirrors an in-app transition to step: a first visit pushes a new
// native record, a revisit replays the existing one.
func (s *HistoryShadow) Record(step Step) {
	if s.contains(step) {
		s.ReplayExistingVisit(step)
		return
	}
	s.RecordFirstVisit(step)
}

// RecordFirstVisit appends step and pushes a native record for it. It is the
// only path that grows the native history. Records ahead of the cursor are
// dropped first because the host discards them on push.
func (s *HistoryShadow) RecordFirstVisit(step Step) bool {
	if s.contains(step) {
		return false
	}
	if s.cursor >= 0 && s.cursor < len(s.stack)-1 {
		s.stack = s.stack[:s.cursor+1]
	}
	s.stack = append(s.stack, Entry{Step: step})
	s.cursor = len(s.stack) - 1
	s.history.Push(Entry{Step: step})
	s.persist()
	return true
}

// ReplayExistingVisit moves the native cursor onto the record already held
// for step without creating a new one.
func (s *HistoryShadow) ReplayExistingVisit(step Step) {
	idx := s.indexOf(step)
	if idx < 0 {
		return
	}
	delta := idx - s.cursor
	s.cursor = idx
	if delta == 0 {
		return
	}
	s.goSilently(delta)
}

// OnExternalNavigation handles a native back/forward notification whose
// destination record is dest.
func (s *HistoryShadow) OnExternalNavigation(dest Entry) {
	if s.suppress {
		s.suppress = false
		return
	}
	if s.detached || s.nav == nil {
		return
	}
	if dest.Step < 1 || dest.Step > s.totalSteps {
		s.logger.Debug("Ignoring navigation to foreign history record", "step", dest.Step)
		return
	}

	current := s.nav.current()
	destIdx := s.indexOf(dest.Step)

	// Records outside the stack were left behind by a reset and lie before
	// its first entry. Return to the current record instead of following.
	if destIdx < 0 {
		s.logger.Info("Returning from history record outside session", "step", dest.Step)
		s.goSilently(s.cursor + 1)
		return
	}

	// Leaving step 1 requires consent, not a browser button.
	if current == 1 && dest.Step > 1 && !s.consent.Given() {
		s.logger.Info("Blocked navigation past consent", "destination", dest.Step)
		s.goSilently(s.counterDelta(destIdx))
		return
	}

	// The terminal step never regresses through browser controls.
	if current == s.totalSteps {
		s.logger.Info("Detaching history handler at terminal step", "destination", dest.Step)
		delta := s.counterDelta(destIdx)
		s.detach()
		if delta != 0 {
			s.history.Go(delta)
		}
		return
	}

	s.cursor = destIdx
	switch {
	case dest.Step < current:
		s.nav.applyExternal(Intent{Kind: Backward, Target: dest.Step})
	case dest.Step > current:
		s.nav.applyExternal(Intent{Kind: Forward, Target: dest.Step})
	}
}

// counterDelta returns the move that undoes a native navigation which landed
// on the record at destIdx.
func (s *HistoryShadow) counterDelta(destIdx int) int {
	return s.cursor - destIdx
}

func (s *HistoryShadow) goSilently(delta int) {
	if delta == 0 {
		return
	}
	s.suppress = true
	s.history.Go(delta)
}

func (s *HistoryShadow) detach() {
	if s.detached {
		return
	}
	s.detached = true
	s.suppress = false
	s.history.Detach()
}

// reset rebuilds the stack around step 1. A detached shadow stays detached.
func (s *HistoryShadow) reset() {
	s.Init(1, nil)
}

func (s *HistoryShadow) contains(step Step) bool {
	return s.indexOf(step) >= 0
}

func (s *HistoryShadow) indexOf(step Step) int {
	return slices.IndexFunc(s.stack, func(e Entry) bool { return e.Step == step })
}

func (s *HistoryShadow) persist() {
	if err := writeJSON(s.storage, KeyHistoryStates, s.stack); err != nil {
		s.logger.Warn("Failed to persist history states", "error", err)
	}
}
