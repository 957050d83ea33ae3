// Package flow implements the questionnaire navigation core: the step state
// machine, its mirror of the native browser history, per-step scroll memory
// and the durable session snapshot that lets a reload resume where the
// participant left off.
//
// Every type in this package is driven from a single goroutine (the UI event
// loop). Platform capabilities are injected through the small interfaces
// below so the core runs unchanged in the browser and in tests.
package flow

import "time"

// Step is a 1-based questionnaire screen number.
type Step int

// Entry is the state carried by one native history record.
type Entry struct {
	Step Step `json:"step"`
}

// Storage is a tab-scoped key/value store. Missing keys report ok == false.
type Storage interface {
	Get(key string) (value string, ok bool)
	Set(key, value string) error
	Clear() error
}

// History is the native history stack of the host page.
type History interface {
	// Push appends a record after the cursor, dropping any forward records.
	Push(entry Entry)
	// Replace overwrites the record under the cursor.
	Replace(entry Entry)
	// Go moves the cursor by delta records. The host reports the move
	// asynchronously through HistoryShadow.OnExternalNavigation.
	Go(delta int)
	// Detach stops delivery of navigation notifications for good.
	Detach()
}

// Viewport exposes the document-level vertical scroll position.
type Viewport interface {
	ScrollY() int
	ScrollTo(y int)
}

// Task is a handle to scheduled work.
type Task interface {
	Cancel()
}

// Scheduler runs callbacks on the UI loop.
type Scheduler interface {
	// NextFrame runs fn before the next repaint.
	NextFrame(fn func()) Task
	// After runs fn once d has elapsed.
	After(d time.Duration, fn func()) Task
}

// View renders the questionnaire surface.
type View interface {
	ShowStep(step Step, progress float64)
	// SetAgentView swaps between the questionnaire and the embedded agent.
	SetAgentView(active bool)
}

// Consent reports whether the participant accepted the consent form on step 1.
type Consent interface {
	Given() bool
}

// ConsentFunc adapts a function to Consent.
type ConsentFunc func() bool

// Given implements Consent.
func (f ConsentFunc) Given() bool { return f() }

type alwaysConsented struct{}

func (alwaysConsented) Given() bool { return true }

// IntentKind classifies a requested transition.
type IntentKind int

const (
	// Forward moves one step ahead.
	Forward IntentKind = iota + 1
	// Backward moves one step back.
	Backward
	// JumpTo moves directly to Target.
	JumpTo
)

func (k IntentKind) String() string {
	switch k {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case JumpTo:
		return "jump"
	default:
		return "unknown"
	}
}

// Intent is a transient navigation request. It is never persisted.
type Intent struct {
	Kind   IntentKind
	Target Step
}
