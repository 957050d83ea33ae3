//go:build js && wasm

package browser

import (
	"syscall/js"

	"github.com/ashureev/stepflow/internal/flow"
)

// History is a flow.History over window.history. Navigation notifications
// are delivered to the shadow passed to Listen.
type History struct {
	window  js.Value
	history js.Value
	onPop   js.Func
	active  bool
}

// NewHistory binds to window.history.
func NewHistory() *History {
	w := js.Global()
	return &History{window: w, history: w.Get("history")}
}

// Listen forwards popstate events to shadow until Detach is called.
func (h *History) Listen(shadow *flow.HistoryShadow) {
	if h.active {
		return
	}
	h.onPop = js.FuncOf(func(_ js.Value, args []js.Value) any {
		var entry flow.Entry
		if len(args) > 0 {
			entry = entryFromState(args[0].Get("state"))
		}
		shadow.OnExternalNavigation(entry)
		return nil
	})
	h.window.Call("addEventListener", "popstate", h.onPop)
	h.active = true
}

// Push implements flow.History.
func (h *History) Push(entry flow.Entry) {
	h.history.Call("pushState", stateOf(entry), "", "")
}

// Replace implements flow.History.
func (h *History) Replace(entry flow.Entry) {
	h.history.Call("replaceState", stateOf(entry), "", "")
}

// Go implements flow.History.
func (h *History) Go(delta int) {
	if delta != 0 {
		h.history.Call("go", delta)
	}
}

// Detach implements flow.History.
func (h *History) Detach() {
	if !h.active {
		return
	}
	h.window.Call("removeEventListener", "popstate", h.onPop)
	h.onPop.Release()
	h.active = false
}

func stateOf(entry flow.Entry) map[string]any {
	return map[string]any{"step": int(entry.Step)}
}

// entryFromState reads a history.state written by stateOf. Foreign or empty
// states yield step 0, which the shadow ignores.
func entryFromState(state js.Value) flow.Entry {
	if state.Type() != js.TypeObject {
		return flow.Entry{}
	}
	step := state.Get("step")
	if step.Type() != js.TypeNumber {
		return flow.Entry{}
	}
	return flow.Entry{Step: flow.Step(step.Int())}
}
