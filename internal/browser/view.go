//go:build js && wasm

package browser

import (
	"fmt"
	"strconv"
	"syscall/js"

	"github.com/ashureev/stepflow/internal/flow"
)

// View is a flow.View over the questionnaire markup: one
// <section data-step="N"> per step, a #progress-bar and an #agent-panel.
type View struct {
	doc js.Value
}

// NewView binds to document.
func NewView() *View {
	return &View{doc: js.Global().Get("document")}
}

// ShowStep implements flow.View.
func (v *View) ShowStep(step flow.Step, progress float64) {
	sections := v.doc.Call("querySelectorAll", "section[data-step]")
	want := strconv.Itoa(int(step))
	for i := 0; i < sections.Length(); i++ {
		el := sections.Index(i)
		el.Set("hidden", el.Get("dataset").Get("step").String() != want)
	}
	if bar := v.doc.Call("getElementById", "progress-bar"); !bar.IsNull() {
		bar.Get("style").Set("width", fmt.Sprintf("%.0f%%", progress*100))
		bar.Call("setAttribute", "aria-valuenow", fmt.Sprintf("%.0f", progress*100))
	}
}

// SetAgentView implements flow.View.
func (v *View) SetAgentView(active bool) {
	if panel := v.doc.Call("getElementById", "agent-panel"); !panel.IsNull() {
		panel.Set("hidden", !active)
	}
	v.doc.Get("body").Get("classList").Call("toggle", "agent-active", active)
}
