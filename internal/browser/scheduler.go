//go:build js && wasm

package browser

import (
	"syscall/js"
	"time"

	"github.com/ashureev/stepflow/internal/flow"
)

// Scheduler is a flow.Scheduler over requestAnimationFrame and setTimeout.
type Scheduler struct {
	window js.Value
}

// NewScheduler binds to window.
func NewScheduler() *Scheduler {
	return &Scheduler{window: js.Global()}
}

type jsTask struct {
	window js.Value
	cancel string
	id     js.Value
	fn     js.Func
	done   bool
}

func (t *jsTask) Cancel() {
	if t.done {
		return
	}
	t.done = true
	t.window.Call(t.cancel, t.id)
	t.fn.Release()
}

func (s *Scheduler) schedule(method, cancel string, fn func(), args ...any) flow.Task {
	t := &jsTask{window: s.window, cancel: cancel}
	t.fn = js.FuncOf(func(js.Value, []js.Value) any {
		if t.done {
			return nil
		}
		t.done = true
		t.fn.Release()
		fn()
		return nil
	})
	t.id = s.window.Call(method, append([]any{t.fn}, args...)...)
	return t
}

// NextFrame implements flow.Scheduler.
func (s *Scheduler) NextFrame(fn func()) flow.Task {
	return s.schedule("requestAnimationFrame", "cancelAnimationFrame", fn)
}

// After implements flow.Scheduler.
func (s *Scheduler) After(d time.Duration, fn func()) flow.Task {
	return s.schedule("setTimeout", "clearTimeout", fn, d.Milliseconds())
}
