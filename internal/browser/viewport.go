//go:build js && wasm

package browser

import "syscall/js"

// Viewport is a flow.Viewport over the window scroll position.
type Viewport struct {
	window js.Value
}

// NewViewport binds to window.
func NewViewport() *Viewport {
	return &Viewport{window: js.Global()}
}

// ScrollY implements flow.Viewport.
func (v *Viewport) ScrollY() int {
	return v.window.Get("scrollY").Int()
}

// ScrollTo implements flow.Viewport.
func (v *Viewport) ScrollTo(y int) {
	v.window.Call("scrollTo", 0, y)
}
