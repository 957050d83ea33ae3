//go:build js && wasm

package browser

import (
	"syscall/js"

	"github.com/ashureev/stepflow/internal/flow"
)

func document() js.Value {
	return js.Global().Get("document")
}

func byID(id string) js.Value {
	return document().Call("getElementById", id)
}

// CheckboxConsent reports the checked state of the element with the given id.
func CheckboxConsent(id string) flow.Consent {
	return flow.ConsentFunc(func() bool {
		el := byID(id)
		return !el.IsNull() && el.Get("checked").Bool()
	})
}

// OnClick runs fn for clicks on every element matching selector. The
// handlers live for the lifetime of the page.
func OnClick(selector string, fn func()) {
	handler := js.FuncOf(func(_ js.Value, args []js.Value) any {
		if len(args) > 0 {
			args[0].Call("preventDefault")
		}
		fn()
		return nil
	})
	nodes := document().Call("querySelectorAll", selector)
	for i := 0; i < nodes.Length(); i++ {
		nodes.Index(i).Call("addEventListener", "click", handler)
	}
}

// BindFields restores stored answers into every [data-field] input and writes
// changes back through fields.
func BindFields(fields *flow.FormFields, onError func(error)) {
	nodes := document().Call("querySelectorAll", "[data-field]")
	for i := 0; i < nodes.Length(); i++ {
		el := nodes.Index(i)
		name := el.Get("dataset").Get("field").String()
		checkbox := el.Get("type").String() == "checkbox"

		if v, ok := fields.Get(name); ok {
			if checkbox {
				el.Set("checked", v == "true")
			} else {
				el.Set("value", v)
			}
		}

		handler := js.FuncOf(func(this js.Value, _ []js.Value) any {
			value := this.Get("value").String()
			if checkbox {
				value = "false"
				if this.Get("checked").Bool() {
					value = "true"
				}
			}
			if err := fields.Set(name, value); err != nil && onError != nil {
				onError(err)
			}
			return nil
		})
		el.Call("addEventListener", "change", handler)
	}
}

// SetText sets the text content of the element with the given id.
func SetText(id, text string) {
	if el := byID(id); !el.IsNull() {
		el.Set("textContent", text)
	}
}

// SetHidden toggles the hidden property of the element with the given id.
func SetHidden(id string, hidden bool) {
	if el := byID(id); !el.IsNull() {
		el.Set("hidden", hidden)
	}
}

// SetDisabled toggles the disabled property of the element with the given id.
func SetDisabled(id string, disabled bool) {
	if el := byID(id); !el.IsNull() {
		el.Set("disabled", disabled)
	}
}

// InputValue returns and optionally clears the value of an input.
func InputValue(id string, clearAfter bool) string {
	el := byID(id)
	if el.IsNull() {
		return ""
	}
	v := el.Get("value").String()
	if clearAfter {
		el.Set("value", "")
	}
	return v
}

// AppendChatLine adds one line to the #chat-log element.
func AppendChatLine(role, text string) {
	log := byID("chat-log")
	if log.IsNull() {
		return
	}
	line := document().Call("createElement", "p")
	line.Get("classList").Call("add", "chat-"+role)
	line.Set("textContent", text)
	log.Call("appendChild", line)
	log.Set("scrollTop", log.Get("scrollHeight"))
}

// SessionID returns a per-tab id kept in sessionStorage under key, creating
// it with newID on first use.
func SessionID(storage *SessionStorage, key string, newID func() string) string {
	if id, ok := storage.Get(key); ok && id != "" {
		return id
	}
	id := newID()
	_ = storage.Set(key, id)
	return id
}
