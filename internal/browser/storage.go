//go:build js && wasm

package browser

import (
	"fmt"
	"syscall/js"
)

// SessionStorage is a flow.Storage over window.sessionStorage.
type SessionStorage struct {
	v js.Value
}

// NewSessionStorage binds to window.sessionStorage.
func NewSessionStorage() *SessionStorage {
	return &SessionStorage{v: js.Global().Get("sessionStorage")}
}

// Get implements flow.Storage.
func (s *SessionStorage) Get(key string) (string, bool) {
	item := s.v.Call("getItem", key)
	if item.IsNull() || item.IsUndefined() {
		return "", false
	}
	return item.String(), true
}

// Set implements flow.Storage. Quota errors thrown by the browser are
// returned instead of panicking.
func (s *SessionStorage) Set(key, value string) (err error) {
	defer recoverJSError(&err, "set "+key)
	s.v.Call("setItem", key, value)
	return nil
}

// Clear implements flow.Storage.
func (s *SessionStorage) Clear() (err error) {
	defer recoverJSError(&err, "clear")
	s.v.Call("clear")
	return nil
}

func recoverJSError(err *error, op string) {
	r := recover()
	if r == nil {
		return
	}
	if jsErr, ok := r.(js.Error); ok {
		*err = fmt.Errorf("sessionStorage %s: %w", op, jsErr)
		return
	}
	panic(r)
}
