package flow

import "time"

// sequenceTask waits a number of animation frames, then a fixed delay, then
// runs its callback. Cancel stops it at whatever stage it has reached.
type sequenceTask struct {
	cancelled bool
	fired     bool
	current   Task
}

func (t *sequenceTask) Cancel() {
	if t.cancelled || t.fired {
		return
	}
	t.cancelled = true
	if t.current != nil {
		t.current.Cancel()
	}
}

// AfterLayout schedules fn after frames animation frames followed by delay.
func AfterLayout(s Scheduler, frames int, delay time.Duration, fn func()) Task {
	t := &sequenceTask{}
	var next func(remaining int)
	next = func(remaining int) {
		if t.cancelled {
			return
		}
		if remaining > 0 {
			t.current = s.NextFrame(func() { next(remaining - 1) })
			return
		}
		t.current = s.After(delay, func() {
			if t.cancelled {
				return
			}
			t.fired = true
			fn()
		})
	}
	next(frames)
	return t
}
