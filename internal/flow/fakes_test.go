package flow

import (
	"time"
)

// fakeHistory models a browser history stack. Moves made through Go are
// announced later, when the test calls deliver, the way popstate fires
// asynchronously in a browser.
type fakeHistory struct {
	entries  []Entry
	index    int
	pending  []Entry
	detached bool
	pushes   int
	gos      []int
	shadow   *HistoryShadow
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{entries: []Entry{{}}}
}

func (h *fakeHistory) Push(e Entry) {
	h.entries = append(h.entries[:h.index+1], e)
	h.index = len(h.entries) - 1
	h.pushes++
}

func (h *fakeHistory) Replace(e Entry) {
	h.entries[h.index] = e
}

func (h *fakeHistory) Go(delta int) {
	h.gos = append(h.gos, delta)
	next := h.index + delta
	if next < 0 || next >= len(h.entries) {
		return
	}
	h.index = next
	h.pending = append(h.pending, h.entries[next])
}

func (h *fakeHistory) Detach() {
	h.detached = true
}

func (h *fakeHistory) back()    { h.Go(-1) }
func (h *fakeHistory) forward() { h.Go(1) }

func (h *fakeHistory) deliver() {
	for len(h.pending) > 0 {
		e := h.pending[0]
		h.pending = h.pending[1:]
		if h.detached || h.shadow == nil {
			continue
		}
		h.shadow.OnExternalNavigation(e)
	}
}

type fakeViewport struct {
	y       int
	scrolls []int
}

func (v *fakeViewport) ScrollY() int { return v.y }

func (v *fakeViewport) ScrollTo(y int) {
	v.y = y
	v.scrolls = append(v.scrolls, y)
}

type fakeTask struct {
	fn        func()
	frame     bool
	delay     time.Duration
	cancelled bool
}

func (t *fakeTask) Cancel() { t.cancelled = true }

type fakeScheduler struct {
	queue []*fakeTask
	ran   []*fakeTask
}

func (s *fakeScheduler) NextFrame(fn func()) Task {
	t := &fakeTask{fn: fn, frame: true}
	s.queue = append(s.queue, t)
	return t
}

func (s *fakeScheduler) After(d time.Duration, fn func()) Task {
	t := &fakeTask{fn: fn, delay: d}
	s.queue = append(s.queue, t)
	return t
}

func (s *fakeScheduler) flush() {
	for len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]
		if t.cancelled {
			continue
		}
		s.ran = append(s.ran, t)
		t.fn()
	}
}

type fakeView struct {
	shown     []Step
	progress  float64
	agentView []bool
}

func (v *fakeView) ShowStep(step Step, progress float64) {
	v.shown = append(v.shown, step)
	v.progress = progress
}

func (v *fakeView) SetAgentView(active bool) {
	v.agentView = append(v.agentView, active)
}

type harness struct {
	storage     *MemoryStorage
	history     *fakeHistory
	viewport    *fakeViewport
	scheduler   *fakeScheduler
	view        *fakeView
	consent     bool
	agentStarts int
	c           *Controller
}

func newHarness(storage *MemoryStorage, history *fakeHistory) (*harness, error) {
	h := &harness{
		storage:   storage,
		history:   history,
		viewport:  &fakeViewport{},
		scheduler: &fakeScheduler{},
		view:      &fakeView{},
		consent:   true,
	}
	c, err := NewController(Options{
		TotalSteps:   9,
		AgentStep:    4,
		Storage:      storage,
		History:      history,
		Viewport:     h.viewport,
		Scheduler:    h.scheduler,
		View:         h.view,
		Consent:      ConsentFunc(func() bool { return h.consent }),
		OnAgentStart: func() { h.agentStarts++ },
	})
	if err != nil {
		return nil, err
	}
	history.shadow = c.Shadow()
	history.pending = nil
	h.c = c
	c.Start()
	return h, nil
}

// settle delivers pending history notifications and runs scheduled work.
func (h *harness) settle() {
	h.history.deliver()
	h.scheduler.flush()
}
