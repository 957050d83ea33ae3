package flow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeNavigator struct {
	cur     Step
	applied []Intent
}

func (n *fakeNavigator) current() Step { return n.cur }

func (n *fakeNavigator) applyExternal(intent Intent) {
	n.applied = append(n.applied, intent)
	n.cur = intent.Target
}

func newTestShadow(t *testing.T, current Step, restored []Entry) (*HistoryShadow, *fakeHistory, *fakeNavigator) {
	t.Helper()
	history := newFakeHistory()
	if len(restored) > 0 {
		history.entries = append([]Entry(nil), restored...)
	}
	// Put the native cursor on current, as a reload would find it.
	for i, e := range history.entries {
		if e.Step == current {
			history.index = i
		}
	}
	nav := &fakeNavigator{cur: current}
	s := NewHistoryShadow(history, NewMemoryStorage(), 9, nil, nil)
	s.bind(nav)
	history.shadow = s
	s.Init(current, restored)
	return s, history, nav
}

func TestShadowInitReplacesCurrentRecord(t *testing.T) {
	t.Parallel()

	s, history, _ := newTestShadow(t, 1, nil)
	if history.pushes != 0 {
		t.Fatalf("init must not push, got %d pushes", history.pushes)
	}
	if history.entries[history.index].Step != 1 {
		t.Fatalf("expected native record replaced with step 1, got %v", history.entries[history.index])
	}
	if diff := cmp.Diff([]Entry{{Step: 1}}, s.Entries()); diff != "" {
		t.Fatalf("unexpected stack (-want +got):\n%s", diff)
	}
}

func TestShadowInitAppendsMissingCurrent(t *testing.T) {
	t.Parallel()

	s := NewHistoryShadow(newFakeHistory(), NewMemoryStorage(), 9, nil, nil)
	s.Init(3, []Entry{{Step: 1}, {Step: 2}, {Step: 2}})
	want := []Entry{{Step: 1}, {Step: 2}, {Step: 3}}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Fatalf("unexpected stack (-want +got):\n%s", diff)
	}
}

func TestShadowRecordNeverDuplicates(t *testing.T) {
	t.Parallel()

	s, history, _ := newTestShadow(t, 1, nil)
	for _, step := range []Step{2, 3, 2, 3, 4, 3, 2, 3, 4} {
		s.Record(step)
		history.deliver()
	}
	assertNoDuplicates(t, s.Entries())
	if history.pushes != 3 {
		t.Fatalf("expected 3 pushes for 3 first visits, got %d", history.pushes)
	}
}

func TestShadowSuppressionIsSingleShot(t *testing.T) {
	t.Parallel()

	s, history, nav := newTestShadow(t, 3, []Entry{{Step: 1}, {Step: 2}, {Step: 3}})
	nav.cur = 2
	s.ReplayExistingVisit(2)
	if !s.Suppressing() {
		t.Fatal("expected suppression flag after a silent move")
	}
	history.deliver()
	if len(nav.applied) != 0 {
		t.Fatalf("echo must be swallowed, applied %v", nav.applied)
	}

	history.back()
	history.deliver()
	want := []Intent{{Kind: Backward, Target: 1}}
	if diff := cmp.Diff(want, nav.applied); diff != "" {
		t.Fatalf("user navigation must not be swallowed (-want +got):\n%s", diff)
	}
}

func TestShadowFirstVisitDropsForwardRecords(t *testing.T) {
	t.Parallel()

	s, history, _ := newTestShadow(t, 2, []Entry{{Step: 1}, {Step: 2}, {Step: 3}, {Step: 4}})
	if !s.RecordFirstVisit(9) {
		t.Fatal("expected step 9 to be a first visit")
	}
	want := []Entry{{Step: 1}, {Step: 2}, {Step: 9}}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Fatalf("unexpected stack (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(history.entries, s.Entries()); diff != "" {
		t.Fatalf("shadow diverged from native history (-native +shadow):\n%s", diff)
	}
}

func TestShadowIgnoresForeignRecords(t *testing.T) {
	t.Parallel()

	s, _, nav := newTestShadow(t, 2, []Entry{{Step: 1}, {Step: 2}})
	s.OnExternalNavigation(Entry{})
	s.OnExternalNavigation(Entry{Step: 42})
	if len(nav.applied) != 0 {
		t.Fatalf("expected foreign records to be ignored, applied %v", nav.applied)
	}
}

func TestShadowPersistsStack(t *testing.T) {
	t.Parallel()

	storage := NewMemoryStorage()
	s := NewHistoryShadow(newFakeHistory(), storage, 9, nil, nil)
	s.Init(1, nil)
	s.RecordFirstVisit(2)

	snap := LoadSnapshot(storage, 9, 4, nil)
	if diff := cmp.Diff([]Entry{{Step: 1}, {Step: 2}}, snap.History); diff != "" {
		t.Fatalf("unexpected persisted stack (-want +got):\n%s", diff)
	}
}
