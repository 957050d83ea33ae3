package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"testing"

	"github.com/ashureev/stepflow/internal/domain"
	"github.com/google/go-cmp/cmp"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "data", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return repo
}

func alternating(control, agent int) domain.TreatmentGroup {
	return domain.BalancedGroup(control, agent, func() bool { return false })
}

func TestAssignParticipantIsStable(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	first, created, err := repo.AssignParticipant(ctx, "p-1", func(int, int) domain.TreatmentGroup { return domain.GroupAgent })
	if err != nil {
		t.Fatalf("AssignParticipant failed: %v", err)
	}
	if !created || first.TreatmentGroup != domain.GroupAgent {
		t.Fatalf("expected new agent participant, got created=%v group=%v", created, first.TreatmentGroup)
	}

	again, created, err := repo.AssignParticipant(ctx, "p-1", func(int, int) domain.TreatmentGroup { return domain.GroupControl })
	if err != nil {
		t.Fatalf("second AssignParticipant failed: %v", err)
	}
	if created || again.TreatmentGroup != domain.GroupAgent {
		t.Fatalf("expected stored group to be kept, got created=%v group=%v", created, again.TreatmentGroup)
	}

	got, err := repo.GetParticipant(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if got.TreatmentGroup != domain.GroupAgent {
		t.Fatalf("unexpected stored group %v", got.TreatmentGroup)
	}
}

func TestAssignParticipantBalancesGroups(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	const participants = 8
	var wg sync.WaitGroup
	errs := make(chan error, participants)
	for i := 0; i < participants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := repo.AssignParticipant(ctx, fmt.Sprintf("p-%d", i), alternating); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AssignParticipant failed: %v", err)
	}

	control, agent, err := repo.CountGroups(ctx)
	if err != nil {
		t.Fatalf("CountGroups failed: %v", err)
	}
	if control != participants/2 || agent != participants/2 {
		t.Fatalf("expected balanced groups, got control=%d agent=%d", control, agent)
	}
}

func TestGetParticipantNotFound(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	if _, err := repo.GetParticipant(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.UpdateLastSeen(context.Background(), "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from UpdateLastSeen, got %v", err)
	}
}

func TestSaveSubmissionIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	sub := &domain.Submission{
		SubmissionID:    "01J0000000000000000000000A",
		ParticipantID:   "p-1",
		TreatmentGroup:  domain.GroupAgent,
		ConversationLog: json.RawMessage(`[{"from":"user","text":"hi"}]`),
		Fields:          json.RawMessage(`{"age":"34"}`),
	}
	stored, created, err := repo.SaveSubmission(ctx, sub)
	if err != nil {
		t.Fatalf("SaveSubmission failed: %v", err)
	}
	if !created || stored.SubmissionID != sub.SubmissionID {
		t.Fatalf("expected a new submission, got created=%v id=%q", created, stored.SubmissionID)
	}

	retry := &domain.Submission{
		SubmissionID:   "01J0000000000000000000000B",
		ParticipantID:  "p-1",
		TreatmentGroup: domain.GroupAgent,
	}
	again, created, err := repo.SaveSubmission(ctx, retry)
	if err != nil {
		t.Fatalf("repeat SaveSubmission failed: %v", err)
	}
	if created {
		t.Fatal("repeat submission must not create a second record")
	}
	if again.SubmissionID != sub.SubmissionID {
		t.Fatalf("expected original id %q, got %q", sub.SubmissionID, again.SubmissionID)
	}
	if diff := cmp.Diff(string(sub.Fields), string(again.Fields)); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	if _, err := repo.GetSubmission(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
