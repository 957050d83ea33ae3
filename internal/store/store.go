// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/stepflow/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// GroupChooser picks the treatment group for a new participant given the
// current size of each group.
type GroupChooser func(control, agent int) domain.TreatmentGroup

// Repository defines the interface for persisting participants and their
// submissions.
type Repository interface {
	// GetParticipant retrieves a participant by id. Missing participants
	// yield ErrNotFound.
	GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error)

	// AssignParticipant returns the participant, creating it with a group
	// chosen by choose when it does not exist yet. created reports whether
	// this call inserted the record.
	AssignParticipant(ctx context.Context, participantID string, choose GroupChooser) (p *domain.Participant, created bool, err error)

	// UpdateLastSeen updates the last_seen_at timestamp for a participant.
	UpdateLastSeen(ctx context.Context, participantID string, lastSeen time.Time) error

	// CountGroups returns the number of participants in each group.
	CountGroups(ctx context.Context) (control, agent int, err error)

	// SaveSubmission stores sub unless the participant already submitted,
	// in which case the stored submission is returned and created is false.
	SaveSubmission(ctx context.Context, sub *domain.Submission) (stored *domain.Submission, created bool, err error)

	// GetSubmission retrieves the submission of a participant.
	GetSubmission(ctx context.Context, participantID string) (*domain.Submission, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
