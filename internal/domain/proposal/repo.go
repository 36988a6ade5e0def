package proposal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Upsert writes the proposal. When the proposer already has a pending
	// proposal for the same (patient, tier), it is overwritten in place.
	Upsert(ctx context.Context, p *Proposal) error

	GetByID(ctx context.Context, id uuid.UUID) (*Proposal, error)

	// Decide flips a pending proposal to a terminal status. It returns
	// false when the proposal was no longer pending, so concurrent
	// decisions have exactly one winner.
	Decide(ctx context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time) (bool, error)

	// ListPendingForPrimary returns pending proposals across every patient
	// whose primary doctor is doctorID.
	ListPendingForPrimary(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Proposal, int, error)

	ListByProposer(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Proposal, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Proposal, int, error)
}
