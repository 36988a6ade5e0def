package grant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Grant, error)

	// Decide flips a pending grant to a terminal status. It returns false
	// when the grant was no longer pending, so concurrent decisions have
	// exactly one winner.
	Decide(ctx context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time, expiresAt *time.Time) (bool, error)

	// ListActive returns the approved, unexpired grants a doctor holds for
	// a patient.
	ListActive(ctx context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]*Grant, error)

	// ListPendingCriticalForPrimary returns pending critical requests across
	// every patient whose primary doctor is doctorID.
	ListPendingCriticalForPrimary(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error)

	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error)
}
