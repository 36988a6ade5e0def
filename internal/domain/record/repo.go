package record

import (
	"context"

	"github.com/google/uuid"

	"github.com/livelink/livelink/internal/domain/tier"
)

// VersionRow feeds the opaque per-patient version token.
type VersionRow struct {
	ID        uuid.UUID
	UpdatedAt int64 // unix nanos
}

type Repository interface {
	// Upsert writes the record keyed (patient_id, tier, doctor_id). An
	// empty Files slice keeps the stored attachments; sections are never
	// touched by an upsert.
	Upsert(ctx context.Context, r *Record) error

	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// GetByIDForUpdate locks the row for the surrounding transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Record, error)
	UpdateSections(ctx context.Context, id uuid.UUID, sections []Section) error

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error)
	ListByPatientTier(ctx context.Context, patientID uuid.UUID, t tier.Tier, limit, offset int) ([]*Record, int, error)

	// ListVersionRows returns the early-tier rows only; the version token
	// built from them is public.
	ListVersionRows(ctx context.Context, patientID uuid.UUID) ([]VersionRow, error)
}
