package relationship

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Primary) error
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*Primary, error)
	DeleteByPatient(ctx context.Context, patientID uuid.UUID) error
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Primary, int, error)
	Exists(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error)
}
