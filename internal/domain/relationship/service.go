package relationship

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/platform/auth"
)

type Service struct {
	repo       Repository
	principals principal.Repository
}

func NewService(repo Repository, principals principal.Repository) *Service {
	return &Service{repo: repo, principals: principals}
}

// SetPrimary attaches a doctor as the patient's primary. The patient must
// not already have one: the unique index on patient_id decides races, so a
// concurrent double-set has exactly one winner.
func (s *Service) SetPrimary(ctx context.Context, patientID, doctorID uuid.UUID) (*Primary, error) {
	if patientID == doctorID {
		return nil, ErrSelfReference
	}

	pat, err := s.principals.GetByID(ctx, patientID)
	if err != nil {
		return nil, mapPrincipalErr(err)
	}
	if pat.Role != auth.RolePatient {
		return nil, ErrNotFound
	}

	doc, err := s.principals.GetByID(ctx, doctorID)
	if err != nil {
		return nil, mapPrincipalErr(err)
	}
	if doc.Role != auth.RoleDoctor {
		return nil, ErrNotFound
	}

	p := &Primary{PatientID: patientID, DoctorID: doctorID}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ClearPrimary detaches the patient's primary doctor. The delete is keyed
// by patient alone: a patient has at most one primary, so naming the doctor
// would add nothing. Clearing when none is attached is a no-op.
func (s *Service) ClearPrimary(ctx context.Context, patientID uuid.UUID) error {
	return s.repo.DeleteByPatient(ctx, patientID)
}

// GetPrimary returns the patient's primary relationship, or ErrNotFound.
func (s *Service) GetPrimary(ctx context.Context, patientID uuid.UUID) (*Primary, error) {
	return s.repo.GetByPatient(ctx, patientID)
}

// IsPrimary reports whether doctor is the patient's current primary.
func (s *Service) IsPrimary(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	return s.repo.Exists(ctx, patientID, doctorID)
}

// ListPrimaryPatients lists the patients for whom the doctor is primary.
func (s *Service) ListPrimaryPatients(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Primary, int, error) {
	return s.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

func mapPrincipalErr(err error) error {
	if errors.Is(err, principal.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
