package principal

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetDoctorByMedicalID(ctx context.Context, medicalID string) (*User, error)
	GetPatientByCardNumber(ctx context.Context, cardNumber string) (*User, error)
	UpdateRecordPin(ctx context.Context, id uuid.UUID, pinHash string) error
}
