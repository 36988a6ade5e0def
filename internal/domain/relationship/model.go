// Package relationship tracks which doctor is a patient's primary doctor.
// A patient has at most one primary at a time; the pairing is symmetric and
// queryable from both sides.
package relationship

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("relationship not found")
	ErrConflict      = errors.New("patient already has a primary doctor")
	ErrSelfReference = errors.New("patient and doctor must differ")
)

// Primary maps to the primary_relationship table. patient_id carries a
// unique index, which is what makes the single-primary invariant atomic.
type Primary struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID  uuid.UUID `db:"doctor_id" json:"doctor_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
