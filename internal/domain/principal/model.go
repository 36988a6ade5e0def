// Package principal manages the patient and doctor accounts that every
// other part of the service authorizes against.
package principal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("principal not found")
	ErrConflict           = errors.New("principal already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrForbidden covers both a missing and a wrong record PIN so callers
	// cannot probe whether a patient has set one.
	ErrForbidden = errors.New("access denied")
)

// User maps to the users table. A user is either a patient or a doctor.
type User struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Email         string    `db:"email" json:"email"`
	PasswordHash  string    `db:"password_hash" json:"-"`
	Role          string    `db:"role" json:"role"`
	MedicalID     *string   `db:"medical_id" json:"medical_id,omitempty"`
	CardNumber    *string   `db:"card_number" json:"card_number,omitempty"`
	RecordPinHash *string   `db:"record_pin_hash" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// HasRecordPin reports whether the patient has set a record PIN.
func (u *User) HasRecordPin() bool {
	return u.RecordPinHash != nil && *u.RecordPinHash != ""
}

// cardNumberLength is the digit count of generated patient card numbers.
const cardNumberLength = 12

// GenerateCardNumber returns a random numeric card number for a new patient.
// Uniqueness is enforced by the database index, not here.
func GenerateCardNumber() (string, error) {
	digits := make([]byte, cardNumberLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate card number: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	// First digit must be non-zero so the number survives integer handling
	// in downstream systems.
	if digits[0] == '0' {
		digits[0] = '9'
	}
	return string(digits), nil
}
