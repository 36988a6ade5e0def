// Package grant is the ledger of time-bounded access grants that let a
// doctor read a patient's emergency or critical tier.
package grant

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/livelink/livelink/internal/domain/tier"
)

var (
	ErrNotFound     = errors.New("grant not found")
	ErrForbidden    = errors.New("not allowed to decide this grant")
	ErrInvalidState = errors.New("grant is not pending")
	ErrInvalidTier  = errors.New("grants apply to the emergency and critical tiers only")

	// ErrInsufficientProof rejects an emergency request with fewer than the
	// minimum proof documents.
	ErrInsufficientProof = errors.New("at least 3 proof documents are required")

	// ErrInvalidProofCount rejects a critical request that does not carry
	// exactly the required proof documents.
	ErrInvalidProofCount = errors.New("exactly 3 proof documents are required")
)

// Grant statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Emergency grants self-approve with a short lifetime; critical grants are
// approved by the primary doctor and live longer.
const (
	EmergencyTTL = 10 * time.Minute
	CriticalTTL  = 2 * time.Hour
)

// ProofCount is the number of proof documents a request must carry.
const ProofCount = 3

// Proof references one stored proof document. The content itself lives in
// the blob store, sealed.
type Proof struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Hash        string `json:"hash"`
	Locator     string `json:"locator"`
}

// Grant maps to the access_grants table. Proofs are stored as JSONB.
type Grant struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID  uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Tier      tier.Tier  `db:"tier" json:"tier"`
	Status    string     `db:"status" json:"status"`
	Reason    *string    `db:"reason" json:"reason,omitempty"`
	Proofs    []Proof    `db:"proofs" json:"proofs"`
	DecidedBy *uuid.UUID `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt *time.Time `db:"decided_at" json:"decided_at,omitempty"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// ActiveAt reports whether the grant confers access at the given instant.
// Expiry is lazy: expired rows stay in the ledger but stop counting.
func (g *Grant) ActiveAt(now time.Time) bool {
	if g.Status != StatusApproved {
		return false
	}
	return g.ExpiresAt != nil && g.ExpiresAt.After(now)
}
