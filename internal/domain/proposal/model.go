// Package proposal is the review workflow for record edits a doctor may not
// land directly. The proposed content stays sealed until the patient's
// primary doctor approves it, at which point it merges into the record
// store under the approver's authorship.
package proposal

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/phi"
)

var (
	ErrNotFound     = errors.New("proposal not found")
	ErrForbidden    = errors.New("not allowed to act on this proposal")
	ErrInvalidState = errors.New("proposal is not pending")

	// ErrNoPrimary rejects a submission for a patient with no primary
	// doctor, since nobody could ever review it.
	ErrNoPrimary = errors.New("patient has no primary doctor to review the proposal")

	// ErrIsPrimary rejects a submission from the patient's own primary,
	// who writes records directly instead.
	ErrIsPrimary = errors.New("primary doctor edits records directly")
)

// Proposal statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// File is a sealed attachment carried by a proposal. Proposals are
// transient, so content stays inline rather than in the blob store.
type File struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	ContentType string       `json:"content_type"`
	Hash        string       `json:"hash"`
	Inline      phi.Envelope `json:"inline"`
}

// Proposal maps to the edit_proposals table. A partial unique index on
// (patient_id, tier, proposer_id) WHERE status = 'pending' guarantees at
// most one open proposal per triple; resubmitting overwrites it in place.
type Proposal struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	PatientID   uuid.UUID    `db:"patient_id" json:"patient_id"`
	ProposerID  uuid.UUID    `db:"proposer_id" json:"proposer_id"`
	Tier        tier.Tier    `db:"tier" json:"tier"`
	Status      string       `db:"status" json:"status"`
	Reason      *string      `db:"reason" json:"reason,omitempty"`
	PayloadHash string       `db:"payload_hash" json:"payload_hash"`
	Payload     phi.Envelope `db:"payload" json:"payload"`
	Files       []File       `db:"files" json:"files"`
	DecidedBy   *uuid.UUID   `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt   *time.Time   `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}
