// Package record stores the encrypted tiered medical records. Payloads are
// sealed envelopes; file attachments are sealed inline or in the blob store;
// sections let a record grow without rewriting its base payload.
package record

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/phi"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrSectionNotFound = errors.New("section not found")
)

// File is one attachment. Content lives either inline as a sealed envelope
// or in the blob store under Locator, never both.
type File struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ContentType string        `json:"content_type"`
	Hash        string        `json:"hash"`
	Inline      *phi.Envelope `json:"inline,omitempty"`
	Locator     string        `json:"locator,omitempty"`
}

// Section is an addendum to a record, carrying its own sealed payload and
// files.
type Section struct {
	ID          string       `json:"id"`
	Label       string       `json:"label"`
	PayloadHash string       `json:"payload_hash"`
	Payload     phi.Envelope `json:"payload"`
	Files       []File       `json:"files,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Record maps to the records table. One row per (patient, tier, author
// doctor); writes to the same triple upsert in place.
type Record struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	PatientID   uuid.UUID    `db:"patient_id" json:"patient_id"`
	DoctorID    uuid.UUID    `db:"doctor_id" json:"doctor_id"`
	Tier        tier.Tier    `db:"tier" json:"tier"`
	PayloadHash string       `db:"payload_hash" json:"payload_hash"`
	Payload     phi.Envelope `db:"payload" json:"payload"`
	Files       []File       `db:"files" json:"files"`
	Sections    []Section    `db:"sections" json:"sections"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// Decrypted is a record opened for an authorized reader. File content stays
// sealed until fetched individually.
type Decrypted struct {
	ID        uuid.UUID              `json:"id"`
	PatientID uuid.UUID              `json:"patient_id"`
	DoctorID  uuid.UUID              `json:"doctor_id"`
	Tier      tier.Tier              `json:"tier"`
	Payload   map[string]interface{} `json:"payload"`
	Files     []File                 `json:"files"`
	Sections  []DecryptedSection     `json:"sections"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// DecryptedSection is a section opened for an authorized reader.
type DecryptedSection struct {
	ID        string                 `json:"id"`
	Label     string                 `json:"label"`
	Payload   map[string]interface{} `json:"payload"`
	Files     []File                 `json:"files"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}
