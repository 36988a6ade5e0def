// Package policy decides who may read or write which record tier. It is the
// single choke point between the HTTP surface and the record store; handlers
// never reason about tiers themselves.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livelink/livelink/internal/domain/grant"
	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/relationship"
	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/internal/platform/notifier"
)

var (
	ErrForbidden = errors.New("access denied")

	// ErrRequiresProposal signals that the write must go through the edit
	// proposal workflow instead of landing directly.
	ErrRequiresProposal = errors.New("edit requires an approved proposal")
)

type Engine struct {
	grants     *grant.Service
	relations  *relationship.Service
	principals *principal.Service
	events     notifier.Notifier
	log        zerolog.Logger
}

func NewEngine(grants *grant.Service, relations *relationship.Service,
	principals *principal.Service, events notifier.Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		grants:     grants,
		relations:  relations,
		principals: principals,
		events:     events,
		log:        log.With().Str("component", "policy").Logger(),
	}
}

// AuthorizeWrite decides whether p may write a record at tier t for the
// patient. Patients never write. Doctors write early and emergency freely;
// critical is reserved for the patient's primary, anyone else is routed to
// the proposal workflow.
func (e *Engine) AuthorizeWrite(ctx context.Context, p auth.Principal, patientID uuid.UUID, t tier.Tier) error {
	callerID, err := uuid.Parse(p.ID)
	if err != nil {
		return ErrForbidden
	}
	if !p.IsDoctor() {
		return ErrForbidden
	}
	if t != tier.Critical {
		return nil
	}

	primary, err := e.relations.IsPrimary(ctx, patientID, callerID)
	if err != nil {
		return err
	}
	if !primary {
		return ErrRequiresProposal
	}
	return nil
}

// AuthorizeRead decides whether p may read tier t for the patient. pin is
// only consulted for patients reading their own guarded tiers.
func (e *Engine) AuthorizeRead(ctx context.Context, p auth.Principal, patientID uuid.UUID, t tier.Tier, pin string) error {
	tiers, err := e.VisibleTiers(ctx, p, patientID, pin)
	if err != nil {
		return err
	}
	for _, vt := range tiers {
		if vt == t {
			e.auditRead(p, patientID, t)
			return nil
		}
	}
	return ErrForbidden
}

// VisibleTiers returns the tiers p may currently read for the patient.
//
// Patients see only their own records: early without a PIN, everything with
// a verified PIN. A wrong PIN yields ErrForbidden rather than silently
// falling back to early, so clients cannot use the response to probe.
//
// Doctors see whatever their relationship and active grants earn them.
func (e *Engine) VisibleTiers(ctx context.Context, p auth.Principal, patientID uuid.UUID, pin string) ([]tier.Tier, error) {
	callerID, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, ErrForbidden
	}

	if p.IsPatient() {
		if callerID != patientID {
			return nil, ErrForbidden
		}
		if pin == "" {
			return []tier.Tier{tier.Early}, nil
		}
		if err := e.principals.VerifyRecordPin(ctx, patientID, pin); err != nil {
			if errors.Is(err, principal.ErrForbidden) {
				return nil, ErrForbidden
			}
			return nil, err
		}
		return tier.All(), nil
	}

	return e.grants.ActiveTiersFor(ctx, patientID, callerID, time.Now().UTC())
}

// auditRead records doctor access to guarded tiers. Best effort: a failed
// emit never fails the read.
func (e *Engine) auditRead(p auth.Principal, patientID uuid.UUID, t tier.Tier) {
	if !p.IsDoctor() || t == tier.Early {
		return
	}
	e.log.Info().
		Str("doctor_id", p.ID).
		Str("patient_id", patientID.String()).
		Str("tier", t.String()).
		Msg("guarded tier accessed")
	e.events.Emit(notifier.EventRecordAccessed, map[string]interface{}{
		"doctor_id":  p.ID,
		"patient_id": patientID.String(),
		"tier":       t.String(),
	})
}
