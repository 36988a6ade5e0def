package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/record"
	"github.com/livelink/livelink/internal/domain/relationship"
	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/internal/platform/notifier"
	"github.com/livelink/livelink/internal/platform/phi"
)

type Service struct {
	repo       Repository
	records    *record.Service
	rels       *relationship.Service
	principals principal.Repository
	enc        *phi.Encryptor
	txRun      record.TxRunner
	notify     notifier.Notifier
	logger     zerolog.Logger
}

func NewService(repo Repository, records *record.Service, rels *relationship.Service,
	principals principal.Repository, enc *phi.Encryptor, txRun record.TxRunner,
	notify notifier.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		records:    records,
		rels:       rels,
		principals: principals,
		enc:        enc,
		txRun:      txRun,
		notify:     notify,
		logger:     logger,
	}
}

// Submit files an edit proposal for the patient's primary doctor to review.
// The proposer must not be the primary, who edits directly, and the patient
// must have a primary, or nobody could ever decide the proposal.
func (s *Service) Submit(ctx context.Context, proposerID, patientID uuid.UUID, t tier.Tier, reason string, payload map[string]interface{}, uploads []record.FileUpload) (*Proposal, error) {
	if err := s.checkPatient(ctx, patientID); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	primary, err := s.rels.GetPrimary(ctx, patientID)
	if err != nil {
		if errors.Is(err, relationship.ErrNotFound) {
			return nil, ErrNoPrimary
		}
		return nil, err
	}
	if primary.DoctorID == proposerID {
		return nil, ErrIsPrimary
	}

	env, err := s.enc.Seal(payload)
	if err != nil {
		return nil, err
	}
	files, err := s.sealFiles(uploads)
	if err != nil {
		return nil, err
	}

	p := &Proposal{
		PatientID:   patientID,
		ProposerID:  proposerID,
		Tier:        t,
		Status:      StatusPending,
		PayloadHash: phi.PayloadHash(payload),
		Payload:     env,
		Files:       files,
	}
	if reason != "" {
		p.Reason = &reason
	}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return nil, err
	}

	s.notify.Emit(notifier.EventProposalSubmitted, map[string]interface{}{
		"proposal_id":       p.ID.String(),
		"patient_id":        patientID.String(),
		"proposer_id":       proposerID.String(),
		"tier":              t.String(),
		"primary_doctor_id": primary.DoctorID.String(),
	})
	return p, nil
}

// Approve merges the proposed content into the record store under the
// approver's authorship and closes the proposal. Both happen in one
// transaction; concurrent decisions have exactly one winner.
func (s *Service) Approve(ctx context.Context, proposalID, approverID uuid.UUID) (*Proposal, error) {
	p, err := s.prepareDecision(ctx, proposalID, approverID)
	if err != nil {
		return nil, err
	}

	payload, err := s.enc.Open(p.Payload)
	if err != nil {
		return nil, err
	}
	uploads, err := s.openFiles(p.Files)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.txRun(ctx, func(ctx context.Context) error {
		ok, err := s.repo.Decide(ctx, p.ID, StatusApproved, approverID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState
		}
		_, err = s.records.Upsert(ctx, approverID, p.PatientID, p.Tier, payload, uploads)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.Status = StatusApproved
	p.DecidedBy = &approverID
	p.DecidedAt = &now

	s.logger.Info().
		Str("proposal_id", p.ID.String()).
		Str("patient_id", p.PatientID.String()).
		Str("proposer_id", p.ProposerID.String()).
		Str("approved_by", approverID.String()).
		Str("tier", p.Tier.String()).
		Msg("proposal approved and merged")

	s.notify.Emit(notifier.EventProposalApproved, map[string]interface{}{
		"proposal_id": p.ID.String(),
		"patient_id":  p.PatientID.String(),
		"proposer_id": p.ProposerID.String(),
		"approved_by": approverID.String(),
		"tier":        p.Tier.String(),
	})
	return p, nil
}

// Reject closes the proposal without touching the record store.
func (s *Service) Reject(ctx context.Context, proposalID, approverID uuid.UUID) (*Proposal, error) {
	p, err := s.prepareDecision(ctx, proposalID, approverID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := s.repo.Decide(ctx, p.ID, StatusRejected, approverID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	p.Status = StatusRejected
	p.DecidedBy = &approverID
	p.DecidedAt = &now

	s.notify.Emit(notifier.EventProposalRejected, map[string]interface{}{
		"proposal_id": p.ID.String(),
		"patient_id":  p.PatientID.String(),
		"proposer_id": p.ProposerID.String(),
		"rejected_by": approverID.String(),
		"tier":        p.Tier.String(),
	})
	return p, nil
}

func (s *Service) prepareDecision(ctx context.Context, proposalID, approverID uuid.UUID) (*Proposal, error) {
	p, err := s.repo.GetByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	isPrimary, err := s.rels.IsPrimary(ctx, p.PatientID, approverID)
	if err != nil {
		return nil, err
	}
	if !isPrimary {
		return nil, ErrForbidden
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidState
	}
	return p, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Proposal, error) {
	return s.repo.GetByID(ctx, id)
}

// ListPending is the review inbox for a primary doctor.
func (s *Service) ListPending(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Proposal, int, error) {
	return s.repo.ListPendingForPrimary(ctx, doctorID, limit, offset)
}

func (s *Service) ListByProposer(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Proposal, int, error) {
	return s.repo.ListByProposer(ctx, doctorID, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Proposal, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) checkPatient(ctx context.Context, patientID uuid.UUID) error {
	u, err := s.principals.GetByID(ctx, patientID)
	if err != nil {
		return err
	}
	if u.Role != auth.RolePatient {
		return principal.ErrNotFound
	}
	return nil
}

func (s *Service) sealFiles(uploads []record.FileUpload) ([]File, error) {
	files := make([]File, 0, len(uploads))
	for _, up := range uploads {
		if len(up.Content) == 0 {
			return nil, fmt.Errorf("file %q is empty", up.Name)
		}
		env, err := s.enc.SealBytes(up.Content)
		if err != nil {
			return nil, fmt.Errorf("seal file %q: %w", up.Name, err)
		}
		files = append(files, File{
			ID:          uuid.New().String(),
			Name:        up.Name,
			ContentType: up.ContentType,
			Hash:        phi.HashBytes(up.Content),
			Inline:      env,
		})
	}
	return files, nil
}

func (s *Service) openFiles(files []File) ([]record.FileUpload, error) {
	uploads := make([]record.FileUpload, 0, len(files))
	for _, f := range files {
		content, err := s.enc.OpenBytes(f.Inline)
		if err != nil {
			return nil, fmt.Errorf("open file %q: %w", f.Name, err)
		}
		uploads = append(uploads, record.FileUpload{
			Name:        f.Name,
			ContentType: f.ContentType,
			Content:     content,
		})
	}
	return uploads, nil
}
