package grant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/relationship"
	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/internal/platform/blobstore"
	"github.com/livelink/livelink/internal/platform/notifier"
	"github.com/livelink/livelink/internal/platform/phi"
)

// ProofUpload is one proof document submitted with an access request.
type ProofUpload struct {
	Name        string
	ContentType string
	Content     []byte
}

type Service struct {
	repo       Repository
	rels       *relationship.Service
	principals principal.Repository
	blobs      blobstore.Store
	enc        *phi.Encryptor
	notify     notifier.Notifier
	logger     zerolog.Logger
}

func NewService(repo Repository, rels *relationship.Service, principals principal.Repository,
	blobs blobstore.Store, enc *phi.Encryptor, notify notifier.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		rels:       rels,
		principals: principals,
		blobs:      blobs,
		enc:        enc,
		notify:     notify,
		logger:     logger,
	}
}

// CreateGrant dispatches an access request to the tier's workflow. Only the
// guarded tiers take grants; early is readable without one.
func (s *Service) CreateGrant(ctx context.Context, doctorID, patientID uuid.UUID, t tier.Tier, reason string, uploads []ProofUpload) (*Grant, error) {
	switch t {
	case tier.Emergency:
		return s.CreateEmergencyGrant(ctx, doctorID, patientID, reason, uploads)
	case tier.Critical:
		return s.CreateCriticalGrant(ctx, doctorID, patientID, reason, uploads)
	default:
		return nil, ErrInvalidTier
	}
}

// CreateEmergencyGrant opens a short emergency window for the requesting
// doctor. The request self-approves: the proof documents are the
// accountability trail, reviewed after the fact.
func (s *Service) CreateEmergencyGrant(ctx context.Context, doctorID, patientID uuid.UUID, reason string, uploads []ProofUpload) (*Grant, error) {
	if err := s.checkPatient(ctx, patientID); err != nil {
		return nil, err
	}
	if len(uploads) < ProofCount {
		return nil, ErrInsufficientProof
	}

	proofs, err := s.storeProofs(ctx, uploads)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(EmergencyTTL)
	g := &Grant{
		PatientID: patientID,
		DoctorID:  doctorID,
		Tier:      tier.Emergency,
		Status:    StatusApproved,
		Proofs:    proofs,
		DecidedBy: &doctorID,
		DecidedAt: &now,
		ExpiresAt: &expires,
	}
	if reason != "" {
		g.Reason = &reason
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return nil, err
	}

	s.logger.Warn().
		Str("grant_id", g.ID.String()).
		Str("patient_id", patientID.String()).
		Str("doctor_id", doctorID.String()).
		Time("expires_at", expires).
		Msg("emergency access granted")

	return g, nil
}

// CreateCriticalGrant files a critical-tier request awaiting the primary
// doctor's decision. The primary is notified best-effort.
func (s *Service) CreateCriticalGrant(ctx context.Context, doctorID, patientID uuid.UUID, reason string, uploads []ProofUpload) (*Grant, error) {
	if err := s.checkPatient(ctx, patientID); err != nil {
		return nil, err
	}
	if len(uploads) != ProofCount {
		return nil, ErrInvalidProofCount
	}

	proofs, err := s.storeProofs(ctx, uploads)
	if err != nil {
		return nil, err
	}

	g := &Grant{
		PatientID: patientID,
		DoctorID:  doctorID,
		Tier:      tier.Critical,
		Status:    StatusPending,
		Proofs:    proofs,
	}
	if reason != "" {
		g.Reason = &reason
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return nil, err
	}

	if primary, err := s.rels.GetPrimary(ctx, patientID); err == nil {
		s.notify.Emit(notifier.EventCriticalRequested, map[string]interface{}{
			"grant_id":          g.ID.String(),
			"patient_id":        patientID.String(),
			"doctor_id":         doctorID.String(),
			"primary_doctor_id": primary.DoctorID.String(),
		})
	}

	return g, nil
}

// ApproveCriticalGrant lets the patient's primary doctor open the critical
// window. The pending check is a conditional update, so a concurrent
// approve and reject settle on one outcome.
func (s *Service) ApproveCriticalGrant(ctx context.Context, grantID, approverID uuid.UUID) (*Grant, error) {
	g, err := s.prepareDecision(ctx, grantID, approverID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(CriticalTTL)
	ok, err := s.repo.Decide(ctx, grantID, StatusApproved, approverID, now, &expires)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	g.Status = StatusApproved
	g.DecidedBy = &approverID
	g.DecidedAt = &now
	g.ExpiresAt = &expires

	s.notify.Emit(notifier.EventCriticalApproved, map[string]interface{}{
		"grant_id":   g.ID.String(),
		"patient_id": g.PatientID.String(),
		"doctor_id":  g.DoctorID.String(),
		"expires_at": expires.Format(time.RFC3339),
	})
	return g, nil
}

// RejectCriticalGrant is the terminal refusal of a pending critical request.
func (s *Service) RejectCriticalGrant(ctx context.Context, grantID, approverID uuid.UUID) (*Grant, error) {
	g, err := s.prepareDecision(ctx, grantID, approverID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := s.repo.Decide(ctx, grantID, StatusRejected, approverID, now, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	g.Status = StatusRejected
	g.DecidedBy = &approverID
	g.DecidedAt = &now
	g.ExpiresAt = nil

	s.notify.Emit(notifier.EventCriticalRejected, map[string]interface{}{
		"grant_id":   g.ID.String(),
		"patient_id": g.PatientID.String(),
		"doctor_id":  g.DoctorID.String(),
	})
	return g, nil
}

// prepareDecision loads the grant and verifies the approver may decide it.
func (s *Service) prepareDecision(ctx context.Context, grantID, approverID uuid.UUID) (*Grant, error) {
	g, err := s.repo.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}

	isPrimary, err := s.rels.IsPrimary(ctx, g.PatientID, approverID)
	if err != nil {
		return nil, err
	}
	if !isPrimary {
		return nil, ErrForbidden
	}

	if g.Tier != tier.Critical || g.Status != StatusPending {
		return nil, ErrInvalidState
	}
	return g, nil
}

// ActiveTiersFor computes the tiers the doctor may read for the patient at
// the given instant. Early is always visible; a primary doctor sees
// everything; otherwise each approved, unexpired grant contributes its tier.
func (s *Service) ActiveTiersFor(ctx context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]tier.Tier, error) {
	isPrimary, err := s.rels.IsPrimary(ctx, patientID, doctorID)
	if err != nil {
		return nil, err
	}
	if isPrimary {
		return tier.All(), nil
	}

	grants, err := s.repo.ListActive(ctx, patientID, doctorID, now)
	if err != nil {
		return nil, err
	}

	granted := map[tier.Tier]bool{tier.Early: true}
	for _, g := range grants {
		if g.ActiveAt(now) {
			granted[g.Tier] = true
		}
	}

	var tiers []tier.Tier
	for _, t := range tier.All() {
		if granted[t] {
			tiers = append(tiers, t)
		}
	}
	return tiers, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return s.repo.GetByID(ctx, id)
}

// ListPendingCritical is the approval inbox for a primary doctor.
func (s *Service) ListPendingCritical(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	return s.repo.ListPendingCriticalForPrimary(ctx, doctorID, limit, offset)
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	return s.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
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

// storeProofs seals each proof document and writes it to the blob store.
// Any failure aborts the whole request: a grant without its full proof
// trail must not exist.
func (s *Service) storeProofs(ctx context.Context, uploads []ProofUpload) ([]Proof, error) {
	proofs := make([]Proof, 0, len(uploads))
	for _, up := range uploads {
		if len(up.Content) == 0 {
			return nil, fmt.Errorf("proof document %q is empty", up.Name)
		}

		env, err := s.enc.SealBytes(up.Content)
		if err != nil {
			return nil, fmt.Errorf("seal proof %q: %w", up.Name, err)
		}
		sealed, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode sealed proof %q: %w", up.Name, err)
		}

		proofID := uuid.New().String()
		key := "proofs/" + proofID
		if _, err := s.blobs.Put(ctx, key, up.ContentType, bytes.NewReader(sealed)); err != nil {
			return nil, fmt.Errorf("store proof %q: %w", up.Name, err)
		}

		proofs = append(proofs, Proof{
			ID:          proofID,
			Name:        up.Name,
			ContentType: up.ContentType,
			Hash:        phi.HashBytes(up.Content),
			Locator:     key,
		})
	}
	return proofs, nil
}
