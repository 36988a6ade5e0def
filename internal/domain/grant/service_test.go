package grant

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
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

type mockRepo struct {
	grants map[uuid.UUID]*Grant
}

func newMockRepo() *mockRepo {
	return &mockRepo{grants: make(map[uuid.UUID]*Grant)}
}

func (m *mockRepo) Create(_ context.Context, g *Grant) error {
	g.ID = uuid.New()
	g.CreatedAt = time.Now()
	g.UpdatedAt = g.CreatedAt
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Grant, error) {
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *mockRepo) Decide(_ context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time, expiresAt *time.Time) (bool, error) {
	g, ok := m.grants[id]
	if !ok || g.Status != StatusPending {
		return false, nil
	}
	g.Status = status
	g.DecidedBy = &decidedBy
	g.DecidedAt = &decidedAt
	g.ExpiresAt = expiresAt
	return true, nil
}

func (m *mockRepo) ListActive(_ context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]*Grant, error) {
	var items []*Grant
	for _, g := range m.grants {
		if g.PatientID == patientID && g.DoctorID == doctorID && g.ActiveAt(now) {
			cp := *g
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (m *mockRepo) ListPendingCriticalForPrimary(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	var items []*Grant
	for _, g := range m.grants {
		if g.Status == StatusPending && g.Tier == tier.Critical {
			cp := *g
			items = append(items, &cp)
		}
	}
	return items, len(items), nil
}

func (m *mockRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	var items []*Grant
	for _, g := range m.grants {
		if g.DoctorID == doctorID {
			cp := *g
			items = append(items, &cp)
		}
	}
	return items, len(items), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	var items []*Grant
	for _, g := range m.grants {
		if g.PatientID == patientID {
			cp := *g
			items = append(items, &cp)
		}
	}
	return items, len(items), nil
}

type mockRelRepo struct {
	byPatient map[uuid.UUID]*relationship.Primary
}

func (m *mockRelRepo) Create(_ context.Context, p *relationship.Primary) error {
	if _, ok := m.byPatient[p.PatientID]; ok {
		return relationship.ErrConflict
	}
	p.ID = uuid.New()
	m.byPatient[p.PatientID] = p
	return nil
}

func (m *mockRelRepo) GetByPatient(_ context.Context, patientID uuid.UUID) (*relationship.Primary, error) {
	p, ok := m.byPatient[patientID]
	if !ok {
		return nil, relationship.ErrNotFound
	}
	return p, nil
}

func (m *mockRelRepo) DeleteByPatient(_ context.Context, patientID uuid.UUID) error {
	delete(m.byPatient, patientID)
	return nil
}

func (m *mockRelRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*relationship.Primary, int, error) {
	return nil, 0, nil
}

func (m *mockRelRepo) Exists(_ context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	p, ok := m.byPatient[patientID]
	return ok && p.DoctorID == doctorID, nil
}

type mockPrincipals struct {
	users map[uuid.UUID]*principal.User
}

func (m *mockPrincipals) Create(context.Context, *principal.User) error { return nil }

func (m *mockPrincipals) GetByID(_ context.Context, id uuid.UUID) (*principal.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, principal.ErrNotFound
	}
	return u, nil
}

func (m *mockPrincipals) GetByEmail(context.Context, string) (*principal.User, error) {
	return nil, principal.ErrNotFound
}

func (m *mockPrincipals) GetDoctorByMedicalID(context.Context, string) (*principal.User, error) {
	return nil, principal.ErrNotFound
}

func (m *mockPrincipals) GetPatientByCardNumber(context.Context, string) (*principal.User, error) {
	return nil, principal.ErrNotFound
}

func (m *mockPrincipals) UpdateRecordPin(context.Context, uuid.UUID, string) error { return nil }

type fixture struct {
	svc       *Service
	repo      *mockRepo
	relRepo   *mockRelRepo
	blobs     *blobstore.MemoryStore
	events    *notifier.Recorder
	patientID uuid.UUID
	doctorID  uuid.UUID
	primaryID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	patientID := uuid.New()
	doctorID := uuid.New()
	primaryID := uuid.New()

	principals := &mockPrincipals{users: map[uuid.UUID]*principal.User{
		patientID: {ID: patientID, Role: auth.RolePatient},
		doctorID:  {ID: doctorID, Role: auth.RoleDoctor},
		primaryID: {ID: primaryID, Role: auth.RoleDoctor},
	}}
	relRepo := &mockRelRepo{byPatient: make(map[uuid.UUID]*relationship.Primary)}
	rels := relationship.NewService(relRepo, principals)

	enc, err := phi.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	repo := newMockRepo()
	blobs := blobstore.NewMemoryStore()
	events := notifier.NewRecorder()

	return &fixture{
		svc:       NewService(repo, rels, principals, blobs, enc, events, zerolog.Nop()),
		repo:      repo,
		relRepo:   relRepo,
		blobs:     blobs,
		events:    events,
		patientID: patientID,
		doctorID:  doctorID,
		primaryID: primaryID,
	}
}

func (f *fixture) attachPrimary(t *testing.T) {
	t.Helper()
	f.relRepo.byPatient[f.patientID] = &relationship.Primary{
		ID: uuid.New(), PatientID: f.patientID, DoctorID: f.primaryID,
	}
}

func proofUploads(n int) []ProofUpload {
	uploads := make([]ProofUpload, n)
	for i := range uploads {
		uploads[i] = ProofUpload{
			Name:        "proof.pdf",
			ContentType: "application/pdf",
			Content:     []byte("proof document content"),
		}
	}
	return uploads
}

func TestCreateGrantDispatch(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)
	ctx := context.Background()

	g, err := f.svc.CreateGrant(ctx, f.doctorID, f.patientID, tier.Emergency, "", proofUploads(3))
	if err != nil {
		t.Fatalf("emergency: %v", err)
	}
	if g.Status != StatusApproved {
		t.Errorf("emergency grant must self-approve, got %s", g.Status)
	}

	g, err = f.svc.CreateGrant(ctx, f.doctorID, f.patientID, tier.Critical, "", proofUploads(3))
	if err != nil {
		t.Fatalf("critical: %v", err)
	}
	if g.Status != StatusPending {
		t.Errorf("critical grant must await approval, got %s", g.Status)
	}
}

func TestCreateGrantEarlyTier(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateGrant(context.Background(), f.doctorID, f.patientID, tier.Early, "", proofUploads(3))
	if !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	if len(f.repo.grants) != 0 {
		t.Error("no grant may exist for the early tier")
	}
}

func TestCreateEmergencyGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.svc.CreateEmergencyGrant(ctx, f.doctorID, f.patientID, "unconscious at ER", proofUploads(3))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Status != StatusApproved {
		t.Errorf("emergency grant must self-approve, got %s", g.Status)
	}
	if g.Tier != tier.Emergency {
		t.Errorf("wrong tier: %s", g.Tier)
	}
	if g.ExpiresAt == nil {
		t.Fatal("expiry not set")
	}
	ttl := time.Until(*g.ExpiresAt)
	if ttl > EmergencyTTL || ttl < EmergencyTTL-time.Minute {
		t.Errorf("expected expiry ~10m out, got %v", ttl)
	}
	if len(g.Proofs) != 3 {
		t.Fatalf("expected 3 proofs, got %d", len(g.Proofs))
	}

	// Proof content is stored sealed, not in plaintext.
	rc, _, err := f.blobs.Get(ctx, g.Proofs[0].Locator)
	if err != nil {
		t.Fatalf("proof blob missing: %v", err)
	}
	stored, _ := io.ReadAll(rc)
	rc.Close()
	if bytes.Contains(stored, []byte("proof document content")) {
		t.Error("proof stored in plaintext")
	}
}

func TestCreateEmergencyGrant_InsufficientProof(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateEmergencyGrant(context.Background(), f.doctorID, f.patientID, "", proofUploads(2))
	if !errors.Is(err, ErrInsufficientProof) {
		t.Errorf("expected ErrInsufficientProof, got %v", err)
	}
	if len(f.repo.grants) != 0 {
		t.Error("no grant may exist after a refused request")
	}
}

func TestCreateEmergencyGrant_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateEmergencyGrant(context.Background(), f.doctorID, uuid.New(), "", proofUploads(3))
	if !errors.Is(err, principal.ErrNotFound) {
		t.Errorf("expected principal.ErrNotFound, got %v", err)
	}
}

func TestCreateCriticalGrant(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)
	ctx := context.Background()

	g, err := f.svc.CreateCriticalGrant(ctx, f.doctorID, f.patientID, "oncology consult", proofUploads(3))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.Status != StatusPending {
		t.Errorf("critical grant must await approval, got %s", g.Status)
	}
	if g.ExpiresAt != nil {
		t.Error("pending grant must not carry an expiry")
	}

	events := f.events.EventsOfType(notifier.EventCriticalRequested)
	if len(events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(events))
	}
	if events[0].Data["primary_doctor_id"] != f.primaryID.String() {
		t.Errorf("notification must target the primary doctor: %v", events[0].Data)
	}
}

func TestCreateCriticalGrant_ProofCount(t *testing.T) {
	f := newFixture(t)
	for _, n := range []int{2, 4} {
		if _, err := f.svc.CreateCriticalGrant(context.Background(), f.doctorID, f.patientID, "", proofUploads(n)); !errors.Is(err, ErrInvalidProofCount) {
			t.Errorf("%d proofs: expected ErrInvalidProofCount, got %v", n, err)
		}
	}
}

func TestApproveCriticalGrant(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)
	ctx := context.Background()

	g, err := f.svc.CreateCriticalGrant(ctx, f.doctorID, f.patientID, "", proofUploads(3))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	approved, err := f.svc.ApproveCriticalGrant(ctx, g.ID, f.primaryID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("wrong status: %s", approved.Status)
	}
	if approved.ExpiresAt == nil {
		t.Fatal("expiry not set")
	}
	ttl := time.Until(*approved.ExpiresAt)
	if ttl > CriticalTTL || ttl < CriticalTTL-time.Minute {
		t.Errorf("expected expiry ~2h out, got %v", ttl)
	}
	if len(f.events.EventsOfType(notifier.EventCriticalApproved)) != 1 {
		t.Error("expected approval notification")
	}
}

func TestApproveCriticalGrant_NotPrimary(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)
	ctx := context.Background()

	g, _ := f.svc.CreateCriticalGrant(ctx, f.doctorID, f.patientID, "", proofUploads(3))

	// The requesting doctor cannot self-approve.
	if _, err := f.svc.ApproveCriticalGrant(ctx, g.ID, f.doctorID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestDecide_Terminal(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)
	ctx := context.Background()

	g, _ := f.svc.CreateCriticalGrant(ctx, f.doctorID, f.patientID, "", proofUploads(3))

	if _, err := f.svc.RejectCriticalGrant(ctx, g.ID, f.primaryID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	// A decided grant cannot be decided again.
	if _, err := f.svc.ApproveCriticalGrant(ctx, g.ID, f.primaryID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after rejection, got %v", err)
	}
	if _, err := f.svc.RejectCriticalGrant(ctx, g.ID, f.primaryID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on repeat rejection, got %v", err)
	}
}

func TestDecide_UnknownGrant(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ApproveCriticalGrant(context.Background(), uuid.New(), f.primaryID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveTiersFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	// No relationship, no grants: early only.
	tiers, err := f.svc.ActiveTiersFor(ctx, f.patientID, f.doctorID, now)
	if err != nil {
		t.Fatalf("active tiers: %v", err)
	}
	if len(tiers) != 1 || tiers[0] != tier.Early {
		t.Errorf("expected {early}, got %v", tiers)
	}

	// Emergency grant adds the emergency tier.
	if _, err := f.svc.CreateEmergencyGrant(ctx, f.doctorID, f.patientID, "", proofUploads(3)); err != nil {
		t.Fatalf("emergency grant: %v", err)
	}
	tiers, _ = f.svc.ActiveTiersFor(ctx, f.patientID, f.doctorID, now)
	if len(tiers) != 2 || tiers[1] != tier.Emergency {
		t.Errorf("expected {early, emergency}, got %v", tiers)
	}

	// After expiry the tier drops away without any cleanup job.
	later := now.Add(EmergencyTTL + time.Minute)
	tiers, _ = f.svc.ActiveTiersFor(ctx, f.patientID, f.doctorID, later)
	if len(tiers) != 1 || tiers[0] != tier.Early {
		t.Errorf("expected {early} after expiry, got %v", tiers)
	}
}

func TestActiveTiersFor_Primary(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)

	tiers, err := f.svc.ActiveTiersFor(context.Background(), f.patientID, f.primaryID, time.Now())
	if err != nil {
		t.Fatalf("active tiers: %v", err)
	}
	if len(tiers) != 3 {
		t.Errorf("primary doctor must see all tiers, got %v", tiers)
	}
}
