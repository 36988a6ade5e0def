package policy

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livelink/livelink/internal/domain/grant"
	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/relationship"
	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/internal/platform/blobstore"
	"github.com/livelink/livelink/internal/platform/notifier"
	"github.com/livelink/livelink/internal/platform/phi"
)

type mockGrantRepo struct {
	grants map[uuid.UUID]*grant.Grant
}

func newMockGrantRepo() *mockGrantRepo {
	return &mockGrantRepo{grants: make(map[uuid.UUID]*grant.Grant)}
}

func (m *mockGrantRepo) Create(_ context.Context, g *grant.Grant) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	m.grants[g.ID] = g
	return nil
}

func (m *mockGrantRepo) GetByID(_ context.Context, id uuid.UUID) (*grant.Grant, error) {
	g, ok := m.grants[id]
	if !ok {
		return nil, grant.ErrNotFound
	}
	return g, nil
}

func (m *mockGrantRepo) Decide(_ context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time, expiresAt *time.Time) (bool, error) {
	g, ok := m.grants[id]
	if !ok || g.Status != grant.StatusPending {
		return false, nil
	}
	g.Status = status
	g.DecidedBy = &decidedBy
	g.DecidedAt = &decidedAt
	g.ExpiresAt = expiresAt
	return true, nil
}

func (m *mockGrantRepo) ListActive(_ context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]*grant.Grant, error) {
	var out []*grant.Grant
	for _, g := range m.grants {
		if g.PatientID == patientID && g.DoctorID == doctorID && g.ActiveAt(now) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *mockGrantRepo) ListPendingCriticalForPrimary(_ context.Context, _ uuid.UUID, _, _ int) ([]*grant.Grant, int, error) {
	return nil, 0, nil
}

func (m *mockGrantRepo) ListByDoctor(_ context.Context, _ uuid.UUID, _, _ int) ([]*grant.Grant, int, error) {
	return nil, 0, nil
}

func (m *mockGrantRepo) ListByPatient(_ context.Context, _ uuid.UUID, _, _ int) ([]*grant.Grant, int, error) {
	return nil, 0, nil
}

type mockRelRepo struct {
	byPatient map[uuid.UUID]*relationship.Primary
}

func newMockRelRepo() *mockRelRepo {
	return &mockRelRepo{byPatient: make(map[uuid.UUID]*relationship.Primary)}
}

func (m *mockRelRepo) Create(_ context.Context, r *relationship.Primary) error {
	if _, ok := m.byPatient[r.PatientID]; ok {
		return relationship.ErrConflict
	}
	r.ID = uuid.New()
	m.byPatient[r.PatientID] = r
	return nil
}

func (m *mockRelRepo) GetByPatient(_ context.Context, patientID uuid.UUID) (*relationship.Primary, error) {
	r, ok := m.byPatient[patientID]
	if !ok {
		return nil, relationship.ErrNotFound
	}
	return r, nil
}

func (m *mockRelRepo) DeleteByPatient(_ context.Context, patientID uuid.UUID) error {
	delete(m.byPatient, patientID)
	return nil
}

func (m *mockRelRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, _, _ int) ([]*relationship.Primary, int, error) {
	var out []*relationship.Primary
	for _, r := range m.byPatient {
		if r.DoctorID == doctorID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *mockRelRepo) Exists(_ context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	r, ok := m.byPatient[patientID]
	return ok && r.DoctorID == doctorID, nil
}

type mockPrincipals struct {
	users map[uuid.UUID]*principal.User
}

func newMockPrincipals() *mockPrincipals {
	return &mockPrincipals{users: make(map[uuid.UUID]*principal.User)}
}

func (m *mockPrincipals) Create(_ context.Context, u *principal.User) error {
	m.users[u.ID] = u
	return nil
}

func (m *mockPrincipals) GetByID(_ context.Context, id uuid.UUID) (*principal.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, principal.ErrNotFound
	}
	return u, nil
}

func (m *mockPrincipals) GetByEmail(_ context.Context, email string) (*principal.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, principal.ErrNotFound
}

func (m *mockPrincipals) GetDoctorByMedicalID(_ context.Context, medicalID string) (*principal.User, error) {
	for _, u := range m.users {
		if u.Role == auth.RoleDoctor && u.MedicalID != nil && *u.MedicalID == medicalID {
			return u, nil
		}
	}
	return nil, principal.ErrNotFound
}

func (m *mockPrincipals) GetPatientByCardNumber(_ context.Context, cardNumber string) (*principal.User, error) {
	for _, u := range m.users {
		if u.Role == auth.RolePatient && u.CardNumber != nil && *u.CardNumber == cardNumber {
			return u, nil
		}
	}
	return nil, principal.ErrNotFound
}

func (m *mockPrincipals) UpdateRecordPin(_ context.Context, id uuid.UUID, pinHash string) error {
	u, ok := m.users[id]
	if !ok {
		return principal.ErrNotFound
	}
	u.RecordPinHash = &pinHash
	return nil
}

type fixture struct {
	engine     *Engine
	grantRepo  *mockGrantRepo
	relRepo    *mockRelRepo
	principals *principal.Service
	events     *notifier.Recorder
	patientID  uuid.UUID
	doctorID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := newMockPrincipals()
	relRepo := newMockRelRepo()
	grantRepo := newMockGrantRepo()
	events := notifier.NewRecorder()

	enc, err := phi.NewEncryptor(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	patientID := uuid.New()
	doctorID := uuid.New()
	card := "900011112222"
	medID := "MD-2002"
	users.users[patientID] = &principal.User{
		ID: patientID, Name: "Asha Rao", Email: "asha@example.com",
		Role: auth.RolePatient, CardNumber: &card,
	}
	users.users[doctorID] = &principal.User{
		ID: doctorID, Name: "Dr. Mehta", Email: "mehta@example.com",
		Role: auth.RoleDoctor, MedicalID: &medID,
	}

	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)
	principals := principal.NewService(users, tokens)
	relations := relationship.NewService(relRepo, users)
	grants := grant.NewService(grantRepo, relations, users, blobstore.NewMemoryStore(), enc, events, zerolog.Nop())

	return &fixture{
		engine:     NewEngine(grants, relations, principals, events, zerolog.Nop()),
		grantRepo:  grantRepo,
		relRepo:    relRepo,
		principals: principals,
		events:     events,
		patientID:  patientID,
		doctorID:   doctorID,
	}
}

func (f *fixture) asDoctor() auth.Principal {
	return auth.Principal{ID: f.doctorID.String(), Role: auth.RoleDoctor}
}

func (f *fixture) asPatient() auth.Principal {
	return auth.Principal{ID: f.patientID.String(), Role: auth.RolePatient}
}

func (f *fixture) attachPrimary(t *testing.T) {
	t.Helper()
	f.relRepo.byPatient[f.patientID] = &relationship.Primary{
		ID: uuid.New(), PatientID: f.patientID, DoctorID: f.doctorID,
	}
}

func (f *fixture) approvedGrant(t tier.Tier, expiresIn time.Duration) {
	exp := time.Now().UTC().Add(expiresIn)
	g := &grant.Grant{
		ID: uuid.New(), PatientID: f.patientID, DoctorID: f.doctorID,
		Tier: t, Status: grant.StatusApproved, ExpiresAt: &exp,
	}
	f.grantRepo.grants[g.ID] = g
}

func TestAuthorizeWritePatientForbidden(t *testing.T) {
	f := newFixture(t)

	err := f.engine.AuthorizeWrite(context.Background(), f.asPatient(), f.patientID, tier.Early)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAuthorizeWriteDoctorLowerTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tr := range []tier.Tier{tier.Early, tier.Emergency} {
		if err := f.engine.AuthorizeWrite(ctx, f.asDoctor(), f.patientID, tr); err != nil {
			t.Errorf("tier %s: unexpected error %v", tr, err)
		}
	}
}

func TestAuthorizeWriteCriticalNonPrimaryNeedsProposal(t *testing.T) {
	f := newFixture(t)

	err := f.engine.AuthorizeWrite(context.Background(), f.asDoctor(), f.patientID, tier.Critical)
	if !errors.Is(err, ErrRequiresProposal) {
		t.Fatalf("expected ErrRequiresProposal, got %v", err)
	}
}

func TestAuthorizeWriteCriticalPrimaryAllowed(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)

	if err := f.engine.AuthorizeWrite(context.Background(), f.asDoctor(), f.patientID, tier.Critical); err != nil {
		t.Fatalf("expected primary to write critical, got %v", err)
	}
}

func TestVisibleTiersPatientWithoutPin(t *testing.T) {
	f := newFixture(t)

	tiers, err := f.engine.VisibleTiers(context.Background(), f.asPatient(), f.patientID, "")
	if err != nil {
		t.Fatalf("visible tiers: %v", err)
	}
	if len(tiers) != 1 || tiers[0] != tier.Early {
		t.Fatalf("expected [early], got %v", tiers)
	}
}

func TestVisibleTiersPatientWithPin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.principals.SetRecordPin(ctx, f.patientID, "4321"); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	tiers, err := f.engine.VisibleTiers(ctx, f.asPatient(), f.patientID, "4321")
	if err != nil {
		t.Fatalf("visible tiers: %v", err)
	}
	if len(tiers) != len(tier.All()) {
		t.Fatalf("expected all tiers, got %v", tiers)
	}
}

func TestVisibleTiersPatientWrongPinNoFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.principals.SetRecordPin(ctx, f.patientID, "4321"); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	tiers, err := f.engine.VisibleTiers(ctx, f.asPatient(), f.patientID, "9999")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if tiers != nil {
		t.Fatalf("wrong PIN must not yield any tiers, got %v", tiers)
	}
}

func TestVisibleTiersPatientNoPinSetButSupplied(t *testing.T) {
	f := newFixture(t)

	// Supplying a PIN when none is set is indistinguishable from a wrong PIN.
	_, err := f.engine.VisibleTiers(context.Background(), f.asPatient(), f.patientID, "4321")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestVisibleTiersPatientOtherPatient(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.VisibleTiers(context.Background(), f.asPatient(), uuid.New(), "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestVisibleTiersDoctorDefault(t *testing.T) {
	f := newFixture(t)

	tiers, err := f.engine.VisibleTiers(context.Background(), f.asDoctor(), f.patientID, "")
	if err != nil {
		t.Fatalf("visible tiers: %v", err)
	}
	if len(tiers) != 1 || tiers[0] != tier.Early {
		t.Fatalf("expected [early], got %v", tiers)
	}
}

func TestVisibleTiersDoctorPrimarySeesAll(t *testing.T) {
	f := newFixture(t)
	f.attachPrimary(t)

	tiers, err := f.engine.VisibleTiers(context.Background(), f.asDoctor(), f.patientID, "")
	if err != nil {
		t.Fatalf("visible tiers: %v", err)
	}
	if len(tiers) != len(tier.All()) {
		t.Fatalf("expected all tiers, got %v", tiers)
	}
}

func TestVisibleTiersDoctorWithGrant(t *testing.T) {
	f := newFixture(t)
	f.approvedGrant(tier.Emergency, time.Minute)

	tiers, err := f.engine.VisibleTiers(context.Background(), f.asDoctor(), f.patientID, "")
	if err != nil {
		t.Fatalf("visible tiers: %v", err)
	}
	has := map[tier.Tier]bool{}
	for _, tr := range tiers {
		has[tr] = true
	}
	if !has[tier.Early] || !has[tier.Emergency] || has[tier.Critical] {
		t.Fatalf("expected early+emergency, got %v", tiers)
	}
}

func TestVisibleTiersDoctorExpiredGrant(t *testing.T) {
	f := newFixture(t)
	f.approvedGrant(tier.Emergency, -time.Minute)

	tiers, err := f.engine.VisibleTiers(context.Background(), f.asDoctor(), f.patientID, "")
	if err != nil {
		t.Fatalf("visible tiers: %v", err)
	}
	if len(tiers) != 1 || tiers[0] != tier.Early {
		t.Fatalf("expired grant must not count, got %v", tiers)
	}
}

func TestAuthorizeReadEmitsAudit(t *testing.T) {
	f := newFixture(t)
	f.approvedGrant(tier.Critical, time.Minute)
	ctx := context.Background()

	if err := f.engine.AuthorizeRead(ctx, f.asDoctor(), f.patientID, tier.Critical, ""); err != nil {
		t.Fatalf("authorize read: %v", err)
	}
	if got := f.events.EventsOfType(notifier.EventRecordAccessed); len(got) != 1 {
		t.Fatalf("expected 1 access event, got %d", len(got))
	}
}

func TestAuthorizeReadEarlyNoAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.AuthorizeRead(ctx, f.asDoctor(), f.patientID, tier.Early, ""); err != nil {
		t.Fatalf("authorize read: %v", err)
	}
	if got := f.events.EventsOfType(notifier.EventRecordAccessed); len(got) != 0 {
		t.Fatalf("early reads must not be audited, got %d events", len(got))
	}
}

func TestAuthorizeReadDeniedTier(t *testing.T) {
	f := newFixture(t)

	err := f.engine.AuthorizeRead(context.Background(), f.asDoctor(), f.patientID, tier.Critical, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
