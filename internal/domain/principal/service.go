package principal

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/livelink/livelink/internal/platform/auth"
)

type Service struct {
	repo   Repository
	tokens *auth.TokenService
}

func NewService(repo Repository, tokens *auth.TokenService) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// RegisterPatient creates a patient account with a freshly generated card
// number and returns the user together with a session token.
func (s *Service) RegisterPatient(ctx context.Context, name, email, password string) (*User, string, error) {
	if err := validateRegistration(name, email, password); err != nil {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	cardNumber, err := GenerateCardNumber()
	if err != nil {
		return nil, "", err
	}

	u := &User{
		Name:         strings.TrimSpace(name),
		Email:        normalizeEmail(email),
		PasswordHash: string(hash),
		Role:         auth.RolePatient,
		CardNumber:   &cardNumber,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, "", err
	}

	token, err := s.tokens.Issue(u.ID.String(), u.Role)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// RegisterDoctor creates a doctor account keyed by the supplied medical ID.
func (s *Service) RegisterDoctor(ctx context.Context, name, email, password, medicalID string) (*User, string, error) {
	if err := validateRegistration(name, email, password); err != nil {
		return nil, "", err
	}
	medicalID = strings.TrimSpace(medicalID)
	if medicalID == "" {
		return nil, "", fmt.Errorf("medical_id is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Name:         strings.TrimSpace(name),
		Email:        normalizeEmail(email),
		PasswordHash: string(hash),
		Role:         auth.RoleDoctor,
		MedicalID:    &medicalID,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, "", err
	}

	token, err := s.tokens.Issue(u.ID.String(), u.Role)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Login authenticates an email/password pair for the expected role.
func (s *Service) Login(ctx context.Context, email, password, role string) (*User, string, error) {
	u, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		// Hide whether the account exists.
		return nil, "", ErrInvalidCredentials
	}
	if u.Role != role {
		return nil, "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(u.ID.String(), u.Role)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) FindDoctorByMedicalID(ctx context.Context, medicalID string) (*User, error) {
	return s.repo.GetDoctorByMedicalID(ctx, strings.TrimSpace(medicalID))
}

func (s *Service) FindPatientByCardNumber(ctx context.Context, cardNumber string) (*User, error) {
	return s.repo.GetPatientByCardNumber(ctx, strings.TrimSpace(cardNumber))
}

// SetRecordPin sets or replaces the 4-digit PIN gating the patient's own
// record reads.
func (s *Service) SetRecordPin(ctx context.Context, patientID uuid.UUID, pin string) error {
	if !validPin(pin) {
		return fmt.Errorf("pin must be exactly 4 digits")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	return s.repo.UpdateRecordPin(ctx, patientID, string(hash))
}

// VerifyRecordPin checks the PIN for a patient. A missing PIN and a wrong
// PIN both return ErrForbidden.
func (s *Service) VerifyRecordPin(ctx context.Context, patientID uuid.UUID, pin string) error {
	u, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return err
	}
	if !u.HasRecordPin() {
		return ErrForbidden
	}
	if bcrypt.CompareHashAndPassword([]byte(*u.RecordPinHash), []byte(pin)) != nil {
		return ErrForbidden
	}
	return nil
}

func validateRegistration(name, email, password string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required")
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("email is invalid")
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validPin(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
