package record

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/internal/platform/blobstore"
	"github.com/livelink/livelink/internal/platform/phi"
)

// FileUpload is one attachment submitted with a write.
type FileUpload struct {
	Name        string
	ContentType string
	Content     []byte
}

// TxRunner executes fn inside a database transaction. Section mutations
// need one so the parent row stays locked across read-modify-write.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// PassthroughTx runs fn directly, for backends that need no locking.
func PassthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type Service struct {
	repo        Repository
	enc         *phi.Encryptor
	blobs       blobstore.Store
	principals  principal.Repository
	txRun       TxRunner
	inlineFiles bool
}

func NewService(repo Repository, enc *phi.Encryptor, blobs blobstore.Store,
	principals principal.Repository, txRun TxRunner, inlineFiles bool) *Service {
	return &Service{
		repo:        repo,
		enc:         enc,
		blobs:       blobs,
		principals:  principals,
		txRun:       txRun,
		inlineFiles: inlineFiles,
	}
}

// Upsert writes the record for (patient, tier, author doctor), sealing the
// payload and attachments. Writing with no files keeps existing attachments.
func (s *Service) Upsert(ctx context.Context, doctorID, patientID uuid.UUID, t tier.Tier, payload map[string]interface{}, uploads []FileUpload) (*Record, error) {
	if err := s.checkPatient(ctx, patientID); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	env, err := s.enc.Seal(payload)
	if err != nil {
		return nil, err
	}
	files, err := s.sealFiles(ctx, uploads)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		PatientID:   patientID,
		DoctorID:    doctorID,
		Tier:        t,
		PayloadHash: phi.PayloadHash(payload),
		Payload:     env,
		Files:       files,
	}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendSection adds an addendum to a record. The parent row is locked for
// the duration so concurrent section writes serialize.
func (s *Service) AppendSection(ctx context.Context, recordID uuid.UUID, label string, payload map[string]interface{}, uploads []FileUpload) (*Record, error) {
	if label == "" {
		return nil, fmt.Errorf("label is required")
	}
	env, err := s.enc.Seal(payload)
	if err != nil {
		return nil, err
	}
	files, err := s.sealFiles(ctx, uploads)
	if err != nil {
		return nil, err
	}

	var out *Record
	err = s.txRun(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetByIDForUpdate(ctx, recordID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		rec.Sections = append(rec.Sections, Section{
			ID:          uuid.New().String(),
			Label:       label,
			PayloadHash: phi.PayloadHash(payload),
			Payload:     env,
			Files:       files,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err := s.repo.UpdateSections(ctx, recordID, rec.Sections); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSection applies a partial update to a section. Only supplied parts
// change: a nil payload keeps the stored payload, an empty label keeps the
// stored label, and files are replaced only when new ones arrive.
func (s *Service) UpdateSection(ctx context.Context, recordID uuid.UUID, sectionID, label string, payload map[string]interface{}, uploads []FileUpload) (*Record, error) {
	var env phi.Envelope
	if payload != nil {
		var err error
		env, err = s.enc.Seal(payload)
		if err != nil {
			return nil, err
		}
	}
	files, err := s.sealFiles(ctx, uploads)
	if err != nil {
		return nil, err
	}

	var out *Record
	err = s.txRun(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetByIDForUpdate(ctx, recordID)
		if err != nil {
			return err
		}

		found := false
		for i := range rec.Sections {
			if rec.Sections[i].ID != sectionID {
				continue
			}
			if payload != nil {
				rec.Sections[i].Payload = env
				rec.Sections[i].PayloadHash = phi.PayloadHash(payload)
			}
			if label != "" {
				rec.Sections[i].Label = label
			}
			if len(files) > 0 {
				rec.Sections[i].Files = files
			}
			rec.Sections[i].UpdatedAt = time.Now().UTC()
			found = true
			break
		}
		if !found {
			return ErrSectionNotFound
		}

		if err := s.repo.UpdateSections(ctx, recordID, rec.Sections); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByPatientTier(ctx context.Context, patientID uuid.UUID, t tier.Tier, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListByPatientTier(ctx, patientID, t, limit, offset)
}

// Decrypt opens the record's payload and sections for an authorized reader.
func (s *Service) Decrypt(rec *Record) (*Decrypted, error) {
	payload, err := s.enc.Open(rec.Payload)
	if err != nil {
		return nil, err
	}

	sections := make([]DecryptedSection, 0, len(rec.Sections))
	for _, sec := range rec.Sections {
		p, err := s.enc.Open(sec.Payload)
		if err != nil {
			return nil, err
		}
		sections = append(sections, DecryptedSection{
			ID:        sec.ID,
			Label:     sec.Label,
			Payload:   p,
			Files:     sec.Files,
			CreatedAt: sec.CreatedAt,
			UpdatedAt: sec.UpdatedAt,
		})
	}

	files := rec.Files
	if files == nil {
		files = []File{}
	}
	return &Decrypted{
		ID:        rec.ID,
		PatientID: rec.PatientID,
		DoctorID:  rec.DoctorID,
		Tier:      rec.Tier,
		Payload:   payload,
		Files:     files,
		Sections:  sections,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// OpenFile returns the plaintext content of an attachment.
func (s *Service) OpenFile(ctx context.Context, f File) ([]byte, error) {
	if f.Inline != nil {
		return s.enc.OpenBytes(*f.Inline)
	}
	if f.Locator == "" {
		return nil, fmt.Errorf("file %s has no content", f.ID)
	}

	rc, _, err := s.blobs.Get(ctx, f.Locator)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sealed, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var env phi.Envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("%w: stored file is not a sealed envelope", phi.ErrFormat)
	}
	return s.enc.OpenBytes(env)
}

// GetEarlyByCardNumber is the unauthenticated public read: every early-tier
// record for the patient, decrypted. Nothing above early is reachable here.
func (s *Service) GetEarlyByCardNumber(ctx context.Context, cardNumber string) ([]*Decrypted, error) {
	pat, err := s.principals.GetPatientByCardNumber(ctx, cardNumber)
	if err != nil {
		return nil, err
	}

	recs, _, err := s.repo.ListByPatientTier(ctx, pat.ID, tier.Early, 100, 0)
	if err != nil {
		return nil, err
	}

	out := make([]*Decrypted, 0, len(recs))
	for _, rec := range recs {
		d, err := s.Decrypt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// VersionByCardNumber returns an opaque token that changes whenever the
// patient's early-tier records change. Meant for QR payloads and cache
// checks; writes to the guarded tiers never move it, so the token leaks
// nothing about activity behind the early surface.
func (s *Service) VersionByCardNumber(ctx context.Context, cardNumber string) (string, error) {
	pat, err := s.principals.GetPatientByCardNumber(ctx, cardNumber)
	if err != nil {
		return "", err
	}

	rows, err := s.repo.ListVersionRows(ctx, pat.ID)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, row := range rows {
		h.Write([]byte(row.ID.String()))
		h.Write([]byte(":"))
		h.Write([]byte(strconv.FormatInt(row.UpdatedAt, 10)))
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
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

func (s *Service) sealFiles(ctx context.Context, uploads []FileUpload) ([]File, error) {
	files := make([]File, 0, len(uploads))
	for _, up := range uploads {
		if len(up.Content) == 0 {
			return nil, fmt.Errorf("file %q is empty", up.Name)
		}

		env, err := s.enc.SealBytes(up.Content)
		if err != nil {
			return nil, fmt.Errorf("seal file %q: %w", up.Name, err)
		}

		f := File{
			ID:          uuid.New().String(),
			Name:        up.Name,
			ContentType: up.ContentType,
			Hash:        phi.HashBytes(up.Content),
		}
		if s.inlineFiles {
			f.Inline = &env
		} else {
			sealed, err := json.Marshal(env)
			if err != nil {
				return nil, fmt.Errorf("encode sealed file %q: %w", up.Name, err)
			}
			key := "records/files/" + f.ID
			if _, err := s.blobs.Put(ctx, key, up.ContentType, bytes.NewReader(sealed)); err != nil {
				return nil, fmt.Errorf("store file %q: %w", up.Name, err)
			}
			f.Locator = key
		}
		files = append(files, f)
	}
	return files, nil
}

// payloadKeysByTier is the conventional shape of each tier's payload,
// mirroring what the record entry forms collect.
var payloadKeysByTier = map[tier.Tier][]string{
	tier.Early:     {"name", "age", "bloodGroup", "allergies", "conditions", "emergencyContacts"},
	tier.Emergency: {"medications", "notes", "recentSurgeries", "accidents", "historySummary"},
	tier.Critical:  {"fullEhr", "chronicConditions", "labs", "imaging", "admissions", "longTermTreatments"},
}

// ShapePayload extracts the tier-conventional fields from a request body.
// Advisory only: when the body carries none of the conventional keys it is
// stored as-is.
func ShapePayload(t tier.Tier, body map[string]interface{}) map[string]interface{} {
	keys, ok := payloadKeysByTier[t]
	if !ok {
		return body
	}

	shaped := make(map[string]interface{})
	for _, k := range keys {
		if v, ok := body[k]; ok {
			shaped[k] = v
		}
	}
	if len(shaped) == 0 {
		return body
	}
	return shaped
}
