package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/db"
	"github.com/livelink/livelink/internal/platform/phi"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, patient_id, doctor_id, tier, payload_hash, payload, files, sections, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var payload, files, sections []byte
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.DoctorID, &rec.Tier, &rec.PayloadHash,
		&payload, &files, &sections, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &rec.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
	}
	if len(sections) > 0 {
		if err := json.Unmarshal(sections, &rec.Sections); err != nil {
			return nil, fmt.Errorf("decode sections: %w", err)
		}
	}
	return &rec, nil
}

func encodeParts(payload phi.Envelope, files []File, sections []Section) ([]byte, []byte, []byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode payload envelope: %w", err)
	}
	if files == nil {
		files = []File{}
	}
	f, err := json.Marshal(files)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode files: %w", err)
	}
	if sections == nil {
		sections = []Section{}
	}
	s, err := json.Marshal(sections)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode sections: %w", err)
	}
	return p, f, s, nil
}

func (r *repoPG) Upsert(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	payload, files, sections, err := encodeParts(rec.Payload, rec.Files, rec.Sections)
	if err != nil {
		return err
	}

	// On conflict the stored row wins its identity, sections survive, and
	// an empty files array keeps the stored attachments.
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO records (id, patient_id, doctor_id, tier, payload_hash, payload, files, sections)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (patient_id, tier, doctor_id) DO UPDATE SET
			payload_hash = EXCLUDED.payload_hash,
			payload = EXCLUDED.payload,
			files = CASE WHEN EXCLUDED.files = '[]'::jsonb THEN records.files ELSE EXCLUDED.files END,
			updated_at = NOW()
		RETURNING `+recordCols,
		rec.ID, rec.PatientID, rec.DoctorID, rec.Tier, rec.PayloadHash, payload, files, sections)

	stored, err := scanRecord(row)
	if err != nil {
		return err
	}
	*rec = *stored
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM records WHERE id = $1`, id))
}

func (r *repoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM records WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) UpdateSections(ctx context.Context, id uuid.UUID, sections []Section) error {
	if sections == nil {
		sections = []Section{}
	}
	data, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE records SET sections = $2, updated_at = NOW() WHERE id = $1`, id, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	return r.list(ctx,
		`FROM records WHERE patient_id = $1`,
		[]interface{}{patientID}, limit, offset)
}

func (r *repoPG) ListByPatientTier(ctx context.Context, patientID uuid.UUID, t tier.Tier, limit, offset int) ([]*Record, int, error) {
	return r.list(ctx,
		`FROM records WHERE patient_id = $1 AND tier = $2`,
		[]interface{}{patientID, t}, limit, offset)
}

func (r *repoPG) list(ctx context.Context, fromWhere string, args []interface{}, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) `+fromWhere, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		recordCols, fromWhere, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// ListVersionRows feeds the public version token. Only early-tier rows
// count: the token is readable without authentication, so changes to the
// guarded tiers must not show through it.
func (r *repoPG) ListVersionRows(ctx context.Context, patientID uuid.UUID) ([]VersionRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, (EXTRACT(EPOCH FROM updated_at) * 1e9)::bigint
		FROM records WHERE patient_id = $1 AND tier = $2 ORDER BY id`, patientID, tier.Early)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []VersionRow
	for rows.Next() {
		var v VersionRow
		if err := rows.Scan(&v.ID, &v.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}
