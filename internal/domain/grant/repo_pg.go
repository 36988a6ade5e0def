package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/livelink/livelink/internal/platform/db"
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

const grantCols = `id, patient_id, doctor_id, tier, status, reason, proofs, decided_by, decided_at, expires_at, created_at, updated_at`

func scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	var proofs []byte
	err := row.Scan(&g.ID, &g.PatientID, &g.DoctorID, &g.Tier, &g.Status, &g.Reason,
		&proofs, &g.DecidedBy, &g.DecidedAt, &g.ExpiresAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(proofs) > 0 {
		if err := json.Unmarshal(proofs, &g.Proofs); err != nil {
			return nil, fmt.Errorf("decode proofs: %w", err)
		}
	}
	return &g, nil
}

func (r *repoPG) Create(ctx context.Context, g *Grant) error {
	g.ID = uuid.New()
	proofs, err := json.Marshal(g.Proofs)
	if err != nil {
		return fmt.Errorf("encode proofs: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO access_grants (id, patient_id, doctor_id, tier, status, reason, proofs, decided_by, decided_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		g.ID, g.PatientID, g.DoctorID, g.Tier, g.Status, g.Reason, proofs,
		g.DecidedBy, g.DecidedAt, g.ExpiresAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return scanGrant(r.conn(ctx).QueryRow(ctx,
		`SELECT `+grantCols+` FROM access_grants WHERE id = $1`, id))
}

func (r *repoPG) Decide(ctx context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time, expiresAt *time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE access_grants
		SET status = $2, decided_by = $3, decided_at = $4, expires_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, status, decidedBy, decidedAt, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) ListActive(ctx context.Context, patientID, doctorID uuid.UUID, now time.Time) ([]*Grant, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+grantCols+` FROM access_grants
		WHERE patient_id = $1 AND doctor_id = $2 AND status = 'approved' AND expires_at > $3
		ORDER BY created_at DESC`,
		patientID, doctorID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func (r *repoPG) ListPendingCriticalForPrimary(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM access_grants g
		JOIN primary_relationship pr ON pr.patient_id = g.patient_id
		WHERE pr.doctor_id = $1 AND g.status = 'pending' AND g.tier = 'critical'`,
		doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+prefixedGrantCols("g")+` FROM access_grants g
		JOIN primary_relationship pr ON pr.patient_id = g.patient_id
		WHERE pr.doctor_id = $1 AND g.status = 'pending' AND g.tier = 'critical'
		ORDER BY g.created_at DESC LIMIT $2 OFFSET $3`,
		doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, g)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	return r.list(ctx, `doctor_id`, doctorID, limit, offset)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	return r.list(ctx, `patient_id`, patientID, limit, offset)
}

func (r *repoPG) list(ctx context.Context, col string, id uuid.UUID, limit, offset int) ([]*Grant, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM access_grants WHERE `+col+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+grantCols+` FROM access_grants WHERE `+col+` = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, g)
	}
	return items, total, rows.Err()
}

func prefixedGrantCols(alias string) string {
	return alias + ".id, " + alias + ".patient_id, " + alias + ".doctor_id, " + alias + ".tier, " +
		alias + ".status, " + alias + ".reason, " + alias + ".proofs, " + alias + ".decided_by, " +
		alias + ".decided_at, " + alias + ".expires_at, " + alias + ".created_at, " + alias + ".updated_at"
}
