package proposal

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

const proposalCols = `id, patient_id, proposer_id, tier, status, reason, payload_hash, payload, files, decided_by, decided_at, created_at, updated_at`

func scanProposal(row pgx.Row) (*Proposal, error) {
	var p Proposal
	var payload, files []byte
	err := row.Scan(&p.ID, &p.PatientID, &p.ProposerID, &p.Tier, &p.Status, &p.Reason,
		&p.PayloadHash, &payload, &files, &p.DecidedBy, &p.DecidedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &p.Payload); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &p.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
	}
	return &p, nil
}

func (r *repoPG) Upsert(ctx context.Context, p *Proposal) error {
	p.ID = uuid.New()
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("encode payload envelope: %w", err)
	}
	if p.Files == nil {
		p.Files = []File{}
	}
	files, err := json.Marshal(p.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	// The conflict target is the partial unique index on pending rows, so
	// resubmitting replaces the open proposal while decided ones stay put.
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO edit_proposals (id, patient_id, proposer_id, tier, status, reason, payload_hash, payload, files)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (patient_id, tier, proposer_id) WHERE status = 'pending' DO UPDATE SET
			reason = EXCLUDED.reason,
			payload_hash = EXCLUDED.payload_hash,
			payload = EXCLUDED.payload,
			files = EXCLUDED.files,
			updated_at = NOW()
		RETURNING `+proposalCols,
		p.ID, p.PatientID, p.ProposerID, p.Tier, p.Status, p.Reason, p.PayloadHash, payload, files)

	stored, err := scanProposal(row)
	if err != nil {
		return err
	}
	*p = *stored
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Proposal, error) {
	return scanProposal(r.conn(ctx).QueryRow(ctx,
		`SELECT `+proposalCols+` FROM edit_proposals WHERE id = $1`, id))
}

func (r *repoPG) Decide(ctx context.Context, id uuid.UUID, status string, decidedBy uuid.UUID, decidedAt time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE edit_proposals
		SET status = $2, decided_by = $3, decided_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, status, decidedBy, decidedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) ListPendingForPrimary(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Proposal, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM edit_proposals p
		JOIN primary_relationship pr ON pr.patient_id = p.patient_id
		WHERE pr.doctor_id = $1 AND p.status = 'pending'`,
		doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+prefixedProposalCols("p")+` FROM edit_proposals p
		JOIN primary_relationship pr ON pr.patient_id = p.patient_id
		WHERE pr.doctor_id = $1 AND p.status = 'pending'
		ORDER BY p.created_at DESC LIMIT $2 OFFSET $3`,
		doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByProposer(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Proposal, int, error) {
	return r.list(ctx, `proposer_id`, doctorID, limit, offset)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Proposal, int, error) {
	return r.list(ctx, `patient_id`, patientID, limit, offset)
}

func (r *repoPG) list(ctx context.Context, col string, id uuid.UUID, limit, offset int) ([]*Proposal, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM edit_proposals WHERE `+col+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+proposalCols+` FROM edit_proposals WHERE `+col+` = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func prefixedProposalCols(alias string) string {
	return alias + ".id, " + alias + ".patient_id, " + alias + ".proposer_id, " + alias + ".tier, " +
		alias + ".status, " + alias + ".reason, " + alias + ".payload_hash, " + alias + ".payload, " +
		alias + ".files, " + alias + ".decided_by, " + alias + ".decided_at, " +
		alias + ".created_at, " + alias + ".updated_at"
}
