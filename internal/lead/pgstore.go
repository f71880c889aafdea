package lead

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// PgStore reads leads from the leads table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL lead store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const leadColumns = `id, tenant_id, first_name, last_name, email, phone, company, status, score, tags, attributes`

func (s *PgStore) GetLead(ctx context.Context, tenantID, leadID string) (model.LeadSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE id = $1 AND tenant_id = $2`,
		leadID, tenantID,
	)
	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LeadSnapshot{}, model.NewNotFoundError(fmt.Sprintf("lead %q not found", leadID))
	}
	if err != nil {
		return model.LeadSnapshot{}, fmt.Errorf("query lead: %w", err)
	}
	return l, nil
}

func (s *PgStore) UpsertLead(ctx context.Context, l model.LeadSnapshot) (model.LeadSnapshot, error) {
	if err := Validate(l); err != nil {
		return model.LeadSnapshot{}, err
	}
	l = normalize(l)

	var attrs []byte
	if len(l.Attributes) > 0 {
		var err error
		if attrs, err = json.Marshal(l.Attributes); err != nil {
			return model.LeadSnapshot{}, fmt.Errorf("marshal lead attributes: %w", err)
		}
	}

	// The WHERE clause keeps a lead id owned by one tenant from being taken
	// over by another.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name  = EXCLUDED.last_name,
			email      = EXCLUDED.email,
			phone      = EXCLUDED.phone,
			company    = EXCLUDED.company,
			status     = EXCLUDED.status,
			score      = EXCLUDED.score,
			tags       = EXCLUDED.tags,
			attributes = EXCLUDED.attributes,
			updated_at = now()
		WHERE leads.tenant_id = EXCLUDED.tenant_id
		RETURNING `+leadColumns,
		l.ID, l.TenantID, l.FirstName, l.LastName, l.Email, l.Phone, l.Company, l.Status, l.Score, l.Tags, attrs,
	)
	stored, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LeadSnapshot{}, model.NewConflictError(fmt.Sprintf("lead %q belongs to another tenant", l.ID))
	}
	if err != nil {
		return model.LeadSnapshot{}, fmt.Errorf("upsert lead: %w", err)
	}
	return stored, nil
}

func scanLead(row pgx.Row) (model.LeadSnapshot, error) {
	var l model.LeadSnapshot
	var attrs []byte
	if err := row.Scan(
		&l.ID, &l.TenantID, &l.FirstName, &l.LastName, &l.Email, &l.Phone, &l.Company,
		&l.Status, &l.Score, &l.Tags, &attrs,
	); err != nil {
		return model.LeadSnapshot{}, err
	}
	if attrs != nil {
		if err := json.Unmarshal(attrs, &l.Attributes); err != nil {
			return model.LeadSnapshot{}, fmt.Errorf("unmarshal lead attributes: %w", err)
		}
	}
	return l, nil
}
