package cases

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casehq/casehq/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type caseRepoPG struct{ pool *pgxpool.Pool }

// NewCaseRepoPG returns a Postgres-backed case repository. It also serves
// as the SearchIndex: indexed fields and JSONB properties are queried in
// place rather than through a separate search cluster.
func NewCaseRepoPG(pool *pgxpool.Pool) *caseRepoPG {
	return &caseRepoPG{pool: pool}
}

var _ CaseRepository = (*caseRepoPG)(nil)
var _ SearchIndex = (*caseRepoPG)(nil)

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const caseCols = `case_id, domain, case_type, case_name, external_id, owner_id,
	user_id, closed, opened_on, modified_on, closed_on, properties`

func (r *caseRepoPG) scanCase(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(&c.CaseID, &c.Domain, &c.Type, &c.Name,
		&c.ExternalID, &c.OwnerID, &c.UserID, &c.Closed,
		&c.OpenedOn, &c.ModifiedOn, &c.ClosedOn, &c.Properties)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *caseRepoPG) Get(ctx context.Context, domain, caseID string) (*Case, error) {
	c, err := r.scanCase(r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM cases WHERE domain = $1 AND case_id = $2`, domain, caseID))
	if err != nil {
		return nil, err
	}
	if err := r.loadIndices(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *caseRepoPG) GetByID(ctx context.Context, caseID string) (*Case, error) {
	c, err := r.scanCase(r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM cases WHERE case_id = $1`, caseID))
	if err != nil {
		return nil, err
	}
	if err := r.loadIndices(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *caseRepoPG) Save(ctx context.Context, c *Case) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cases (`+caseCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (case_id) DO UPDATE SET
			case_type = EXCLUDED.case_type,
			case_name = EXCLUDED.case_name,
			external_id = EXCLUDED.external_id,
			owner_id = EXCLUDED.owner_id,
			user_id = EXCLUDED.user_id,
			closed = EXCLUDED.closed,
			modified_on = EXCLUDED.modified_on,
			closed_on = EXCLUDED.closed_on,
			properties = EXCLUDED.properties`,
		c.CaseID, c.Domain, c.Type, c.Name, c.ExternalID, c.OwnerID,
		c.UserID, c.Closed, c.OpenedOn, c.ModifiedOn, c.ClosedOn, c.Properties)
	if err != nil {
		return err
	}
	return r.saveIndices(ctx, c)
}

func (r *caseRepoPG) List(ctx context.Context, domain string, limit, offset int) ([]*Case, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM cases WHERE domain = $1`, domain).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+caseCols+` FROM cases WHERE domain = $1
		 ORDER BY modified_on DESC, case_id LIMIT $2 OFFSET $3`, domain, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// indexedFields maps searchable field names onto columns. Anything else
// is treated as a dynamic property and matched inside the JSONB map.
var indexedFields = map[string]string{
	"external_id": "external_id",
	"case_type":   "case_type",
	"case_name":   "case_name",
	"owner_id":    "owner_id",
}

func (r *caseRepoPG) SearchExact(ctx context.Context, domain, field, value string) ([]string, error) {
	var rows pgx.Rows
	var err error
	if col, ok := indexedFields[field]; ok {
		rows, err = r.conn(ctx).Query(ctx,
			`SELECT case_id FROM cases WHERE domain = $1 AND `+col+` = $2
			 ORDER BY modified_on DESC, case_id`, domain, value)
	} else {
		rows, err = r.conn(ctx).Query(ctx,
			`SELECT case_id FROM cases WHERE domain = $1 AND properties->>$2 = $3
			 ORDER BY modified_on DESC, case_id`, domain, field, value)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *caseRepoPG) loadIndices(ctx context.Context, c *Case) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT identifier, referenced_type, referenced_id, relationship
		FROM case_index WHERE case_id = $1 ORDER BY identifier`, c.CaseID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var idx CaseIndexRef
		if err := rows.Scan(&idx.Identifier, &idx.CaseType, &idx.ReferencedID, &idx.Relationship); err != nil {
			return err
		}
		c.Indices = append(c.Indices, idx)
	}
	return rows.Err()
}

func (r *caseRepoPG) saveIndices(ctx context.Context, c *Case) error {
	if len(c.Indices) == 0 {
		return nil
	}
	for _, idx := range c.Indices {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO case_index (case_id, domain, identifier, referenced_type, referenced_id, relationship)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (case_id, identifier) DO UPDATE SET
				referenced_type = EXCLUDED.referenced_type,
				referenced_id = EXCLUDED.referenced_id,
				relationship = EXCLUDED.relationship`,
			c.CaseID, c.Domain, idx.Identifier, idx.CaseType, idx.ReferencedID, idx.Relationship)
		if err != nil {
			return err
		}
	}
	return nil
}

type formRepoPG struct{ pool *pgxpool.Pool }

// NewFormRepoPG returns a Postgres-backed form repository.
func NewFormRepoPG(pool *pgxpool.Pool) FormRepository {
	return &formRepoPG{pool: pool}
}

func (r *formRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *formRepoPG) Save(ctx context.Context, f *Form) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO forms (form_id, domain, xmlns, form_name, username, user_id, device_id, received_on, raw_xml)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		f.FormID, f.Domain, f.XMLNS, f.FormName, f.Username, f.UserID, f.DeviceID, f.ReceivedOn, f.XML)
	return err
}

func (r *formRepoPG) Get(ctx context.Context, domain, formID string) (*Form, error) {
	var f Form
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT form_id, domain, xmlns, form_name, username, user_id, device_id, received_on, raw_xml
		FROM forms WHERE domain = $1 AND form_id = $2`, domain, formID).
		Scan(&f.FormID, &f.Domain, &f.XMLNS, &f.FormName, &f.Username,
			&f.UserID, &f.DeviceID, &f.ReceivedOn, &f.XML)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *formRepoPG) SaveAttachment(ctx context.Context, domain, formID, name string, data []byte) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO form_attachments (form_id, domain, name, content)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (form_id, name) DO UPDATE SET content = EXCLUDED.content`,
		formID, domain, name, data)
	return err
}

func (r *formRepoPG) GetAttachment(ctx context.Context, domain, formID, name string) ([]byte, error) {
	var content []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT content FROM form_attachments
		WHERE domain = $1 AND form_id = $2 AND name = $3`, domain, formID, name).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}
