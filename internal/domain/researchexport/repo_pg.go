package researchexport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =========== Dataset Source ===========

type datasetSourcePG struct{ pool *pgxpool.Pool }

func NewDatasetSourcePG(pool *pgxpool.Pool) DatasetSource {
	return &datasetSourcePG{pool: pool}
}

// fetchQuery builds the view read for schema. Date fields are month buckets
// (first day of the month), so the start bound is truncated to its month.
// Every identifier comes from the declared schema, never from the request.
func fetchQuery(schema Schema) string {
	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = pgx.Identifier{c.Source}.Sanitize() + "::text"
	}
	date := pgx.Identifier{schema.DateField}.Sanitize()
	return fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s >= date_trunc('month', $1::date) AND %s <= $2::date ORDER BY %s, %s`,
		strings.Join(cols, ", "),
		pgx.Identifier{schema.View}.Sanitize(),
		date, date,
		date, pgx.Identifier{schema.Columns[0].Source}.Sanitize(),
	)
}

func (r *datasetSourcePG) FetchRows(ctx context.Context, schema Schema, start, end time.Time) ([]SourceRow, error) {
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("dataset %s has no declared columns", schema.Dataset)
	}

	rows, err := r.pool.Query(ctx, fetchQuery(schema), start, end)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", schema.View, err)
	}
	defer rows.Close()

	var out []SourceRow
	vals := make([]*string, len(schema.Columns))
	dest := make([]interface{}, len(schema.Columns))
	for i := range vals {
		dest[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", schema.View, err)
		}
		row := make(SourceRow, len(schema.Columns))
		for i, c := range schema.Columns {
			if vals[i] != nil {
				row[c.Source] = *vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", schema.View, err)
	}
	return out, nil
}

// =========== Manifest Store ===========

type manifestStorePG struct{ pool *pgxpool.Pool }

func NewManifestStorePG(pool *pgxpool.Pool) ManifestStore {
	return &manifestStorePG{pool: pool}
}

const manifestCols = `id, created_by, export_purpose, dataset_type, date_range_start, date_range_end,
	row_count, hash_version, schema_version, created_at`

func (r *manifestStorePG) CreateManifest(ctx context.Context, m *ExportManifest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO research_export_manifests (`+manifestCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.CreatedBy, string(m.ExportPurpose), string(m.DatasetType), m.DateRangeStart, m.DateRangeEnd,
		m.RowCount, m.HashVersion, m.SchemaVersion, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert manifest %s: %w", m.ID, err)
	}
	return nil
}

func (r *manifestStorePG) ListManifests(ctx context.Context, limit, offset int) ([]*ExportManifest, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM research_export_manifests`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count manifests: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+manifestCols+` FROM research_export_manifests
		ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var out []*ExportManifest
	for rows.Next() {
		var m ExportManifest
		var purpose, dataset string
		if err := rows.Scan(&m.ID, &m.CreatedBy, &purpose, &dataset, &m.DateRangeStart, &m.DateRangeEnd,
			&m.RowCount, &m.HashVersion, &m.SchemaVersion, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan manifest: %w", err)
		}
		m.ExportPurpose = ExportPurpose(purpose)
		m.DatasetType = DatasetType(dataset)
		out = append(out, &m)
	}
	return out, total, rows.Err()
}
