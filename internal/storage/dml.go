package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

// likeSuffix marks a filter key as a LIKE predicate instead of equality.
const likeSuffix = "__like"

// SelectOptions shape a tenant-scoped read.
type SelectOptions struct {
	Filters map[string]interface{}
	OrderBy string
	Limit   int
	Offset  int
}

// Upsert writes rows idempotently by primary key. Every row of a
// tenant-isolated model must carry a non-empty tenant_id. Each row is one
// statement so batch loops yield between rows.
func (p *Provider) Upsert(ctx context.Context, desc models.ModelDescriptor, rows []map[string]interface{}) error {
	for _, row := range rows {
		if desc.TenantIsolated {
			tenant, _ := row["tenant_id"].(string)
			if tenant == "" {
				return fmt.Errorf("%w: upsert into %s", ErrTenantMissing, desc.Table)
			}
		}
		if _, ok := row[desc.PrimaryKey]; !ok {
			return fmt.Errorf("upsert into %s: row missing primary key %q", desc.Table, desc.PrimaryKey)
		}

		query, args := buildUpsert(desc, row)
		if err := p.sql.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert into %s: %w", desc.Table, err)
		}
		metrics.UpsertRows.WithLabelValues(desc.Table).Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func buildUpsert(desc models.ModelDescriptor, row map[string]interface{}) (string, []interface{}) {
	// Deterministic column order: descriptor order for declared fields
	// present in the row.
	var cols []string
	var args []interface{}
	for _, f := range desc.Fields {
		v, ok := row[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		args = append(args, v)
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var updates []string
	for _, c := range cols {
		if c == desc.PrimaryKey || c == "created_at" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	updates = append(updates, "updated_at = now()")

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		desc.Table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		desc.PrimaryKey,
		strings.Join(updates, ", "),
	)
	return query, args
}

// Select runs a filtered, ordered, bounded read over one table. Filter keys
// support equality and a "__like" suffix. The caller supplies tenant_id as a
// filter; tenant-isolated descriptors refuse reads without one.
func (p *Provider) Select(ctx context.Context, desc models.ModelDescriptor, opts SelectOptions) ([]map[string]interface{}, error) {
	if desc.TenantIsolated {
		tenant, _ := opts.Filters["tenant_id"].(string)
		if tenant == "" {
			return nil, fmt.Errorf("%w: select from %s", ErrTenantMissing, desc.Table)
		}
	}

	query, args, err := buildSelect(desc, opts)
	if err != nil {
		return nil, err
	}
	return p.queryMaps(ctx, query, args...)
}

func buildSelect(desc models.ModelDescriptor, opts SelectOptions) (string, []interface{}, error) {
	var conds []string
	var args []interface{}

	// Stable predicate order for testability.
	keys := make([]string, 0, len(opts.Filters))
	for k := range opts.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := opts.Filters[k]
		col := k
		op := "="
		if strings.HasSuffix(k, likeSuffix) {
			col = strings.TrimSuffix(k, likeSuffix)
			op = "LIKE"
		}
		if !desc.HasField(col) {
			return "", nil, fmt.Errorf("select from %s: unknown filter column %q", desc.Table, col)
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}

	query := fmt.Sprintf("SELECT * FROM %s", desc.Table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if opts.OrderBy != "" {
		orderBy, err := sanitizeOrderBy(desc, opts.OrderBy)
		if err != nil {
			return "", nil, err
		}
		query += " ORDER BY " + orderBy
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	return query, args, nil
}

// sanitizeOrderBy admits only declared columns with an optional ASC/DESC.
func sanitizeOrderBy(desc models.ModelDescriptor, orderBy string) (string, error) {
	var out []string
	for _, part := range strings.Split(orderBy, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 || len(fields) > 2 {
			return "", fmt.Errorf("invalid order_by %q", orderBy)
		}
		col := fields[0]
		if !desc.HasField(col) {
			return "", fmt.Errorf("order_by references unknown column %q", col)
		}
		dir := ""
		if len(fields) == 2 {
			switch strings.ToUpper(fields[1]) {
			case "ASC", "DESC":
				dir = " " + strings.ToUpper(fields[1])
			default:
				return "", fmt.Errorf("invalid order_by direction %q", fields[1])
			}
		}
		out = append(out, col+dir)
	}
	return strings.Join(out, ", "), nil
}

// Execute is the engine-specific escape hatch. SELECTs return rows;
// everything else returns nil rows on success.
func (p *Provider) Execute(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return p.queryMaps(ctx, query, args...)
	}
	if err := p.sql.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return nil, nil
}

// queryMaps scans rows into maps, normalizing []byte column values to
// string so JSONB columns round-trip as JSON text.
func (p *Provider) queryMaps(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := p.sql.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
