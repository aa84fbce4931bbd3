// Package pgstore is the Postgres backend: request/response access through
// a pgx pool and a LISTEN/NOTIFY change feed.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/interpsync/internal/types"
)

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Query(ctx context.Context, table string, filters []types.Filter, opts types.QueryOptions) ([]types.Record, error) {
	query, args, err := buildSelect(table, filters, opts)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		slog.Error("query failed", "table", table, "error", err)
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	out := make([]types.Record, len(maps))
	for i, m := range maps {
		out[i] = types.Record(m)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, table string, filters []types.Filter, values types.Record) error {
	query, args, err := buildUpdate(table, filters, values)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		slog.Error("update failed", "table", table, "error", err)
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, values types.Record) (types.Record, error) {
	query, args, err := buildInsert(table, values)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		slog.Error("insert failed", "table", table, "error", err)
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return types.Record(row), nil
}

// Invoke calls a server-side SQL function taking and returning JSON.
func (s *Store) Invoke(ctx context.Context, fn string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf("SELECT to_jsonb(%s($1::jsonb))", pgx.Identifier{fn}.Sanitize())
	var out []byte
	if err := s.pool.QueryRow(ctx, query, string(body)).Scan(&out); err != nil {
		return nil, fmt.Errorf("invoke %s: %w", fn, err)
	}
	return json.RawMessage(out), nil
}

func buildSelect(table string, filters []types.Filter, opts types.QueryOptions) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(pgx.Identifier{table}.Sanitize())
	where, args, err := buildWhere(filters, nil)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(where)
	if opts.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(pgx.Identifier{opts.OrderBy}.Sanitize())
		if opts.Desc {
			b.WriteString(" DESC")
		}
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func buildUpdate(table string, filters []types.Filter, values types.Record) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("update %s: no values", table)
	}
	cols := sortedColumns(values)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filters))
	for i, col := range cols {
		args = append(args, values[col])
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), len(args))
	}
	where, args, err := buildWhere(filters, args)
	if err != nil {
		return "", nil, err
	}
	if where == "" {
		return "", nil, fmt.Errorf("update %s: refusing update without filter", table)
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s", pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "), where)
	return query, args, nil
}

func buildInsert(table string, values types.Record) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("insert %s: no values", table)
	}
	cols := sortedColumns(values)
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		names[i] = pgx.Identifier{col}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[col]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		pgx.Identifier{table}.Sanitize(), strings.Join(names, ", "), strings.Join(params, ", "))
	return query, args, nil
}

func buildWhere(filters []types.Filter, args []any) (string, []any, error) {
	if len(filters) == 0 {
		return "", args, nil
	}
	conds := make([]string, len(filters))
	for i, f := range filters {
		col := pgx.Identifier{f.Column}.Sanitize()
		var op string
		value := f.Value
		switch f.Op {
		case "eq":
			op = "= $%d"
		case "lt":
			op = "< $%d"
		case "gt":
			op = "> $%d"
		case "in":
			op = "= ANY($%d)"
			value = inValues(f.Value)
		default:
			return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
		args = append(args, value)
		conds[i] = col + " " + fmt.Sprintf(op, len(args))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func inValues(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, len(vals))
		for i, x := range vals {
			out[i] = fmt.Sprint(x)
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

func sortedColumns(values types.Record) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
