// Package postgres implements remote.DataService over a PostgreSQL
// connection pool. Statements are built with squirrel and executed with pgx.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/remote"
)

// Querier is implemented by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse database DSN", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, classify("create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("ping database", err)
	}
	return pool, nil
}

// Service is a remote.DataService backed by PostgreSQL.
type Service struct {
	q  Querier
	sb sq.StatementBuilderType
}

// New creates a Service over q.
func New(q Querier) *Service {
	return &Service{
		q:  q,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Upsert implements remote.DataService.
func (s *Service) Upsert(ctx context.Context, table string, rows []remote.Row, conflict remote.ConflictSpec) ([]remote.Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	query, args, err := s.buildUpsert(table, rows, conflict)
	if err != nil {
		return nil, err
	}

	pgRows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("upsert "+table, err)
	}
	out, err := pgx.CollectRows(pgRows, pgx.RowToMap)
	if err != nil {
		return nil, classify("upsert "+table, err)
	}
	return out, nil
}

// Delete implements remote.DataService.
func (s *Service) Delete(ctx context.Context, table string, keys []remote.Row) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := s.buildDelete(table, keys)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(ctx, query, args...); err != nil {
		return classify("delete "+table, err)
	}
	return nil
}

// Select implements remote.DataService.
func (s *Service) Select(ctx context.Context, table string, filter remote.Filter) ([]remote.Row, error) {
	query, args, err := s.buildSelect(table, filter)
	if err != nil {
		return nil, err
	}
	pgRows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("select "+table, err)
	}
	out, err := pgx.CollectRows(pgRows, pgx.RowToMap)
	if err != nil {
		return nil, classify("select "+table, err)
	}
	return out, nil
}

func (s *Service) buildUpsert(table string, rows []remote.Row, conflict remote.ConflictSpec) (string, []interface{}, error) {
	cols := remote.Columns(rows)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
	}

	insert := s.sb.Insert(ident(table)).Columns(quoted...)
	for _, r := range rows {
		values := make([]interface{}, len(cols))
		for i, c := range cols {
			v, ok := r[c]
			if !ok {
				values[i] = sq.Expr("DEFAULT")
				continue
			}
			values[i] = v
		}
		insert = insert.Values(values...)
	}

	if suffix := conflictClause(cols, conflict); suffix != "" {
		insert = insert.Suffix(suffix)
	}
	insert = insert.Suffix("RETURNING *")

	query, args, err := insert.ToSql()
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInternal, "build upsert", err)
	}
	return query, args, nil
}

// conflictClause renders ON CONFLICT for the target. Without conflict
// columns the insert is plain.
func conflictClause(cols []string, conflict remote.ConflictSpec) string {
	if len(conflict.Columns) == 0 {
		return ""
	}
	target := make([]string, len(conflict.Columns))
	for i, c := range conflict.Columns {
		target[i] = ident(c)
	}
	clause := "ON CONFLICT (" + strings.Join(target, ", ") + ")"

	var sets []string
	for _, c := range cols {
		if slices.Contains(conflict.Columns, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
	}
	if conflict.IgnoreDuplicates || len(sets) == 0 {
		return clause + " DO NOTHING"
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func (s *Service) buildDelete(table string, keys []remote.Row) (string, []interface{}, error) {
	or := sq.Or{}
	for _, k := range keys {
		if len(k) == 0 {
			return "", nil, apperrors.New(apperrors.ErrInvalid, "delete key has no columns")
		}
		or = append(or, quoteEq(k))
	}
	query, args, err := s.sb.Delete(ident(table)).Where(or).ToSql()
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInternal, "build delete", err)
	}
	return query, args, nil
}

func (s *Service) buildSelect(table string, filter remote.Filter) (string, []interface{}, error) {
	sel := s.sb.Select("*").From(ident(table))
	if len(filter) > 0 {
		sel = sel.Where(quoteEq(filter))
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInternal, "build select", err)
	}
	return query, args, nil
}

func quoteEq(m map[string]interface{}) sq.Eq {
	eq := make(sq.Eq, len(m))
	for k, v := range m {
		eq[ident(k)] = v
	}
	return eq
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// classify maps driver errors onto the failure kinds the sync layer acts on.
// Data and constraint errors are rejections; connection and resource errors
// are connectivity failures.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42", "P0", "28":
			return apperrors.Wrap(apperrors.ErrRemoteRejected, op, err)
		case "08", "53", "57", "58":
			return apperrors.Wrap(apperrors.ErrConnectivity, op, err)
		}
		return apperrors.Wrap(apperrors.ErrSyncFailed, op, err)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return apperrors.Wrap(apperrors.ErrConnectivity, op, err)
	}
	if apperrors.KindOf(err) == apperrors.KindConnectivity {
		return apperrors.Wrap(apperrors.ErrConnectivity, op, err)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, op, err)
}
