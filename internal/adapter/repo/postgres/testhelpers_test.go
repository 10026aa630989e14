package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a list of per-row scan funcs.
type rowsStub struct {
	idx   int
	scans []func(dest ...any) error
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { r.idx++; return r.idx <= len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error                       { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub implements postgres.PgxPool for tests.
// It stubs Exec, QueryRow, Query and Ping, and records every statement so
// tests can assert on the SQL contract (ordering, guards, arguments).
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      rowStub
	rows     pgx.Rows
	queryErr error
	pingErr  error

	gotSQL  []string
	gotArgs [][]any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.gotSQL = append(p.gotSQL, sql)
	p.gotArgs = append(p.gotArgs, args)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) Ping(_ context.Context) error { return p.pingErr }
