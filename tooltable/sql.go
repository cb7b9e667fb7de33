package tooltable

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"

	"vcp-gateway/plugin"
)

// Dialects understood by SQLBackend. They double as database/sql driver names.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const createToolTable = `
	CREATE TABLE IF NOT EXISTS tool_table (
		tool INTEGER PRIMARY KEY,
		pocket INTEGER NOT NULL DEFAULT 0,
		x DOUBLE PRECISION NOT NULL DEFAULT 0,
		y DOUBLE PRECISION NOT NULL DEFAULT 0,
		z DOUBLE PRECISION NOT NULL DEFAULT 0,
		a DOUBLE PRECISION NOT NULL DEFAULT 0,
		b DOUBLE PRECISION NOT NULL DEFAULT 0,
		c DOUBLE PRECISION NOT NULL DEFAULT 0,
		u DOUBLE PRECISION NOT NULL DEFAULT 0,
		v DOUBLE PRECISION NOT NULL DEFAULT 0,
		w DOUBLE PRECISION NOT NULL DEFAULT 0,
		diameter DOUBLE PRECISION NOT NULL DEFAULT 0,
		front_angle DOUBLE PRECISION NOT NULL DEFAULT 0,
		back_angle DOUBLE PRECISION NOT NULL DEFAULT 0,
		orientation INTEGER NOT NULL DEFAULT 0,
		remark TEXT NOT NULL DEFAULT ''
	);
`

const toolColumns = `tool, pocket, x, y, z, a, b, c, u, v, w, diameter, front_angle, back_angle, orientation, remark`

// SQLBackend stores the table in the tool_table relation of a SQLite or
// PostgreSQL database.
type SQLBackend struct {
	DB      *sql.DB
	Dialect string
}

// OpenSQL opens dsn with the driver of the given dialect and makes sure the
// tool_table relation exists.
func OpenSQL(ctx context.Context, dialect, dsn string) (*SQLBackend, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, plugin.Errorf(plugin.ErrParse, "open tool table db", "unsupported dialect %q", dialect)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, plugin.Wrap(plugin.ErrStorage, "open tool table db", err)
	}
	b := &SQLBackend{DB: db, Dialect: dialect}
	if err := b.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) Source() string { return b.Dialect + ":tool_table" }

func (b *SQLBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.DB.ExecContext(ctx, createToolTable); err != nil {
		return plugin.Wrap(plugin.ErrStorage, "create tool_table", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (b *SQLBackend) rebind(query string) string {
	if b.Dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) Read(ctx context.Context) ([]Tool, []error, error) {
	rows, err := b.DB.QueryContext(ctx, "SELECT "+toolColumns+" FROM tool_table ORDER BY tool")
	if err != nil {
		return nil, nil, plugin.Wrap(plugin.ErrStorage, "read tool table", err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.T, &t.P, &t.X, &t.Y, &t.Z, &t.A, &t.B, &t.C, &t.U, &t.V, &t.W, &t.D, &t.I, &t.J, &t.Q, &t.R); err != nil {
			return nil, nil, plugin.Wrap(plugin.ErrStorage, "read tool table", err)
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, plugin.Wrap(plugin.ErrStorage, "read tool table", err)
	}
	return tools, nil, nil
}

// Write replaces all rows inside one transaction.
func (b *SQLBackend) Write(ctx context.Context, table Table) (err error) {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM tool_table"); err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(fmt.Sprintf(
		"INSERT INTO tool_table (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", toolColumns)))
	if err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	defer stmt.Close()

	for _, t := range table.Rows() {
		if _, err = stmt.ExecContext(ctx, t.T, t.P, t.X, t.Y, t.Z, t.A, t.B, t.C, t.U, t.V, t.W, t.D, t.I, t.J, t.Q, t.R); err != nil {
			return plugin.Wrap(plugin.ErrStorage, fmt.Sprintf("write tool %d", t.T), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return plugin.Wrap(plugin.ErrStorage, "write tool table", err)
	}
	return nil
}

// Close releases the database handle.
func (b *SQLBackend) Close() error {
	return b.DB.Close()
}
