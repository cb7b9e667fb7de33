package tooltable

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQL(ctx, DialectSQLite, filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	defer backend.Close()

	s := New(Config{Backend: backend})
	table := Table{
		0: NewTool(0),
		1: {T: 1, P: 3, Z: 1.5, D: 0.25, R: "end mill"},
		4: {T: 4, P: 1, X: -0.5, I: 10, J: 20, Q: 2},
	}
	require.NoError(t, s.SaveToolTable(ctx, table))

	loaded, err := s.LoadToolTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, table, loaded)

	require.NoError(t, s.SaveToolTable(ctx, Table{0: NewTool(0)}))
	loaded, err = s.LoadToolTable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, loaded.Numbers())
}

func TestRebind(t *testing.T) {
	pg := &SQLBackend{Dialect: DialectPostgres}
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", pg.rebind("INSERT INTO t (a, b) VALUES (?, ?)"))

	lite := &SQLBackend{Dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))

	_, err := OpenSQL(context.Background(), "mysql", "")
	assert.Error(t, err)
}
