package tooltable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/plugin"
)

func TestToolGetSet(t *testing.T) {
	tool := NewTool(4)
	assert.Equal(t, Tool{T: 4}, tool)

	for _, c := range Columns {
		_, err := tool.Get(c)
		require.NoError(t, err, "column %s", c)
	}

	require.NoError(t, tool.Set(ColZ, "1.25"))
	require.NoError(t, tool.Set(ColQ, 3.0))
	require.NoError(t, tool.Set(ColR, "drill"))
	assert.Equal(t, 1.25, tool.Z)
	assert.Equal(t, 3, tool.Q)
	assert.Equal(t, "drill", tool.R)

	assert.True(t, errors.Is(tool.Set(ColP, 1.5), plugin.ErrTypeMismatch))
	assert.True(t, errors.Is(tool.Set(Column("K"), 1), plugin.ErrNotFound))
}

func TestParseColumn(t *testing.T) {
	c, err := ParseColumn("d")
	require.NoError(t, err)
	assert.Equal(t, ColD, c)
	assert.Equal(t, "Diameter", ColumnLabels[c])

	_, err = ParseColumn("K")
	assert.True(t, errors.Is(err, plugin.ErrNotFound))
}

func TestTableMapping(t *testing.T) {
	table := Table{0: NewTool(0), 3: {T: 3, P: 2, D: 0.5}}
	m := table.Mapping()
	require.Contains(t, m, "3")
	rec := m["3"].(map[string]any)
	assert.Equal(t, 2, rec["P"])
	assert.Equal(t, 0.5, rec["D"])

	p, ok := table.PocketOf(3)
	assert.True(t, ok)
	assert.Equal(t, 2, p)
}
