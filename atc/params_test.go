package atc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/plugin"
)

func parameterText(pockets map[int]int) string {
	var b strings.Builder
	b.WriteString("5161 0.000000\n\n")
	for p := 1; p <= Pockets; p++ {
		fmt.Fprintf(&b, "%d %d.000000\n", PocketOffset(p), pockets[p])
	}
	b.WriteString("5220 1.000000\n")
	return b.String()
}

func TestParseParameters(t *testing.T) {
	params, err := ParseParameters(strings.NewReader("5190 7.000000\n  5191   0\n"))
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{5190: 7, 5191: 0}, params)

	_, err = ParseParameters(strings.NewReader("5190\n"))
	assert.True(t, errors.Is(err, plugin.ErrParse))
	_, err = ParseParameters(strings.NewReader("51x0 1\n"))
	assert.True(t, errors.Is(err, plugin.ErrParse))
	_, err = ParseParameters(strings.NewReader("5190 one\n"))
	assert.True(t, errors.Is(err, plugin.ErrParse))
}

func TestPocketMap(t *testing.T) {
	params, err := ParseParameters(strings.NewReader(parameterText(map[int]int{1: 7, 3: 12})))
	require.NoError(t, err)

	pockets, err := PocketMap(params)
	require.NoError(t, err)
	assert.Len(t, pockets, Pockets)
	assert.Equal(t, 7, pockets[1])
	assert.Equal(t, 0, pockets[2])
	assert.Equal(t, 12, pockets[3])

	delete(params, PocketOffset(12))
	_, err = PocketMap(params)
	assert.True(t, errors.Is(err, plugin.ErrParse))

	params[PocketOffset(12)] = 2.5
	_, err = PocketMap(params)
	assert.True(t, errors.Is(err, plugin.ErrParse))
}

func TestLoadParametersMissingFile(t *testing.T) {
	_, err := LoadParameters(filepath.Join(t.TempDir(), "linuxcnc.var"))
	assert.True(t, errors.Is(err, plugin.ErrStorage))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
