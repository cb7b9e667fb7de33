package s7

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
	}{
		{"DB1.DBW4", Address{Area: DataBlock, DBNum: 1, ByteAddr: 4, BitAddr: -1, Size: 2}},
		{"DB10.DBD8", Address{Area: DataBlock, DBNum: 10, ByteAddr: 8, BitAddr: -1, Size: 4}},
		{"db2.dbx0.3", Address{Area: DataBlock, DBNum: 2, ByteAddr: 0, BitAddr: 3, Size: 1}},
		{"DB3.W6", Address{Area: DataBlock, DBNum: 3, ByteAddr: 6, BitAddr: -1, Size: 2}},
		{"MW10", Address{Area: Merker, ByteAddr: 10, BitAddr: -1, Size: 2}},
		{"M0.1", Address{Area: Merker, ByteAddr: 0, BitAddr: 1, Size: 1}},
		{"IB2", Address{Area: Input, ByteAddr: 2, BitAddr: -1, Size: 1}},
		{"QD4", Address{Area: Output, ByteAddr: 4, BitAddr: -1, Size: 4}},
		{"E1.0", Address{Area: Input, ByteAddr: 1, BitAddr: 0, Size: 1}},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"X1", "DB1", "DB0.DBW2", "MW1.2", "M0.8", "DB1.DBX4", "M1.2.3", "MWx"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecode(t *testing.T) {
	word := make([]byte, 2)
	binary.BigEndian.PutUint16(word, uint16(0xFFFE))
	dword := make([]byte, 4)
	binary.BigEndian.PutUint32(dword, math.Float32bits(12.5))

	v, err := Decode(word, Address{BitAddr: -1, Size: 2}, "INT")
	require.NoError(t, err)
	assert.Equal(t, -2.0, v)

	v, err = Decode(word, Address{BitAddr: -1, Size: 2}, "word")
	require.NoError(t, err)
	assert.Equal(t, 65534.0, v)

	v, err = Decode(dword, Address{BitAddr: -1, Size: 4}, "REAL")
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	binary.BigEndian.PutUint32(dword, uint32(0xFFFFFFF6))
	v, err = Decode(dword, Address{BitAddr: -1, Size: 4}, "DINT")
	require.NoError(t, err)
	assert.Equal(t, -10.0, v)

	v, err = Decode([]byte{0x08}, Address{BitAddr: 3, Size: 1}, "BOOL")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	_, err = Decode([]byte{0x08}, Address{BitAddr: -1, Size: 1}, "BOOL")
	assert.Error(t, err)
	_, err = Decode(word, Address{BitAddr: -1, Size: 2}, "REAL")
	assert.Error(t, err)
	_, err = Decode(word, Address{BitAddr: -1, Size: 2}, "STRING")
	assert.Error(t, err)
}

type fakePLC struct {
	db    map[int][]byte
	fail  bool
	reads int
}

func (f *fakePLC) AGReadEB(start, size int, buf []byte) error { return errors.New("no inputs") }
func (f *fakePLC) AGReadAB(start, size int, buf []byte) error { return errors.New("no outputs") }
func (f *fakePLC) AGReadMB(start, size int, buf []byte) error { return errors.New("no merker") }
func (f *fakePLC) AGReadDB(db, start, size int, buf []byte) error {
	f.reads++
	if f.fail {
		return errors.New("connection reset")
	}
	copy(buf, f.db[db][start:start+size])
	return nil
}

func TestSourceReconnectsAfterFailure(t *testing.T) {
	src, err := NewSource(Config{Address: "10.0.0.5:102", Variable: "DB1.DBW0"})
	require.NoError(t, err)
	assert.Equal(t, "INT", src.cfg.DataType)

	plc := &fakePLC{db: map[int][]byte{1: {0x00, 0x07}}}
	dials, closes := 0, 0
	src.dial = func(Config) (AreaReader, func() error, error) {
		dials++
		return plc, func() error { closes++; return nil }, nil
	}

	v, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	plc.fail = true
	_, err = src.Read(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, closes)

	plc.fail = false
	plc.db[1][1] = 0x09
	v, err = src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)
	assert.Equal(t, 2, dials)

	require.NoError(t, src.Close())
	assert.Equal(t, 2, closes)
}

func TestNewSourceValidates(t *testing.T) {
	_, err := NewSource(Config{Variable: "DB1.DBW0", DataType: "REAL"})
	assert.Error(t, err)
	_, err = NewSource(Config{Variable: "DB1.DBB0", DataType: "BOOL"})
	assert.Error(t, err)
	src, err := NewSource(Config{Variable: "M4.2"})
	require.NoError(t, err)
	assert.Equal(t, "BOOL", src.cfg.DataType)
}
