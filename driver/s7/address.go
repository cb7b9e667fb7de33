package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Area is the memory area of an S7 address.
type Area int

const (
	Input Area = iota
	Output
	Merker
	DataBlock
)

func (a Area) String() string {
	switch a {
	case Input:
		return "I"
	case Output:
		return "Q"
	case Merker:
		return "M"
	}
	return "DB"
}

// Address is a parsed S7 variable address.
type Address struct {
	Area     Area
	DBNum    int
	ByteAddr int
	// BitAddr is -1 when the address has no bit part.
	BitAddr int
	// Size in bytes: 1, 2 or 4.
	Size int
}

// ParseAddress parses addresses like "DB1.DBW4", "DB1.DBX0.3", "DB2.D8",
// "MW10", "M0.1", "IB2" or "QD4".
func ParseAddress(address string) (Address, error) {
	a := Address{BitAddr: -1, Size: 1}
	rest := strings.ToUpper(strings.TrimSpace(address))
	var err error

	// Speicherbereich erkennen
	switch {
	case strings.HasPrefix(rest, "DB"):
		a.Area = DataBlock
		parts := strings.SplitN(strings.TrimPrefix(rest, "DB"), ".", 2)
		if len(parts) != 2 {
			return a, fmt.Errorf("invalid DB address %q", address)
		}
		a.DBNum, err = strconv.Atoi(parts[0])
		if err != nil || a.DBNum < 1 {
			return a, fmt.Errorf("invalid DB number in %q", address)
		}
		rest = strings.TrimPrefix(parts[1], "DB")
	case strings.HasPrefix(rest, "I"), strings.HasPrefix(rest, "E"):
		a.Area, rest = Input, rest[1:]
	case strings.HasPrefix(rest, "Q"), strings.HasPrefix(rest, "A"):
		a.Area, rest = Output, rest[1:]
	case strings.HasPrefix(rest, "M"):
		a.Area, rest = Merker, rest[1:]
	default:
		return a, fmt.Errorf("unknown area in %q", address)
	}

	// size from the suffix
	bit := false
	if rest != "" {
		switch rest[0] {
		case 'X':
			bit, rest = true, rest[1:]
		case 'B':
			rest = rest[1:]
		case 'W':
			a.Size, rest = 2, rest[1:]
		case 'D':
			a.Size, rest = 4, rest[1:]
		}
	}

	parts := strings.Split(rest, ".")
	if len(parts) > 2 {
		return a, fmt.Errorf("invalid address %q", address)
	}
	a.ByteAddr, err = strconv.Atoi(parts[0])
	if err != nil || a.ByteAddr < 0 {
		return a, fmt.Errorf("invalid byte address in %q", address)
	}
	if len(parts) == 2 {
		if a.Size != 1 {
			return a, fmt.Errorf("bit address on a %d byte value in %q", a.Size, address)
		}
		a.BitAddr, err = strconv.Atoi(parts[1])
		if err != nil {
			return a, fmt.Errorf("invalid bit address in %q", address)
		}
		if a.BitAddr < 0 || a.BitAddr > 7 {
			return a, fmt.Errorf("bit address out of range: %d", a.BitAddr)
		}
	} else if bit {
		return a, fmt.Errorf("missing bit number in %q", address)
	}
	return a, nil
}

// Size returns the number of bytes a datatype occupies, or 0 if the type is
// unknown.
func Size(datatype string) int {
	switch strings.ToUpper(datatype) {
	case "BOOL", "BYTE":
		return 1
	case "INT", "WORD":
		return 2
	case "DINT", "DWORD", "REAL":
		return 4
	}
	return 0
}

// Decode converts the raw big-endian buffer read at addr to a number.
func Decode(buf []byte, addr Address, datatype string) (float64, error) {
	dt := strings.ToUpper(datatype)
	if n := Size(dt); n == 0 {
		return 0, fmt.Errorf("unsupported data type: %s", datatype)
	} else if len(buf) < n {
		return 0, fmt.Errorf("%s needs %d bytes, got %d", dt, n, len(buf))
	}
	switch dt {
	case "BOOL":
		if addr.BitAddr < 0 {
			return 0, fmt.Errorf("invalid bit address for BOOL type")
		}
		return float64((buf[0] >> addr.BitAddr) & 1), nil
	case "BYTE":
		return float64(buf[0]), nil
	case "INT":
		return float64(int16(binary.BigEndian.Uint16(buf))), nil
	case "WORD":
		return float64(binary.BigEndian.Uint16(buf)), nil
	case "DINT":
		return float64(int32(binary.BigEndian.Uint32(buf))), nil
	case "DWORD":
		return float64(binary.BigEndian.Uint32(buf)), nil
	}
	// REAL
	return float64(math.Float32frombits(binary.BigEndian.Uint32(buf))), nil
}
