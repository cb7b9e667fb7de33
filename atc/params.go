package atc

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"vcp-gateway/plugin"
)

// Pockets is the number of carousel pockets.
const Pockets = 12

// FirstPocketOffset is the parameter number holding the tool of pocket 1.
// Pocket n lives at FirstPocketOffset+n-1.
const FirstPocketOffset = 5190

func PocketOffset(pocket int) int {
	return FirstPocketOffset + pocket - 1
}

// ParseParameters reads an RS274NGC parameter file: one "<number> <value>"
// pair per line.
func ParseParameters(r io.Reader) (map[int]float64, error) {
	params := make(map[int]float64)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, plugin.Errorf(plugin.ErrParse, "parameters", "line %d: expected number and value", lineNo)
		}
		offset, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, plugin.Errorf(plugin.ErrParse, "parameters", "line %d: bad parameter number %q", lineNo, fields[0])
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, plugin.Errorf(plugin.ErrParse, "parameters", "line %d: bad value %q", lineNo, fields[1])
		}
		params[offset] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, plugin.Wrap(plugin.ErrStorage, "parameters", err)
	}
	return params, nil
}

// LoadParameters reads the parameter file at path.
func LoadParameters(path string) (map[int]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, plugin.Wrap(plugin.ErrStorage, "parameters", err)
	}
	defer f.Close()
	return ParseParameters(f)
}

// PocketMap extracts the pocket to tool mapping for pockets 1..Pockets.
func PocketMap(params map[int]float64) (map[int]int, error) {
	pockets := make(map[int]int, Pockets)
	for p := 1; p <= Pockets; p++ {
		offset := PocketOffset(p)
		v, ok := params[offset]
		if !ok {
			return nil, plugin.Errorf(plugin.ErrParse, "pocket map", "parameter %d for pocket %d missing", offset, p)
		}
		if v != math.Trunc(v) || v < 0 {
			return nil, plugin.Errorf(plugin.ErrParse, "pocket map", "parameter %d: %v is not a tool number", offset, v)
		}
		pockets[p] = int(v)
	}
	return pockets, nil
}
