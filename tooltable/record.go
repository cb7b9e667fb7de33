package tooltable

import (
	"sort"
	"strconv"

	"vcp-gateway/plugin"
)

// MaxTools is the highest tool number the table accepts.
const MaxTools = 100

// Column is the single-letter key of a tool record field.
type Column string

const (
	ColT Column = "T"
	ColP Column = "P"
	ColX Column = "X"
	ColY Column = "Y"
	ColZ Column = "Z"
	ColA Column = "A"
	ColB Column = "B"
	ColC Column = "C"
	ColU Column = "U"
	ColV Column = "V"
	ColW Column = "W"
	ColD Column = "D"
	ColI Column = "I"
	ColJ Column = "J"
	ColQ Column = "Q"
	ColR Column = "R"
)

// Columns is the column order used by the file format and the row view.
var Columns = []Column{ColT, ColP, ColX, ColY, ColZ, ColA, ColB, ColC, ColU, ColV, ColW, ColD, ColI, ColJ, ColQ, ColR}

var ColumnLabels = map[Column]string{
	ColT: "Tool",
	ColP: "Pocket",
	ColX: "X Offset",
	ColY: "Y Offset",
	ColZ: "Z Offset",
	ColA: "A Offset",
	ColB: "B Offset",
	ColC: "C Offset",
	ColU: "U Offset",
	ColV: "V Offset",
	ColW: "W Offset",
	ColD: "Diameter",
	ColI: "Front Angle",
	ColJ: "Back Angle",
	ColQ: "Orientation",
	ColR: "Remark",
}

// ParseColumn accepts a column letter in either case.
func ParseColumn(s string) (Column, error) {
	if len(s) == 1 {
		c := s[0]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		col := Column(string(c))
		if _, ok := ColumnLabels[col]; ok {
			return col, nil
		}
	}
	return "", plugin.Errorf(plugin.ErrNotFound, "column", "unknown column %q", s)
}

// Tool is one tool record.
type Tool struct {
	T int     `json:"T"`
	P int     `json:"P"`
	X float64 `json:"X"`
	Y float64 `json:"Y"`
	Z float64 `json:"Z"`
	A float64 `json:"A"`
	B float64 `json:"B"`
	C float64 `json:"C"`
	U float64 `json:"U"`
	V float64 `json:"V"`
	W float64 `json:"W"`
	D float64 `json:"D"`
	I float64 `json:"I"`
	J float64 `json:"J"`
	Q int     `json:"Q"`
	R string  `json:"R"`
}

// NewTool returns a record with zero geometry, no remark, Q 0 and P 0.
func NewTool(n int) Tool {
	return Tool{T: n}
}

func (t *Tool) axis(c Column) *float64 {
	switch c {
	case ColX:
		return &t.X
	case ColY:
		return &t.Y
	case ColZ:
		return &t.Z
	case ColA:
		return &t.A
	case ColB:
		return &t.B
	case ColC:
		return &t.C
	case ColU:
		return &t.U
	case ColV:
		return &t.V
	case ColW:
		return &t.W
	case ColD:
		return &t.D
	case ColI:
		return &t.I
	case ColJ:
		return &t.J
	}
	return nil
}

// Get returns the value of column c.
func (t Tool) Get(c Column) (any, error) {
	switch c {
	case ColT:
		return t.T, nil
	case ColP:
		return t.P, nil
	case ColQ:
		return t.Q, nil
	case ColR:
		return t.R, nil
	}
	if f := t.axis(c); f != nil {
		return *f, nil
	}
	return nil, plugin.Errorf(plugin.ErrNotFound, "get", "unknown column %q", c)
}

// Set coerces v to the type of column c and stores it.
func (t *Tool) Set(c Column, v any) error {
	switch c {
	case ColT, ColP, ColQ:
		n, err := plugin.Coerce(plugin.Int, v)
		if err != nil {
			return err
		}
		switch c {
		case ColT:
			t.T = n.(int)
		case ColP:
			t.P = n.(int)
		default:
			t.Q = n.(int)
		}
		return nil
	case ColR:
		s, err := plugin.Coerce(plugin.String, v)
		if err != nil {
			return err
		}
		t.R = s.(string)
		return nil
	}
	f := t.axis(c)
	if f == nil {
		return plugin.Errorf(plugin.ErrNotFound, "set", "unknown column %q", c)
	}
	x, err := plugin.Coerce(plugin.Float, v)
	if err != nil {
		return err
	}
	*f = x.(float64)
	return nil
}

// Map renders the record for the table channel.
func (t Tool) Map() map[string]any {
	m := make(map[string]any, len(Columns))
	for _, c := range Columns {
		v, _ := t.Get(c)
		m[string(c)] = v
	}
	return m
}

// Table is the in-memory tool table keyed by tool number.
type Table map[int]Tool

// Numbers returns the tool numbers in ascending order.
func (t Table) Numbers() []int {
	nums := make([]int, 0, len(t))
	for n := range t {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Rows returns the records in row order.
func (t Table) Rows() []Tool {
	rows := make([]Tool, 0, len(t))
	for _, n := range t.Numbers() {
		rows = append(rows, t[n])
	}
	return rows
}

func (t Table) Clone() Table {
	out := make(Table, len(t))
	for n, tool := range t {
		out[n] = tool
	}
	return out
}

// PocketOf returns the pocket holding tool n.
func (t Table) PocketOf(n int) (int, bool) {
	tool, ok := t[n]
	return tool.P, ok
}

// Validate checks keys, tool range and pocket uniqueness.
func (t Table) Validate() error {
	pockets := make(map[int]int)
	for _, n := range t.Numbers() {
		tool := t[n]
		if tool.T != n {
			return plugin.Errorf(plugin.ErrInvariant, "validate", "tool %d stored under key %d", tool.T, n)
		}
		if n < 0 || n > MaxTools {
			return plugin.Errorf(plugin.ErrCapacity, "validate", "tool number %d outside 0..%d", n, MaxTools)
		}
		if tool.P == 0 {
			continue
		}
		if other, dup := pockets[tool.P]; dup {
			return plugin.Errorf(plugin.ErrInvariant, "validate", "pocket %d used by tools %d and %d", tool.P, other, n)
		}
		pockets[tool.P] = n
	}
	return nil
}

// Mapping renders the table for the table channel, keyed by tool number.
func (t Table) Mapping() map[string]any {
	m := make(map[string]any, len(t))
	for n, tool := range t {
		m[strconv.Itoa(n)] = tool.Map()
	}
	return m
}
