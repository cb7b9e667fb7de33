package atc

import (
	"fmt"
	"math"
	"sort"
)

// EventKind names the outward notifications of the controller.
type EventKind int

const (
	RotateForward EventKind = iota
	RotateReverse
	ShowTool
	HideTool
	MoveToPocket
)

func (k EventKind) String() string {
	switch k {
	case RotateForward:
		return "rotate_forward"
	case RotateReverse:
		return "rotate_reverse"
	case ShowTool:
		return "show_tool"
	case HideTool:
		return "hide_tool"
	case MoveToPocket:
		return "move_to_pocket"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one notification. Rotations carry Position, show and hide carry
// Pocket (and Tool when known), a move carries Previous and Pocket.
type Event struct {
	Kind     EventKind `json:"-"`
	Position int       `json:"position"`
	Pocket   int       `json:"pocket"`
	Tool     int       `json:"tool"`
	Previous int       `json:"previous"`
}

func (e Event) String() string {
	switch e.Kind {
	case RotateForward, RotateReverse:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Position)
	case ShowTool:
		return fmt.Sprintf("%s(%d, %d)", e.Kind, e.Pocket, e.Tool)
	case HideTool:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Pocket)
	}
	return fmt.Sprintf("%s(%d, %d)", e.Kind, e.Previous, e.Pocket)
}

// DirectionMode selects the baseline the direction of a sample is taken
// against.
type DirectionMode int

const (
	// Literal compares each sample with the stored direction value, which
	// starts at 0 and afterwards holds the previous raw sample.
	Literal DirectionMode = iota
	// Corrected compares each sample with the previous raw sample; the
	// first sample has no direction.
	Corrected
)

func ParseDirectionMode(s string) (DirectionMode, error) {
	switch s {
	case "", "literal":
		return Literal, nil
	case "corrected":
		return Corrected, nil
	}
	return Literal, fmt.Errorf("unknown direction mode %q", s)
}

func (m DirectionMode) String() string {
	if m == Corrected {
		return "corrected"
	}
	return "literal"
}

const positionSentinel = -9999

// Carousel is the rotation state machine. It is not safe for concurrent use.
type Carousel struct {
	mode DirectionMode

	baseline    float64
	hasBaseline bool
	direction   int
	position    int

	lastPos    int
	hasLastPos bool

	pockets map[int]int
}

func NewCarousel(mode DirectionMode) *Carousel {
	return &Carousel{
		mode:        mode,
		hasBaseline: mode == Literal,
		pockets:     make(map[int]int),
	}
}

// Position is the logical carousel slot.
func (c *Carousel) Position() int { return c.position }

// Direction is the sign of the last position change.
func (c *Carousel) Direction() int { return c.direction }

// Pockets returns a copy of the pocket to tool mapping.
func (c *Carousel) Pockets() map[int]int {
	out := make(map[int]int, len(c.pockets))
	for p, t := range c.pockets {
		out[p] = t
	}
	return out
}

// Rotate feeds one raw position sample and returns the rotation events it
// caused.
func (c *Carousel) Rotate(sample float64) []Event {
	dir := 0
	if c.hasBaseline {
		switch {
		case sample > c.baseline:
			dir = 1
		case sample < c.baseline:
			dir = -1
		}
	}
	c.baseline, c.hasBaseline = sample, true
	c.direction = dir

	truncated := int(math.Trunc(sample))
	if c.hasLastPos && truncated == c.lastPos {
		return nil
	}

	var events []Event
	switch {
	case dir < 0:
		events = append(events, Event{Kind: RotateForward, Position: c.position})
		c.position++
	case dir > 0:
		events = append(events, Event{Kind: RotateReverse, Position: c.position})
		c.position--
	}
	if !c.hasLastPos {
		c.lastPos, c.hasLastPos = positionSentinel, true
	} else {
		c.lastPos = truncated
	}
	return events
}

// SetPockets replaces the pocket mapping and returns the full redraw.
// Pockets outside 1..Pockets are ignored.
func (c *Carousel) SetPockets(pockets map[int]int) []Event {
	next := make(map[int]int, Pockets)
	for p, t := range pockets {
		if p >= 1 && p <= Pockets {
			next[p] = t
		}
	}
	c.pockets = next
	return c.Redraw()
}

// Redraw hides every pocket, then shows each occupied one in pocket order.
func (c *Carousel) Redraw() []Event {
	events := make([]Event, 0, Pockets*2)
	for p := 1; p <= Pockets; p++ {
		events = append(events, Event{Kind: HideTool, Pocket: p})
	}
	pockets := make([]int, 0, len(c.pockets))
	for p := range c.pockets {
		pockets = append(pockets, p)
	}
	sort.Ints(pockets)
	for _, p := range pockets {
		if tool := c.pockets[p]; tool != 0 {
			events = append(events, Event{Kind: ShowTool, Pocket: p, Tool: tool})
		}
	}
	return events
}

// PocketPrepped handles the tool changer preparing a pocket. nextPocket
// gives the pocket the prepared tool is assigned to in the tool table.
func (c *Carousel) PocketPrepped(pocket int, nextPocket func(tool int) (int, bool)) []Event {
	switch {
	case pocket > 0:
		events := c.Redraw()
		tool := c.pockets[pocket]
		next, ok := nextPocket(tool)
		if !ok || next == 0 {
			next = pocket
		}
		events = append(events, Event{Kind: MoveToPocket, Previous: c.position - 1, Pocket: next - 1})
		c.position = next
		return events
	case pocket == -1:
		return []Event{{Kind: HideTool, Pocket: c.position, Tool: c.pockets[c.position]}}
	}
	return nil
}
