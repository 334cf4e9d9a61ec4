package mask

import (
	"fmt"
	"strings"
)

// Type encodes a mask's enforcement action OR'd with dispatch modifiers.
type Type int

// Actions, ascending enforcement severity.
const (
	Warn Type = iota + 1
	Kill
	Lethal
	Resv
	Exclude
)

// Modifiers.
const (
	Delay Type = 8 << iota
	Quick
	Silent
	Quiet
)

const actionBits Type = 0x7

// Action strips the modifier bits.
func (t Type) Action() Type { return t & actionBits }

// Has reports whether the modifier bit is set.
func (t Type) Has(mod Type) bool { return t&mod != 0 }

// Weight imposes the total order used to pick between simultaneous
// matches: the action is the dominant key, modifier bits break ties
// (a modified mask outranks an unmodified one of the same action).
func (t Type) Weight() int { return int(t.Action())<<4 | int(t>>3) }

var actionNames = map[Type]string{
	Warn:    "WARN",
	Kill:    "KILL",
	Lethal:  "LETHAL",
	Resv:    "RESV",
	Exclude: "EXCLUDE",
}

var modifierNames = []struct {
	bit  Type
	name string
}{
	{Delay, "DELAY"},
	{Quick, "QUICK"},
	{Silent, "SILENT"},
	{Quiet, "QUIET"},
}

func (t Type) String() string {
	name, ok := actionNames[t.Action()]
	if !ok {
		name = fmt.Sprintf("TYPE(%d)", int(t.Action()))
	}
	parts := []string{name}
	for _, m := range modifierNames {
		if t.Has(m.bit) {
			parts = append(parts, m.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseType parses a type string such as "LETHAL" or "KILL|DELAY|QUICK".
func ParseType(s string) (Type, error) {
	parts := strings.Split(strings.ToUpper(s), "|")

	var t Type
	for a, name := range actionNames {
		if name == parts[0] {
			t = a
			break
		}
	}
	if t == 0 {
		return 0, fmt.Errorf("unknown mask action %q", parts[0])
	}

next:
	for _, part := range parts[1:] {
		for _, m := range modifierNames {
			if m.name == part {
				t |= m.bit
				continue next
			}
		}
		return 0, fmt.Errorf("unknown mask modifier %q", part)
	}
	return t, nil
}
