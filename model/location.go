package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Location identifies a position in a workflow's execution tree. Each
// coordinate is the index of an event within its parent location, so the
// root workflow's events live at {0}, {1}, ... and the events of a loop
// iteration or branch opened at {3} live at {3 0 0}, {3 0 1}, ...
type Location []uint32

// Root is the location of the workflow itself.
var Root = Location{}

// ParseLocation parses the dot-joined string form produced by String.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, nil
	}
	parts := strings.Split(s, ".")
	loc := make(Location, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid location %q: %w", s, err)
		}
		loc[i] = uint32(v)
	}
	return loc, nil
}

// MustParseLocation is ParseLocation for trusted input. It panics on error.
func MustParseLocation(s string) Location {
	loc, err := ParseLocation(s)
	if err != nil {
		panic(err)
	}
	return loc
}

// String returns the dot-joined coordinates. The root location is "".
func (l Location) String() string {
	if len(l) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range l {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(uint64(c), 10))
	}
	return b.String()
}

// Append returns a new location with idx added as the last coordinate.
func (l Location) Append(idx uint32) Location {
	out := make(Location, len(l)+1)
	copy(out, l)
	out[len(l)] = idx
	return out
}

// Parent returns the location without its last coordinate.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return Location{}
	}
	out := make(Location, len(l)-1)
	copy(out, l[:len(l)-1])
	return out
}

// Last returns the final coordinate, or zero for the root.
func (l Location) Last() uint32 {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}

// IsRoot reports whether l is the workflow root.
func (l Location) IsRoot() bool {
	return len(l) == 0
}

// Equal reports whether both locations have the same coordinates.
func (l Location) Equal(o Location) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p is a strict ancestor of l.
func (l Location) HasPrefix(p Location) bool {
	if len(p) >= len(l) {
		return false
	}
	for i := range p {
		if l[i] != p[i] {
			return false
		}
	}
	return true
}

// Compare orders locations lexicographically by coordinate.
func (l Location) Compare(o Location) int {
	for i := 0; i < len(l) && i < len(o); i++ {
		switch {
		case l[i] < o[i]:
			return -1
		case l[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(l) < len(o):
		return -1
	case len(l) > len(o):
		return 1
	}
	return 0
}

// Clone returns a copy that does not share storage with l.
func (l Location) Clone() Location {
	if l == nil {
		return nil
	}
	out := make(Location, len(l))
	copy(out, l)
	return out
}
