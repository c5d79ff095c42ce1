package grid

import (
	"fmt"
	"strconv"
	"strings"
)

// Topology is the coordinate system of a map.
type Topology uint8

const (
	Hex Topology = iota
	Sq4
	Sq8

	topologyCount
)

// MaxSize is the largest map radius a file can carry. Coordinates of every tile
// within that radius fit in an int8.
const MaxSize = 125

func (t Topology) Valid() bool { return t < topologyCount }

func (t Topology) String() string {
	switch t {
	case Hex:
		return "hex"
	case Sq4:
		return "sq4"
	case Sq8:
		return "sq8"
	default:
		return fmt.Sprintf("topology(%d)", uint8(t))
	}
}

func ParseTopology(s string) (Topology, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hex":
		return Hex, nil
	case "sq4":
		return Sq4, nil
	case "sq8":
		return Sq8, nil
	}
	return 0, fmt.Errorf("unknown topology %q", s)
}

// Pos is a tile coordinate. For Hex maps X and Y are axial (q, r); for square
// maps they are cartesian.
type Pos struct {
	X int8
	Y int8
}

func (p Pos) String() string { return fmt.Sprintf("%d,%d", p.X, p.Y) }

func ParsePos(s string) (Pos, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return Pos{}, fmt.Errorf("bad position %q", s)
	}
	x, err := strconv.ParseInt(xs, 10, 8)
	if err != nil {
		return Pos{}, fmt.Errorf("bad position %q", s)
	}
	y, err := strconv.ParseInt(ys, 10, 8)
	if err != nil {
		return Pos{}, fmt.Errorf("bad position %q", s)
	}
	return Pos{X: int8(x), Y: int8(y)}, nil
}

// MapArea returns the number of tiles in a map of the given radius.
func MapArea(t Topology, size int) int {
	if size < 0 {
		return 0
	}
	if t == Hex {
		return 3*size*(size+1) + 1
	}
	side := 2*size + 1
	return side * side
}

// Distance returns the ring index of p, measured from the origin.
func Distance(t Topology, p Pos) int {
	return dist(t, int(p.X), int(p.Y))
}

// Between returns the ring distance from a to b.
func Between(t Topology, a, b Pos) int {
	return dist(t, int(b.X)-int(a.X), int(b.Y)-int(a.Y))
}

func dist(t Topology, dx, dy int) int {
	x, y := abs(dx), abs(dy)
	if t == Hex {
		return (x + y + abs(dx+dy)) / 2
	}
	if x > y {
		return x
	}
	return y
}

// Contains reports whether p lies within a map of the given radius.
func Contains(t Topology, size int, p Pos) bool {
	return Distance(t, p) <= size
}

var (
	hexDirs = [6][2]int{{1, 0}, {1, -1}, {0, -1}, {-1, 0}, {-1, 1}, {0, 1}}
	sqDirs  = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
)

// WalkRing calls fn for every tile at exactly the given radius, in the
// topology's ring order. Returning false from fn stops the walk.
func WalkRing(t Topology, radius int, fn func(Pos) bool) bool {
	if radius == 0 {
		return fn(Pos{})
	}
	if t == Hex {
		x, y := -radius, radius
		for _, d := range hexDirs {
			for i := 0; i < radius; i++ {
				if !fn(Pos{X: int8(x), Y: int8(y)}) {
					return false
				}
				x += d[0]
				y += d[1]
			}
		}
		return true
	}
	x, y := -radius, -radius
	for _, d := range sqDirs {
		for i := 0; i < 2*radius; i++ {
			if !fn(Pos{X: int8(x), Y: int8(y)}) {
				return false
			}
			x += d[0]
			y += d[1]
		}
	}
	return true
}

// Walk visits every tile of a map in canonical serialization order: the
// origin, then each ring of increasing radius.
func Walk(t Topology, size int, fn func(Pos) bool) {
	for r := 0; r <= size; r++ {
		if !WalkRing(t, r, fn) {
			return
		}
	}
}

// Coords returns the canonical traversal order as a slice.
func Coords(t Topology, size int) []Pos {
	out := make([]Pos, 0, MapArea(t, size))
	Walk(t, size, func(p Pos) bool {
		out = append(out, p)
		return true
	})
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
