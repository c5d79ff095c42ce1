package grid

import "fmt"

// Map is a dense in-memory tile store covering the bounding square of a map.
// Tiles outside the map radius are ignored on write and read back as water.
type Map struct {
	topo  Topology
	size  int
	side  int
	tiles []Tile
}

func NewMap(t Topology, size int) (*Map, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid topology %d", uint8(t))
	}
	if size < 0 || size > MaxSize {
		return nil, fmt.Errorf("map size %d out of range 0..%d", size, MaxSize)
	}
	side := 2*size + 1
	m := &Map{topo: t, size: size, side: side, tiles: make([]Tile, side*side)}
	for i := range m.tiles {
		m.tiles[i].Region = NoRegion
	}
	return m, nil
}

func (m *Map) Topology() Topology { return m.topo }
func (m *Map) Size() int          { return m.size }

func (m *Map) Contains(p Pos) bool { return Contains(m.topo, m.size, p) }

func (m *Map) index(p Pos) (int, bool) {
	if !m.Contains(p) {
		return 0, false
	}
	return (int(p.Y)+m.size)*m.side + int(p.X) + m.size, true
}

func (m *Map) Tile(p Pos) Tile {
	if i, ok := m.index(p); ok {
		return m.tiles[i]
	}
	return Tile{Region: NoRegion}
}

func (m *Map) SetTile(p Pos, t Tile) {
	if i, ok := m.index(p); ok {
		m.tiles[i] = t
	}
}

// Fill sets every in-map tile to t.
func (m *Map) Fill(t Tile) {
	Walk(m.topo, m.size, func(p Pos) bool {
		m.SetTile(p, t)
		return true
	})
}

// Equal reports whether both maps have the same shape and tile contents.
func (m *Map) Equal(o *Map) bool {
	if m.topo != o.topo || m.size != o.size {
		return false
	}
	eq := true
	Walk(m.topo, m.size, func(p Pos) bool {
		eq = m.Tile(p) == o.Tile(p)
		return eq
	})
	return eq
}
