package grid

import (
	"fmt"
	"strings"
)

// Kind is the terrain of a tile. Stored in the lower nibble of the tile byte.
type Kind uint8

const (
	Water Kind = iota
	Regular
	Fertile
	Forest
	Mountain
	Destroyed
	Foundation

	kindCount
)

var kindNames = [kindCount]string{"water", "regular", "fertile", "forest", "mountain", "destroyed", "foundation"}

func (k Kind) Valid() bool { return k < kindCount }

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tile kind %q", s)
}

// Item is something hidden on a tile. Stored in the upper nibble of the tile byte.
type Item uint8

const (
	NoItem Item = iota
	Decoy
	Mine
	Trap

	itemCount
)

var itemNames = [itemCount]string{"none", "decoy", "mine", "trap"}

func (i Item) Valid() bool { return i < itemCount }

func (i Item) String() string {
	if i.Valid() {
		return itemNames[i]
	}
	return fmt.Sprintf("item(%d)", uint8(i))
}

func ParseItem(s string) (Item, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range itemNames {
		if n == s {
			return Item(i), nil
		}
	}
	return 0, fmt.Errorf("unknown item %q", s)
}

// NoRegion marks a tile that belongs to no city.
const NoRegion uint8 = 0xFF

type Tile struct {
	Kind   Kind
	Item   Item
	Region uint8
}

// TileSource is the read side of whatever spatial index the caller keeps.
type TileSource interface {
	Tile(p Pos) Tile
}

// TileSink is the write side of the caller's spatial index.
type TileSink interface {
	SetTile(p Pos, t Tile)
}
