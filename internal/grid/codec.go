package grid

import (
	"errors"
	"fmt"
)

var (
	ErrLength  = errors.New("grid: map data length mismatch")
	ErrCorrupt = errors.New("grid: corrupt map data")
)

// Codec serializes a tile grid to the two-pass byte layout used by map data:
// one byte per tile for kind (and item, when Items is set), then one byte per
// tile for region. Both passes follow the canonical ring order.
type Codec struct {
	Topology Topology
	Size     int
	Items    bool
	// Regions bounds region ids on decode. Zero disables the check.
	Regions int
}

// EncodedLen is the exact number of bytes Encode appends.
func (c Codec) EncodedLen() int { return 2 * MapArea(c.Topology, c.Size) }

func (c Codec) check() error {
	if !c.Topology.Valid() {
		return fmt.Errorf("%w: topology %d", ErrCorrupt, uint8(c.Topology))
	}
	if c.Size < 0 || c.Size > MaxSize {
		return fmt.Errorf("%w: size %d", ErrCorrupt, c.Size)
	}
	return nil
}

// Encode appends the serialized grid read from src to dst. A tile whose kind,
// item or region cannot be represented fails with ErrCorrupt and leaves dst
// at its original length. Items are dropped, not checked, when Items is
// unset.
func (c Codec) Encode(dst []byte, src TileSource) ([]byte, error) {
	if err := c.check(); err != nil {
		return dst, err
	}
	area := MapArea(c.Topology, c.Size)
	off := len(dst)
	dst = grow(dst, 2*area)
	i := 0
	var err error
	Walk(c.Topology, c.Size, func(p Pos) bool {
		t := src.Tile(p)
		if err = c.checkTile(p, t); err != nil {
			return false
		}
		b := uint8(t.Kind)
		if c.Items {
			b |= uint8(t.Item) << 4
		}
		dst[off+i] = b
		dst[off+area+i] = t.Region
		i++
		return true
	})
	if err != nil {
		return dst[:off], err
	}
	return dst, nil
}

func (c Codec) checkTile(p Pos, t Tile) error {
	switch {
	case !t.Kind.Valid():
		return fmt.Errorf("%w: tile %s kind %d", ErrCorrupt, p, uint8(t.Kind))
	case c.Items && !t.Item.Valid():
		return fmt.Errorf("%w: tile %s item %d", ErrCorrupt, p, uint8(t.Item))
	case c.Regions > 0 && t.Region != NoRegion && int(t.Region) >= c.Regions:
		return fmt.Errorf("%w: tile %s region %d", ErrCorrupt, p, t.Region)
	}
	return nil
}

// Check validates src without decoding it.
func (c Codec) Check(src []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	area := MapArea(c.Topology, c.Size)
	if len(src) != 2*area {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrLength, len(src), 2*area)
	}
	for i := 0; i < area; i++ {
		b := src[i]
		if !Kind(b & 0x0F).Valid() {
			return fmt.Errorf("%w: tile %d kind %d", ErrCorrupt, i, b&0x0F)
		}
		item := Item(b >> 4)
		if !item.Valid() || (!c.Items && item != NoItem) {
			return fmt.Errorf("%w: tile %d item %d", ErrCorrupt, i, b>>4)
		}
		if r := src[area+i]; c.Regions > 0 && r != NoRegion && int(r) >= c.Regions {
			return fmt.Errorf("%w: tile %d region %d", ErrCorrupt, i, r)
		}
	}
	return nil
}

// Decode validates src completely and only then writes every tile into dst.
func (c Codec) Decode(src []byte, dst TileSink) error {
	if err := c.Check(src); err != nil {
		return err
	}
	area := MapArea(c.Topology, c.Size)
	i := 0
	Walk(c.Topology, c.Size, func(p Pos) bool {
		b := src[i]
		dst.SetTile(p, Tile{Kind: Kind(b & 0x0F), Item: Item(b >> 4), Region: src[area+i]})
		i++
		return true
	})
	return nil
}

func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}
	out := make([]byte, len(b)+n)
	copy(out, b)
	return out
}
