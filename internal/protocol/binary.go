package protocol

import (
	"encoding/binary"
	"fmt"

	"tilewars.ai/internal/grid"
)

// Binary is the compact wire encoding: one op byte followed by fixed-size
// big-endian fields.
type Binary struct{}

var _ Codec = Binary{}

// BinarySize returns the encoded size of a message with the given op, or 0
// for an unknown op.
func BinarySize(op Op) int {
	switch op {
	case OpTremor, OpNop:
		return 1
	case OpPlayer, OpCitProduce, OpStructureGone, OpBuildCancel, OpExplode, OpSmoke:
		return 3
	case OpTileOwner, OpDigitCapture, OpDigit, OpCitIncome, OpStructureReveal, OpStructureHp, OpItemReveal:
		return 4
	case OpBuildProgress:
		return 5
	case OpCitMoney, OpBuildNew:
		return 6
	}
	return 0
}

func (Binary) Encode(dst []byte, msgs []Msg, maxBytes int) ([]byte, int, error) {
	written := 0
	for i, m := range msgs {
		if err := Validate(m); err != nil {
			return dst, i, fmt.Errorf("message %d: %w", i, err)
		}
		size := BinarySize(m.Op())
		if maxBytes >= 0 && written+size > maxBytes {
			return dst, i, nil
		}
		dst = appendBinary(dst, m)
		written += size
	}
	return dst, len(msgs), nil
}

func appendPos(b []byte, p grid.Pos) []byte { return append(b, uint8(p.X), uint8(p.Y)) }

func packDigit(d uint8, asterisk bool) uint8 {
	if asterisk {
		return d&0x07 | 0x08
	}
	return d & 0x07
}

func appendBinary(b []byte, m Msg) []byte {
	b = append(b, uint8(m.Op()))
	switch m := m.(type) {
	case Player:
		b = append(b, uint8(m.Plid), uint8(m.Status))
	case TileOwner:
		b = append(appendPos(b, m.Pos), uint8(m.Plid))
	case DigitCapture:
		b = append(appendPos(b, m.Pos), packDigit(m.Digit, m.Asterisk))
	case Digit:
		b = append(appendPos(b, m.Pos), packDigit(m.Digit, m.Asterisk))
	case CitMoney:
		b = binary.BigEndian.AppendUint32(append(b, m.Cit), m.Money)
	case CitIncome:
		b = binary.BigEndian.AppendUint16(append(b, m.Cit), m.Income)
	case CitProduce:
		b = append(b, m.Cit, uint8(m.Item))
	case StructureReveal:
		b = append(appendPos(b, m.Pos), uint8(m.Kind))
	case StructureHp:
		b = append(appendPos(b, m.Pos), m.Hp)
	case StructureGone:
		b = appendPos(b, m.Pos)
	case BuildNew:
		b = binary.BigEndian.AppendUint16(append(appendPos(b, m.Pos), uint8(m.Kind)), m.Points)
	case BuildProgress:
		b = binary.BigEndian.AppendUint16(appendPos(b, m.Pos), m.Current)
	case BuildCancel:
		b = appendPos(b, m.Pos)
	case ItemReveal:
		b = append(appendPos(b, m.Pos), uint8(m.Item))
	case Explode:
		b = appendPos(b, m.Pos)
	case Smoke:
		b = appendPos(b, m.Pos)
	}
	return b
}

func (Binary) Decode(src []byte, out []Msg, atEOF bool) ([]Msg, int, error) {
	i := 0
	for i < len(src) {
		op := Op(src[i])
		size := BinarySize(op)
		if size == 0 {
			return out, i, fmt.Errorf("%w: 0x%02x at offset %d", ErrUnknownOp, src[i], i)
		}
		if i+size > len(src) {
			if atEOF {
				return out, i, fmt.Errorf("%w: op 0x%02x needs %d bytes, have %d", ErrTruncated, src[i], size, len(src)-i)
			}
			break
		}
		m, err := decodeBinary(op, src[i+1:i+size])
		if err == nil {
			err = Validate(m)
		}
		if err != nil {
			return out, i, fmt.Errorf("offset %d: %w", i, err)
		}
		out = append(out, m)
		i += size
	}
	return out, i, nil
}

func decodeBinary(op Op, f []byte) (Msg, error) {
	pos := func() grid.Pos { return grid.Pos{X: int8(f[0]), Y: int8(f[1])} }
	if (op == OpDigit || op == OpDigitCapture) && f[2]&0xF0 != 0 {
		return nil, fmt.Errorf("%w: digit byte 0x%02x", ErrBadField, f[2])
	}
	switch op {
	case OpPlayer:
		return Player{Plid: PlayerID(f[0]), Status: PlayerStatus(f[1])}, nil
	case OpTileOwner:
		return TileOwner{Pos: pos(), Plid: PlayerID(f[2])}, nil
	case OpDigitCapture:
		return DigitCapture{Pos: pos(), Digit: f[2] & 0x07, Asterisk: f[2]&0x08 != 0}, nil
	case OpDigit:
		return Digit{Pos: pos(), Digit: f[2] & 0x07, Asterisk: f[2]&0x08 != 0}, nil
	case OpCitMoney:
		return CitMoney{Cit: f[0], Money: binary.BigEndian.Uint32(f[1:5])}, nil
	case OpCitIncome:
		return CitIncome{Cit: f[0], Income: binary.BigEndian.Uint16(f[1:3])}, nil
	case OpCitProduce:
		return CitProduce{Cit: f[0], Item: grid.Item(f[1])}, nil
	case OpStructureReveal:
		return StructureReveal{Pos: pos(), Kind: StructureKind(f[2])}, nil
	case OpStructureHp:
		return StructureHp{Pos: pos(), Hp: f[2]}, nil
	case OpStructureGone:
		return StructureGone{Pos: pos()}, nil
	case OpBuildNew:
		return BuildNew{Pos: pos(), Kind: StructureKind(f[2]), Points: binary.BigEndian.Uint16(f[3:5])}, nil
	case OpBuildProgress:
		return BuildProgress{Pos: pos(), Current: binary.BigEndian.Uint16(f[2:4])}, nil
	case OpBuildCancel:
		return BuildCancel{Pos: pos()}, nil
	case OpItemReveal:
		return ItemReveal{Pos: pos(), Item: grid.Item(f[2])}, nil
	case OpExplode:
		return Explode{Pos: pos()}, nil
	case OpSmoke:
		return Smoke{Pos: pos()}, nil
	case OpTremor:
		return Tremor{}, nil
	}
	return Nop{}, nil
}
