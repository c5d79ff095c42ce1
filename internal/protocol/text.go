package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"tilewars.ai/internal/grid"
)

// Text is the human-readable "assembly" encoding: one message per line, a
// symbolic tag followed by whitespace-separated arguments. Blank lines and
// anything after ';' are ignored when decoding.
type Text struct{}

var _ Codec = Text{}

var opTags = map[Op]string{
	OpPlayer:          "PLAYER",
	OpTileOwner:       "OWN",
	OpDigitCapture:    "CAPTURE",
	OpDigit:           "DIGIT",
	OpCitMoney:        "CITMONEY",
	OpCitIncome:       "CITINCOME",
	OpCitProduce:      "CITPRODUCE",
	OpStructureReveal: "STRUCT",
	OpStructureHp:     "STRUCTHP",
	OpStructureGone:   "STRUCTGONE",
	OpBuildNew:        "BUILD",
	OpBuildProgress:   "BUILDPROG",
	OpBuildCancel:     "BUILDCANCEL",
	OpItemReveal:      "ITEM",
	OpExplode:         "EXPLODE",
	OpSmoke:           "SMOKE",
	OpTremor:          "TREMOR",
	OpNop:             "NOP",
}

var tagOps = func() map[string]Op {
	m := make(map[string]Op, len(opTags))
	for op, tag := range opTags {
		m[tag] = op
	}
	return m
}()

func (op Op) String() string {
	if tag, ok := opTags[op]; ok {
		return tag
	}
	return fmt.Sprintf("op(0x%02x)", uint8(op))
}

func (Text) Encode(dst []byte, msgs []Msg, maxBytes int) ([]byte, int, error) {
	var line [64]byte
	written := 0
	for i, m := range msgs {
		if err := Validate(m); err != nil {
			return dst, i, fmt.Errorf("message %d: %w", i, err)
		}
		l := AppendText(line[:0], m)
		if maxBytes >= 0 && written+len(l) > maxBytes {
			return dst, i, nil
		}
		dst = append(dst, l...)
		written += len(l)
	}
	return dst, len(msgs), nil
}

func appendDigit(b []byte, d uint8, asterisk bool) []byte {
	b = strconv.AppendUint(b, uint64(d), 10)
	if asterisk {
		b = append(b, '*')
	}
	return b
}

// AppendText appends the assembly line for m, including the trailing newline.
func AppendText(b []byte, m Msg) []byte {
	b = append(b, opTags[m.Op()]...)
	sp := func() { b = append(b, ' ') }
	num := func(v uint64) {
		sp()
		b = strconv.AppendUint(b, v, 10)
	}
	str := func(s string) {
		sp()
		b = append(b, s...)
	}
	pos := func(p grid.Pos) { str(p.String()) }
	switch m := m.(type) {
	case Player:
		num(uint64(m.Plid))
		str(m.Status.String())
	case TileOwner:
		pos(m.Pos)
		num(uint64(m.Plid))
	case DigitCapture:
		pos(m.Pos)
		sp()
		b = appendDigit(b, m.Digit, m.Asterisk)
	case Digit:
		pos(m.Pos)
		sp()
		b = appendDigit(b, m.Digit, m.Asterisk)
	case CitMoney:
		num(uint64(m.Cit))
		num(uint64(m.Money))
	case CitIncome:
		num(uint64(m.Cit))
		num(uint64(m.Income))
	case CitProduce:
		num(uint64(m.Cit))
		str(m.Item.String())
	case StructureReveal:
		pos(m.Pos)
		str(m.Kind.String())
	case StructureHp:
		pos(m.Pos)
		num(uint64(m.Hp))
	case StructureGone:
		pos(m.Pos)
	case BuildNew:
		pos(m.Pos)
		str(m.Kind.String())
		num(uint64(m.Points))
	case BuildProgress:
		pos(m.Pos)
		num(uint64(m.Current))
	case BuildCancel:
		pos(m.Pos)
	case ItemReveal:
		pos(m.Pos)
		str(m.Item.String())
	case Explode:
		pos(m.Pos)
	case Smoke:
		pos(m.Pos)
	}
	return append(b, '\n')
}

func (Text) Decode(src []byte, out []Msg, atEOF bool) ([]Msg, int, error) {
	i := 0
	for i < len(src) {
		var line []byte
		next := len(src)
		if j := bytes.IndexByte(src[i:], '\n'); j >= 0 {
			line = src[i : i+j]
			next = i + j + 1
		} else if atEOF {
			line = src[i:]
		} else {
			break
		}
		m, err := ParseLine(string(line))
		if err != nil {
			return out, i, err
		}
		if m != nil {
			out = append(out, m)
		}
		i = next
	}
	return out, i, nil
}

// ParseLine parses one assembly line. It returns a nil Msg for blank or
// comment-only lines.
func ParseLine(line string) (Msg, error) {
	if k := strings.IndexByte(line, ';'); k >= 0 {
		line = line[:k]
	}
	f := strings.Fields(line)
	if len(f) == 0 {
		return nil, nil
	}
	op, ok := tagOps[strings.ToUpper(f[0])]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tag %q", ErrSyntax, f[0])
	}
	p := textArgs{args: f[1:]}
	m := parseArgs(op, &p)
	if p.err == nil && p.i != len(p.args) {
		p.err = fmt.Errorf("want %d arguments, got %d", p.i, len(p.args))
	}
	if p.err != nil {
		return nil, fmt.Errorf("%w: %s: %v (line %q)", ErrSyntax, f[0], p.err, strings.TrimSpace(line))
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseArgs(op Op, p *textArgs) Msg {
	switch op {
	case OpPlayer:
		return Player{Plid: PlayerID(p.num(8)), Status: p.status()}
	case OpTileOwner:
		return TileOwner{Pos: p.pos(), Plid: PlayerID(p.num(8))}
	case OpDigitCapture:
		pos := p.pos()
		d, a := p.digit()
		return DigitCapture{Pos: pos, Digit: d, Asterisk: a}
	case OpDigit:
		pos := p.pos()
		d, a := p.digit()
		return Digit{Pos: pos, Digit: d, Asterisk: a}
	case OpCitMoney:
		return CitMoney{Cit: uint8(p.num(8)), Money: uint32(p.num(32))}
	case OpCitIncome:
		return CitIncome{Cit: uint8(p.num(8)), Income: uint16(p.num(16))}
	case OpCitProduce:
		return CitProduce{Cit: uint8(p.num(8)), Item: p.item()}
	case OpStructureReveal:
		return StructureReveal{Pos: p.pos(), Kind: p.structure()}
	case OpStructureHp:
		return StructureHp{Pos: p.pos(), Hp: uint8(p.num(8))}
	case OpStructureGone:
		return StructureGone{Pos: p.pos()}
	case OpBuildNew:
		return BuildNew{Pos: p.pos(), Kind: p.structure(), Points: uint16(p.num(16))}
	case OpBuildProgress:
		return BuildProgress{Pos: p.pos(), Current: uint16(p.num(16))}
	case OpBuildCancel:
		return BuildCancel{Pos: p.pos()}
	case OpItemReveal:
		return ItemReveal{Pos: p.pos(), Item: p.item()}
	case OpExplode:
		return Explode{Pos: p.pos()}
	case OpSmoke:
		return Smoke{Pos: p.pos()}
	case OpTremor:
		return Tremor{}
	}
	return Nop{}
}

// textArgs consumes arguments left to right, keeping the first error.
type textArgs struct {
	args []string
	i    int
	err  error
}

func (p *textArgs) next() string {
	if p.i >= len(p.args) {
		if p.err == nil {
			p.err = fmt.Errorf("missing argument %d", p.i+1)
		}
		p.i++
		return ""
	}
	s := p.args[p.i]
	p.i++
	return s
}

func (p *textArgs) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *textArgs) num(bits int) uint64 {
	s := p.next()
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		p.fail(fmt.Errorf("bad number %q", s))
	}
	return v
}

func (p *textArgs) pos() grid.Pos {
	s := p.next()
	if p.err != nil {
		return grid.Pos{}
	}
	v, err := grid.ParsePos(s)
	if err != nil {
		p.fail(err)
	}
	return v
}

func (p *textArgs) digit() (uint8, bool) {
	s := p.next()
	if p.err != nil {
		return 0, false
	}
	asterisk := strings.HasSuffix(s, "*")
	v, err := strconv.ParseUint(strings.TrimSuffix(s, "*"), 10, 8)
	if err != nil {
		p.fail(fmt.Errorf("bad digit %q", s))
	}
	return uint8(v), asterisk
}

func (p *textArgs) status() PlayerStatus {
	s := p.next()
	for i, n := range statusNames {
		if n == s {
			return PlayerStatus(i)
		}
	}
	if p.err == nil {
		p.fail(fmt.Errorf("unknown player status %q", s))
	}
	return 0
}

func (p *textArgs) structure() StructureKind {
	s := p.next()
	for i, n := range structureNames {
		if n != "" && n == s {
			return StructureKind(i)
		}
	}
	if p.err == nil {
		p.fail(fmt.Errorf("unknown structure %q", s))
	}
	return 0
}

func (p *textArgs) item() grid.Item {
	s := p.next()
	if p.err != nil {
		return 0
	}
	v, err := grid.ParseItem(s)
	if err != nil {
		p.fail(err)
	}
	return v
}
