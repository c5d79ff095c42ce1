package protocol

import (
	"fmt"

	"tilewars.ai/internal/grid"
)

// Op is the variant tag of a Msg. Declaration order is the total order used
// when canonicalizing a batch; OpNop sorts last.
type Op uint8

const (
	OpPlayer Op = iota + 1
	OpTileOwner
	OpDigitCapture
	OpDigit
	OpCitMoney
	OpCitIncome
	OpCitProduce
	OpStructureReveal
	OpStructureHp
	OpStructureGone
	OpBuildNew
	OpBuildProgress
	OpBuildCancel
	OpItemReveal
	OpExplode
	OpSmoke
	OpTremor

	OpNop Op = 0xFF
)

// Msg is one gameplay update. The set of implementations is closed; every
// implementation is a comparable value type, so == is exact equality.
type Msg interface {
	Op() Op
	isMsg()
}

type PlayerStatus uint8

const (
	StatusAlive PlayerStatus = iota
	StatusEliminated
	StatusDisconnected
	StatusSurrendered
	StatusWinner

	statusCount
)

var statusNames = [statusCount]string{"alive", "eliminated", "disconnected", "surrendered", "winner"}

func (s PlayerStatus) Valid() bool { return s < statusCount }

func (s PlayerStatus) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

type StructureKind uint8

const (
	Road StructureKind = iota + 1
	Bridge
	Wall
	Tower

	structureEnd
)

var structureNames = [structureEnd]string{"", "road", "bridge", "wall", "tower"}

func (k StructureKind) Valid() bool { return k >= Road && k < structureEnd }

func (k StructureKind) String() string {
	if k.Valid() {
		return structureNames[k]
	}
	return fmt.Sprintf("structure(%d)", uint8(k))
}

// MaxDigit is the largest mine-count digit a tile can show.
const MaxDigit = 7

type (
	Player struct {
		Plid   PlayerID
		Status PlayerStatus
	}
	TileOwner struct {
		Pos  grid.Pos
		Plid PlayerID
	}
	// DigitCapture reveals the digit of a tile as it is captured.
	DigitCapture struct {
		Pos      grid.Pos
		Digit    uint8
		Asterisk bool
	}
	Digit struct {
		Pos      grid.Pos
		Digit    uint8
		Asterisk bool
	}
	CitMoney struct {
		Cit   uint8
		Money uint32
	}
	CitIncome struct {
		Cit    uint8
		Income uint16
	}
	CitProduce struct {
		Cit  uint8
		Item grid.Item
	}
	StructureReveal struct {
		Pos  grid.Pos
		Kind StructureKind
	}
	StructureHp struct {
		Pos grid.Pos
		Hp  uint8
	}
	StructureGone struct {
		Pos grid.Pos
	}
	BuildNew struct {
		Pos    grid.Pos
		Kind   StructureKind
		Points uint16
	}
	BuildProgress struct {
		Pos     grid.Pos
		Current uint16
	}
	BuildCancel struct {
		Pos grid.Pos
	}
	ItemReveal struct {
		Pos  grid.Pos
		Item grid.Item
	}
	Explode struct {
		Pos grid.Pos
	}
	Smoke struct {
		Pos grid.Pos
	}
	// Tremor is an ambient effect with no position.
	Tremor struct{}
	Nop    struct{}
)

func (Player) Op() Op          { return OpPlayer }
func (TileOwner) Op() Op       { return OpTileOwner }
func (DigitCapture) Op() Op    { return OpDigitCapture }
func (Digit) Op() Op           { return OpDigit }
func (CitMoney) Op() Op        { return OpCitMoney }
func (CitIncome) Op() Op       { return OpCitIncome }
func (CitProduce) Op() Op      { return OpCitProduce }
func (StructureReveal) Op() Op { return OpStructureReveal }
func (StructureHp) Op() Op     { return OpStructureHp }
func (StructureGone) Op() Op   { return OpStructureGone }
func (BuildNew) Op() Op        { return OpBuildNew }
func (BuildProgress) Op() Op   { return OpBuildProgress }
func (BuildCancel) Op() Op     { return OpBuildCancel }
func (ItemReveal) Op() Op      { return OpItemReveal }
func (Explode) Op() Op         { return OpExplode }
func (Smoke) Op() Op           { return OpSmoke }
func (Tremor) Op() Op          { return OpTremor }
func (Nop) Op() Op             { return OpNop }

func (Player) isMsg()          {}
func (TileOwner) isMsg()       {}
func (DigitCapture) isMsg()    {}
func (Digit) isMsg()           {}
func (CitMoney) isMsg()        {}
func (CitIncome) isMsg()       {}
func (CitProduce) isMsg()      {}
func (StructureReveal) isMsg() {}
func (StructureHp) isMsg()     {}
func (StructureGone) isMsg()   {}
func (BuildNew) isMsg()        {}
func (BuildProgress) isMsg()   {}
func (BuildCancel) isMsg()     {}
func (ItemReveal) isMsg()      {}
func (Explode) isMsg()         {}
func (Smoke) isMsg()           {}
func (Tremor) isMsg()          {}
func (Nop) isMsg()             {}

// Validate reports field values that no codec can represent.
func Validate(m Msg) error {
	bad := func(field string, v any) error {
		return fmt.Errorf("%w: %T.%s=%v", ErrBadField, m, field, v)
	}
	switch m := m.(type) {
	case Player:
		if !m.Plid.Valid() {
			return bad("Plid", m.Plid)
		}
		if !m.Status.Valid() {
			return bad("Status", m.Status)
		}
	case TileOwner:
		if !m.Plid.Valid() {
			return bad("Plid", m.Plid)
		}
	case DigitCapture:
		if m.Digit > MaxDigit {
			return bad("Digit", m.Digit)
		}
	case Digit:
		if m.Digit > MaxDigit {
			return bad("Digit", m.Digit)
		}
	case CitProduce:
		if !m.Item.Valid() {
			return bad("Item", m.Item)
		}
	case StructureReveal:
		if !m.Kind.Valid() {
			return bad("Kind", m.Kind)
		}
	case BuildNew:
		if !m.Kind.Valid() {
			return bad("Kind", m.Kind)
		}
	case ItemReveal:
		if !m.Item.Valid() {
			return bad("Item", m.Item)
		}
	case nil:
		return fmt.Errorf("%w: nil message", ErrBadField)
	}
	return nil
}

// sortKey flattens the fields of m in declaration order.
func sortKey(m Msg) [3]int64 {
	pos := func(p grid.Pos) (int64, int64) { return int64(p.X), int64(p.Y) }
	flag := func(b bool) int64 {
		if b {
			return 1
		}
		return 0
	}
	switch m := m.(type) {
	case Player:
		return [3]int64{int64(m.Plid), int64(m.Status)}
	case TileOwner:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Plid)}
	case DigitCapture:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Digit)<<1 | flag(m.Asterisk)}
	case Digit:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Digit)<<1 | flag(m.Asterisk)}
	case CitMoney:
		return [3]int64{int64(m.Cit), int64(m.Money)}
	case CitIncome:
		return [3]int64{int64(m.Cit), int64(m.Income)}
	case CitProduce:
		return [3]int64{int64(m.Cit), int64(m.Item)}
	case StructureReveal:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Kind)}
	case StructureHp:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Hp)}
	case BuildNew:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Kind)<<16 | int64(m.Points)}
	case BuildProgress:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Current)}
	case ItemReveal:
		x, y := pos(m.Pos)
		return [3]int64{x, y, int64(m.Item)}
	case StructureGone:
		x, y := pos(m.Pos)
		return [3]int64{x, y}
	case BuildCancel:
		x, y := pos(m.Pos)
		return [3]int64{x, y}
	case Explode:
		x, y := pos(m.Pos)
		return [3]int64{x, y}
	case Smoke:
		x, y := pos(m.Pos)
		return [3]int64{x, y}
	}
	return [3]int64{}
}

// Compare orders messages by variant, then by fields. It returns -1, 0 or 1.
func Compare(a, b Msg) int {
	if oa, ob := a.Op(), b.Op(); oa != ob {
		if oa < ob {
			return -1
		}
		return 1
	}
	ka, kb := sortKey(a), sortKey(b)
	for i := range ka {
		switch {
		case ka[i] < kb[i]:
			return -1
		case ka[i] > kb[i]:
			return 1
		}
	}
	return 0
}
