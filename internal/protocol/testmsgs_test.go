package protocol

import (
	"math/rand"

	"tilewars.ai/internal/grid"
)

// sampleMsgs covers every variant once, including boundary field values.
func sampleMsgs() []Msg {
	return []Msg{
		Player{Plid: 3, Status: StatusEliminated},
		TileOwner{Pos: grid.Pos{X: -125, Y: 125}, Plid: Neutral},
		DigitCapture{Pos: grid.Pos{X: 1, Y: -1}, Digit: 7, Asterisk: true},
		Digit{Pos: grid.Pos{X: 0, Y: 0}, Digit: 0},
		CitMoney{Cit: 15, Money: 0xFFFFFFFF},
		CitIncome{Cit: 2, Income: 1234},
		CitProduce{Cit: 0, Item: grid.Trap},
		StructureReveal{Pos: grid.Pos{X: 4, Y: 5}, Kind: Bridge},
		StructureHp{Pos: grid.Pos{X: 4, Y: 5}, Hp: 255},
		StructureGone{Pos: grid.Pos{X: -3, Y: 2}},
		BuildNew{Pos: grid.Pos{X: 9, Y: -9}, Kind: Tower, Points: 65535},
		BuildProgress{Pos: grid.Pos{X: 9, Y: -9}, Current: 17},
		BuildCancel{Pos: grid.Pos{X: 9, Y: -9}},
		ItemReveal{Pos: grid.Pos{X: 2, Y: 2}, Item: grid.Mine},
		Explode{Pos: grid.Pos{X: 2, Y: 2}},
		Smoke{Pos: grid.Pos{X: -1, Y: 0}},
		Tremor{},
		Nop{},
	}
}

func randPos(r *rand.Rand) grid.Pos {
	return grid.Pos{X: int8(r.Intn(7) - 3), Y: int8(r.Intn(7) - 3)}
}

// randomMsgs draws from a small value space so duplicates and ties are common.
func randomMsgs(r *rand.Rand, n int) []Msg {
	out := make([]Msg, 0, n)
	for i := 0; i < n; i++ {
		var m Msg
		switch r.Intn(18) {
		case 0:
			m = Player{Plid: PlayerID(r.Intn(7) + 1), Status: PlayerStatus(r.Intn(int(statusCount)))}
		case 1:
			m = TileOwner{Pos: randPos(r), Plid: PlayerID(r.Intn(3))}
		case 2:
			m = DigitCapture{Pos: randPos(r), Digit: uint8(r.Intn(MaxDigit + 1)), Asterisk: r.Intn(2) == 0}
		case 3:
			m = Digit{Pos: randPos(r), Digit: uint8(r.Intn(3)), Asterisk: r.Intn(2) == 0}
		case 4:
			m = CitMoney{Cit: uint8(r.Intn(3)), Money: uint32(r.Intn(3)) * 1000}
		case 5:
			m = CitIncome{Cit: uint8(r.Intn(3)), Income: uint16(r.Intn(3))}
		case 6:
			m = CitProduce{Cit: uint8(r.Intn(3)), Item: grid.Item(r.Intn(4))}
		case 7:
			m = StructureReveal{Pos: randPos(r), Kind: StructureKind(r.Intn(4) + 1)}
		case 8:
			m = StructureHp{Pos: randPos(r), Hp: uint8(r.Intn(3))}
		case 9:
			m = StructureGone{Pos: randPos(r)}
		case 10:
			m = BuildNew{Pos: randPos(r), Kind: StructureKind(r.Intn(4) + 1), Points: uint16(r.Intn(3))}
		case 11:
			m = BuildProgress{Pos: randPos(r), Current: uint16(r.Intn(3))}
		case 12:
			m = BuildCancel{Pos: randPos(r)}
		case 13:
			m = ItemReveal{Pos: randPos(r), Item: grid.Item(r.Intn(4))}
		case 14:
			m = Explode{Pos: randPos(r)}
		case 15:
			m = Smoke{Pos: randPos(r)}
		case 16:
			m = Tremor{}
		default:
			m = Nop{}
		}
		out = append(out, m)
	}
	return out
}

func equalMsgs(a, b []Msg) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
