package protocol

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// PlayerID identifies a player. Zero is neutral: it owns nothing and is
// never addressed by a mask.
type PlayerID uint8

const (
	Neutral PlayerID = 0

	// MaxPlayerID is the highest id a PlayerMask can address.
	MaxPlayerID PlayerID = 7
	// MaxPlayers bounds the player count of a file.
	MaxPlayers = 6
)

func (p PlayerID) Valid() bool { return p <= MaxPlayerID }

func (p PlayerID) String() string { return strconv.Itoa(int(p)) }

// PlayerMask selects a subset of players: bit i-1 selects player i.
// Bit 7 is never part of a selection.
type PlayerMask uint8

const (
	MaskNone PlayerMask = 0
	MaskAll  PlayerMask = 0x7F
)

func MaskOf(ids ...PlayerID) PlayerMask {
	var m PlayerMask
	for _, id := range ids {
		m = m.With(id)
	}
	return m
}

// MaskFirst selects players 1..n.
func MaskFirst(n int) PlayerMask {
	if n <= 0 {
		return MaskNone
	}
	if n >= int(MaxPlayerID) {
		return MaskAll
	}
	return PlayerMask(1<<n - 1)
}

func (m PlayerMask) Has(id PlayerID) bool {
	return id != Neutral && id <= MaxPlayerID && m&(1<<(id-1)) != 0
}

func (m PlayerMask) With(id PlayerID) PlayerMask {
	if id == Neutral || id > MaxPlayerID {
		return m
	}
	return m | 1<<(id-1)
}

func (m PlayerMask) Without(id PlayerID) PlayerMask {
	if id == Neutral || id > MaxPlayerID {
		return m
	}
	return m &^ (1 << (id - 1))
}

func (m PlayerMask) Empty() bool { return m&MaskAll == 0 }

func (m PlayerMask) Count() int { return bits.OnesCount8(uint8(m & MaskAll)) }

// Players lists the selected ids in ascending order.
func (m PlayerMask) Players() []PlayerID {
	out := make([]PlayerID, 0, m.Count())
	for id := PlayerID(1); id <= MaxPlayerID; id++ {
		if m.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

func (m PlayerMask) String() string {
	switch m & MaskAll {
	case MaskNone:
		return "none"
	case MaskAll:
		return "all"
	}
	ids := m.Players()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func ParseMask(s string) (PlayerMask, error) {
	switch s = strings.TrimSpace(s); s {
	case "none":
		return MaskNone, nil
	case "all":
		return MaskAll, nil
	}
	var m PlayerMask
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil || v == 0 || v > uint64(MaxPlayerID) {
			return 0, fmt.Errorf("bad player mask %q", s)
		}
		m = m.With(PlayerID(v))
	}
	return m, nil
}
