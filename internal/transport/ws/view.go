package ws

import (
	"fmt"
	"strconv"
	"strings"

	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/protocol"
)

// View selects which payloads of a frame a client sees.
type View struct {
	// Player is the viewpoint; Neutral means spectator.
	Player protocol.PlayerID
	// All merges every payload of the frame, in record order.
	All bool
}

func (v View) String() string {
	switch {
	case v.All:
		return "all"
	case v.Player == protocol.Neutral:
		return "spectator"
	}
	return "player" + v.Player.String()
}

// ParseView accepts "spectator", "all" or a player id 1..6.
func ParseView(s string) (View, error) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "", "spectator":
		return View{}, nil
	case "all":
		return View{All: true}, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "player"))
	if err != nil || n < 1 || n > protocol.MaxPlayers {
		return View{}, fmt.Errorf("bad view %q: want spectator, all or 1..%d", s, protocol.MaxPlayers)
	}
	return View{Player: protocol.PlayerID(n)}, nil
}

// payloadCollector gathers every payload of a frame once, regardless of mask.
type payloadCollector struct{ b []byte }

func (c *payloadCollector) AppendBytes(_ protocol.PlayerMask, b []byte) {
	c.b = append(c.b, b...)
}

// extract returns the bytes of f visible under v, reusing buf.
func (v View) extract(f replayfile.Frame, buf []byte) ([]byte, bool) {
	if v.All {
		c := payloadCollector{b: buf[:0]}
		f.Deliver(&c)
		return c.b, true
	}
	return f.Payload(v.Player)
}
