package replayfile

import (
	"unicode/utf8"

	"tilewars.ai/internal/grid"
)

// Cit is a city: a region anchor with an optional display name.
type Cit struct {
	Pos  grid.Pos
	Name string
}

// ISData is the decoded init-sequence: everything needed to set up a game
// before the first frame.
type ISData struct {
	Header ISHeader
	Map    *grid.Map
	Cits   []Cit
	// Players is nil when names are anonymized; NumPlayers is always set.
	Players    []string
	NumPlayers int
	Rules      []byte
}

func (d *ISData) Anonymized() bool { return d.Players == nil }

// CitsNamed reports whether any city carries a name.
func (d *ISData) CitsNamed() bool { return citsNamed(d.Cits) }

func citsNamed(cits []Cit) bool {
	for _, c := range cits {
		if c.Name != "" {
			return true
		}
	}
	return false
}

func checkName(kind string, i int, s string) error {
	if len(s) > MaxNameLen {
		return formatErr("%s %d name is %d bytes, limit %d", kind, i, len(s), MaxNameLen)
	}
	if !utf8.ValidString(s) {
		return formatErr("%s %d name is not valid UTF-8", kind, i)
	}
	return nil
}

func appendNames(b []byte, names []string) []byte {
	for _, s := range names {
		b = append(b, uint8(len(s)))
		b = append(b, s...)
	}
	return b
}

// parseNames reads exactly n length-prefixed names that fill b completely.
func parseNames(kind string, b []byte, n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if len(b) == 0 {
			return nil, formatErr("%s names end after %d of %d entries", kind, i, n)
		}
		l := int(b[0])
		if len(b)-1 < l {
			return nil, formatErr("%s %d name overruns its block", kind, i)
		}
		s := string(b[1 : 1+l])
		if !utf8.ValidString(s) {
			return nil, formatErr("%s %d name is not valid UTF-8", kind, i)
		}
		out = append(out, s)
		b = b[1+l:]
	}
	if len(b) != 0 {
		return nil, formatErr("%d stray bytes after %s names", len(b), kind)
	}
	return out, nil
}

// decodeIS parses a complete IS body. Map data is staged in scratch.
func decodeIS(h ISHeader, body []byte, s *Scratch) (*ISData, error) {
	if len(body) != h.BodyLen() {
		return nil, formatErr("IS body has %d bytes, header says %d", len(body), h.BodyLen())
	}
	d := &ISData{Header: h, NumPlayers: int(h.Players)}

	stored, body := body[:h.MapStoredLen()], body[h.MapStoredLen():]
	raw := stored
	if h.MapCompressed() {
		s.reset()
		defer s.reset()
		var err error
		if s.raw, err = Decompress(s.raw, stored, int(h.MapRawLen)); err != nil {
			return nil, &SectionError{Section: SectionMap, Err: err}
		}
		raw = s.raw
	}
	m, err := grid.NewMap(h.Topology, int(h.Size))
	if err != nil {
		return nil, formatErr("%v", err)
	}
	c := grid.Codec{Topology: h.Topology, Size: int(h.Size), Items: true, Regions: int(h.Cits)}
	if err := c.Decode(raw, m); err != nil {
		return nil, &SectionError{Section: SectionMap, Err: err}
	}
	d.Map = m

	d.Cits = make([]Cit, h.Cits)
	for i := range d.Cits {
		p := grid.Pos{X: int8(body[2*i]), Y: int8(body[2*i+1])}
		if !m.Contains(p) {
			return nil, formatErr("city %d at %s lies outside the map", i, p)
		}
		d.Cits[i].Pos = p
	}
	body = body[2*int(h.Cits):]

	if h.CitNamesLen != 0 {
		names, err := parseNames("city", body[:h.CitNamesLen], int(h.Cits))
		if err != nil {
			return nil, err
		}
		for i, n := range names {
			d.Cits[i].Name = n
		}
		body = body[h.CitNamesLen:]
	}
	if h.PlayerDataLen != 0 {
		if d.Players, err = parseNames("player", body[:h.PlayerDataLen], int(h.Players)); err != nil {
			return nil, err
		}
		body = body[h.PlayerDataLen:]
	}
	d.Rules = append([]byte(nil), body...)
	return d, nil
}
