package scenario

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tilewars.ai/internal/grid"
	"tilewars.ai/internal/persistence/replayfile"
)

const hexDoc = `
name: skirmish
topology: hex
size: 2
fill: regular
rows:
  - "~~~~~"
  - "~~.ff"
  - "mm   "
  - "tt.~~"
  - "~~~~~"
tiles:
  - {pos: "0,0", kind: foundation, item: mine}
cities:
  - {name: Alfa, pos: "-1,0", radius: 1}
  - {name: Bravo, pos: "1,0", radius: 1}
players: [alice, bob]
rules: "turns=40"
`

func TestParseBuild_HexScenario(t *testing.T) {
	d, err := Parse(strings.NewReader(hexDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	is, err := d.Build(t.TempDir())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	m := is.Map
	if m.Topology() != grid.Hex || m.Size() != 2 {
		t.Fatalf("map %s/%d", m.Topology(), m.Size())
	}
	if got := m.Tile(grid.Pos{}); got.Kind != grid.Foundation || got.Item != grid.Mine {
		t.Fatalf("origin tile=%+v", got)
	}
	// rows[2] is y=0: "mm   " puts mountain at x=-2,-1 and keeps fill elsewhere.
	if got := m.Tile(grid.Pos{X: -2, Y: 0}).Kind; got != grid.Mountain {
		t.Fatalf("(-2,0) kind=%s", got)
	}
	if got := m.Tile(grid.Pos{X: 2, Y: 0}).Kind; got != grid.Regular {
		t.Fatalf("(2,0) kind=%s", got)
	}
	if got := m.Tile(grid.Pos{X: 2, Y: -1}).Kind; got != grid.Fertile {
		t.Fatalf("(2,-1) kind=%s", got)
	}

	// Origin is at distance 1 from both cities; the lower index wins.
	if got := m.Tile(grid.Pos{}).Region; got != 0 {
		t.Fatalf("origin region=%d want 0", got)
	}
	if got := m.Tile(grid.Pos{X: 2, Y: -1}).Region; got != 1 {
		t.Fatalf("(2,-1) region=%d want 1", got)
	}
	if got := m.Tile(grid.Pos{X: 0, Y: -2}).Region; got != grid.NoRegion {
		t.Fatalf("(0,-2) region=%d want none", got)
	}

	if len(is.Cits) != 2 || is.Cits[1].Name != "Bravo" || is.Cits[1].Pos != (grid.Pos{X: 1, Y: 0}) {
		t.Fatalf("cits=%+v", is.Cits)
	}
	if is.NumPlayers != 2 || is.Players[0] != "alice" || string(is.Rules) != "turns=40" {
		t.Fatalf("players=%v rules=%q", is.Players, is.Rules)
	}
}

func TestLoad_WritesReadableFile(t *testing.T) {
	dir := t.TempDir()
	rules := []byte{0x00, 0x01, 0xFE}
	if err := os.WriteFile(filepath.Join(dir, "rules.bin"), rules, 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	doc := `
topology: sq8
size: 3
fill: fertile
cities:
  - {pos: "0,0", radius: 3}
anonymous_players: 3
rules_file: rules.bin
`
	path := filepath.Join(dir, "s.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	is, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !is.Anonymized() || is.NumPlayers != 3 || !bytes.Equal(is.Rules, rules) {
		t.Fatalf("is players=%v n=%d rules=%x", is.Players, is.NumPlayers, is.Rules)
	}

	var buf bytes.Buffer
	h, err := replayfile.WriteIS(replayfile.NewWriter(&buf, nil), is, true)
	if err != nil {
		t.Fatalf("WriteIS: %v", err)
	}
	if err := h.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	f, err := replayfile.Open(bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _, err := f.ReadIS()
	if err != nil {
		t.Fatalf("ReadIS: %v", err)
	}
	if !got.Map.Equal(is.Map) || got.NumPlayers != 3 || !got.Anonymized() || !bytes.Equal(got.Rules, rules) {
		t.Fatalf("read back mismatch: %+v", got)
	}
}

func TestParse_SchemaErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"bad topology":   "topology: tri\nsize: 1\ncities: [{pos: \"0,0\"}]\nplayers: [a]\n",
		"size too large": "topology: hex\nsize: 126\ncities: [{pos: \"0,0\"}]\nplayers: [a]\n",
		"no cities":      "topology: hex\nsize: 1\ncities: []\nplayers: [a]\n",
		"both players":   "topology: hex\nsize: 1\ncities: [{pos: \"0,0\"}]\nplayers: [a]\nanonymous_players: 1\n",
		"no players":     "topology: hex\nsize: 1\ncities: [{pos: \"0,0\"}]\n",
		"unknown field":  "topology: hex\nsize: 1\ncities: [{pos: \"0,0\"}]\nplayers: [a]\nseed: 4\n",
		"bad glyph":      "topology: hex\nsize: 0\nrows: [\"#\"]\ncities: [{pos: \"0,0\"}]\nplayers: [a]\n",
		"not yaml":       "topology: [hex\n",
	}
	for name, doc := range cases {
		if _, err := Parse(strings.NewReader(doc)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: err=%v want ErrInvalid", name, err)
		}
	}
}

func TestBuild_SemanticErrors(t *testing.T) {
	cases := map[string]string{
		"city outside map": "topology: sq4\nsize: 1\ncities: [{pos: \"2,0\"}]\nplayers: [a]\n",
		"duplicate city":   "topology: sq4\nsize: 1\ncities: [{pos: \"0,0\"}, {pos: \"0,0\"}]\nplayers: [a]\n",
		"short rows":       "topology: sq4\nsize: 1\nrows: [\"...\"]\ncities: [{pos: \"0,0\"}]\nplayers: [a]\n",
		"tile outside":     "topology: hex\nsize: 1\ntiles: [{pos: \"1,1\", kind: water}]\ncities: [{pos: \"0,0\"}]\nplayers: [a]\n",
	}
	for name, doc := range cases {
		d, err := Parse(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("%s: Parse: %v", name, err)
		}
		if _, err := d.Build(t.TempDir()); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: err=%v want ErrInvalid", name, err)
		}
	}
}
