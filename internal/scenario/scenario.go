// Package scenario turns YAML scenario documents into init-sequence data.
//
// A document names the topology and size, a default fill kind, optional
// square-bounded rows of tile glyphs, per-tile overrides, cities with a
// region radius, players (named or anonymous) and the rules block:
//
//	topology: hex
//	size: 4
//	fill: regular
//	rows: [...]             # 2*size+1 rows of 2*size+1 glyphs, y ascending
//	tiles:
//	  - {pos: "0,0", kind: mountain, item: mine}
//	cities:
//	  - {name: Alfa, pos: "1,0", radius: 1}
//	players: [alice, bob]   # or anonymous_players: 2
//	rules_file: rules.bin   # or rules: inline text
//
// Row glyphs: '~' water, '.' regular, 'f' fertile, 't' forest, 'm' mountain,
// 'x' destroyed, 'o' foundation, ' ' keep fill. Glyphs outside the map
// radius are ignored.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"tilewars.ai/internal/grid"
	"tilewars.ai/internal/persistence/replayfile"
)

// ErrInvalid wraps schema and semantic validation failures.
var ErrInvalid = errors.New("invalid scenario")

//go:embed scenario.schema.json
var schemaJSON []byte

const schemaURL = "scenario.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

type Document struct {
	Name             string     `json:"name"`
	Topology         string     `json:"topology"`
	Size             int        `json:"size"`
	Fill             string     `json:"fill"`
	Rows             []string   `json:"rows"`
	Tiles            []TileSpec `json:"tiles"`
	Cities           []City     `json:"cities"`
	Players          []string   `json:"players"`
	AnonymousPlayers int        `json:"anonymous_players"`
	Rules            string     `json:"rules"`
	RulesFile        string     `json:"rules_file"`
}

type TileSpec struct {
	Pos  string `json:"pos"`
	Kind string `json:"kind"`
	Item string `json:"item"`
}

type City struct {
	Name   string `json:"name"`
	Pos    string `json:"pos"`
	Radius int    `json:"radius"`
}

var glyphs = map[byte]grid.Kind{
	'~': grid.Water,
	'.': grid.Regular,
	'f': grid.Fertile,
	't': grid.Forest,
	'm': grid.Mountain,
	'x': grid.Destroyed,
	'o': grid.Foundation,
}

// Parse decodes YAML and validates it against the scenario schema.
func Parse(r io.Reader) (*Document, error) {
	var raw any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	// The schema validator wants JSON values; YAML may carry timestamps
	// and integer keys.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile scenario schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &d, nil
}

// Load parses the document at path and builds it, resolving rules_file
// relative to the document.
func Load(path string) (*replayfile.ISData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	is, err := d.Build(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return is, nil
}

// Build produces the map, cities, players and rules described by d.
func (d *Document) Build(baseDir string) (*replayfile.ISData, error) {
	topo, err := grid.ParseTopology(d.Topology)
	if err != nil {
		return nil, invalid("%v", err)
	}
	m, err := grid.NewMap(topo, d.Size)
	if err != nil {
		return nil, invalid("%v", err)
	}
	fill := grid.Regular
	if d.Fill != "" {
		if fill, err = grid.ParseKind(d.Fill); err != nil {
			return nil, invalid("%v", err)
		}
	}
	m.Fill(grid.Tile{Kind: fill, Region: grid.NoRegion})

	if err := d.applyRows(m); err != nil {
		return nil, err
	}
	if err := d.applyTiles(m); err != nil {
		return nil, err
	}
	cits, err := d.placeCities(m)
	if err != nil {
		return nil, err
	}

	is := &replayfile.ISData{Map: m, Cits: cits}
	if d.AnonymousPlayers > 0 {
		is.NumPlayers = d.AnonymousPlayers
	} else {
		is.Players = append([]string{}, d.Players...)
		is.NumPlayers = len(d.Players)
	}

	switch {
	case d.RulesFile != "":
		p := d.RulesFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		if is.Rules, err = os.ReadFile(p); err != nil {
			return nil, fmt.Errorf("rules_file: %w", err)
		}
	case d.Rules != "":
		is.Rules = []byte(d.Rules)
	}
	return is, nil
}

func (d *Document) applyRows(m *grid.Map) error {
	if len(d.Rows) == 0 {
		return nil
	}
	side := 2*d.Size + 1
	if len(d.Rows) != side {
		return invalid("rows: got %d, want %d", len(d.Rows), side)
	}
	for i, row := range d.Rows {
		if len(row) != side {
			return invalid("rows[%d]: got %d glyphs, want %d", i, len(row), side)
		}
		for j := 0; j < side; j++ {
			k, ok := glyphs[row[j]]
			if !ok {
				continue
			}
			p := grid.Pos{X: int8(j - d.Size), Y: int8(i - d.Size)}
			t := m.Tile(p)
			t.Kind = k
			m.SetTile(p, t)
		}
	}
	return nil
}

func (d *Document) applyTiles(m *grid.Map) error {
	for i, ts := range d.Tiles {
		p, err := d.pos(m, ts.Pos)
		if err != nil {
			return invalid("tiles[%d]: %v", i, err)
		}
		t := m.Tile(p)
		if ts.Kind != "" {
			if t.Kind, err = grid.ParseKind(ts.Kind); err != nil {
				return invalid("tiles[%d]: %v", i, err)
			}
		}
		if ts.Item != "" {
			if t.Item, err = grid.ParseItem(ts.Item); err != nil {
				return invalid("tiles[%d]: %v", i, err)
			}
		}
		m.SetTile(p, t)
	}
	return nil
}

// placeCities assigns every tile within a city's radius to the nearest
// such city, lower index first on ties.
func (d *Document) placeCities(m *grid.Map) ([]replayfile.Cit, error) {
	cits := make([]replayfile.Cit, len(d.Cities))
	seen := make(map[grid.Pos]int, len(d.Cities))
	for i, c := range d.Cities {
		p, err := d.pos(m, c.Pos)
		if err != nil {
			return nil, invalid("cities[%d]: %v", i, err)
		}
		if j, dup := seen[p]; dup {
			return nil, invalid("cities[%d]: position %s already used by cities[%d]", i, p, j)
		}
		seen[p] = i
		cits[i] = replayfile.Cit{Pos: p, Name: c.Name}
	}

	topo := m.Topology()
	grid.Walk(topo, m.Size(), func(p grid.Pos) bool {
		best, bestDist := -1, 0
		for i, c := range cits {
			dd := grid.Between(topo, c.Pos, p)
			if dd > d.Cities[i].Radius {
				continue
			}
			if best < 0 || dd < bestDist {
				best, bestDist = i, dd
			}
		}
		if best >= 0 {
			t := m.Tile(p)
			t.Region = uint8(best)
			m.SetTile(p, t)
		}
		return true
	})
	return cits, nil
}

func (d *Document) pos(m *grid.Map, s string) (grid.Pos, error) {
	p, err := grid.ParsePos(s)
	if err != nil {
		return p, err
	}
	if !m.Contains(p) {
		return p, fmt.Errorf("position %s outside %s map of size %d", p, m.Topology(), m.Size())
	}
	return p, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
