package asm

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"tilewars.ai/internal/grid"
	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/protocol"
)

func encodeMsgs(t *testing.T, msgs []protocol.Msg) []byte {
	t.Helper()
	b, err := protocol.EncodeAll(protocol.Binary{}, nil, msgs)
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	return b
}

func testIS(t *testing.T) *replayfile.ISData {
	t.Helper()
	m, err := grid.NewMap(grid.Hex, 4)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	m.Fill(grid.Tile{Kind: grid.Regular, Region: grid.NoRegion})
	return &replayfile.ISData{
		Map:        m,
		Cits:       []replayfile.Cit{{Pos: grid.Pos{X: 1, Y: 1}, Name: "Alfa"}},
		Players:    []string{"a", "b", "c"},
		NumPlayers: 3,
	}
}

func startFrames(t *testing.T, w io.Writer) *replayfile.FramesEmpty {
	t.Helper()
	is, err := replayfile.WriteIS(replayfile.NewWriter(w, nil), testIS(t), true)
	if err != nil {
		t.Fatalf("WriteIS: %v", err)
	}
	fe, err := is.StartFrames(true)
	if err != nil {
		t.Fatalf("StartFrames: %v", err)
	}
	return fe
}

func sourceFile(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	fe := startFrames(t, &buf)
	fd, err := fe.AppendMsgs(1, protocol.MaskAll, []protocol.Msg{
		protocol.Player{Plid: 1, Status: protocol.StatusAlive},
		protocol.TileOwner{Pos: grid.Pos{X: -1, Y: 2}, Plid: 1},
		protocol.Digit{Pos: grid.Pos{X: 0, Y: 1}, Digit: 3, Asterisk: true},
	})
	if err != nil {
		t.Fatalf("AppendMsgs: %v", err)
	}
	if err := fd.AppendMsgs(0, protocol.MaskNone, []protocol.Msg{protocol.Tremor{}}); err != nil {
		t.Fatalf("spectator frame: %v", err)
	}
	if err := fd.AppendMsgs(5, protocol.MaskOf(2), nil); err != nil {
		t.Fatalf("empty frame: %v", err)
	}
	var pb protocol.PlayerBuffers
	pb[1] = encodeMsgs(t, []protocol.Msg{protocol.ItemReveal{Pos: grid.Pos{}, Item: grid.Mine}})
	pb[3] = encodeMsgs(t, []protocol.Msg{protocol.CitMoney{Cit: 0, Money: 70}, protocol.Nop{}})
	if err := fd.AppendHetero(65535, protocol.MaskOf(1, 2, 3), &pb); err != nil {
		t.Fatalf("AppendHetero: %v", err)
	}
	done, err := fd.FinishFrames()
	if err != nil {
		t.Fatalf("FinishFrames: %v", err)
	}
	if err := done.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes()
}

func framesOf(t *testing.T, b []byte) *replayfile.FramesReader {
	t.Helper()
	f, err := replayfile.Open(bytes.NewReader(b), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, fr, err := f.ReadIS()
	if err != nil {
		t.Fatalf("ReadIS: %v", err)
	}
	return fr
}

func TestDisassembleAssemble_RoundTrip(t *testing.T) {
	src := sourceFile(t)
	var text bytes.Buffer
	if err := Disassemble(&text, framesOf(t, src)); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	for _, want := range []string{"FRAME 1 all\n", "FRAME 0 none\n", "FRAME 5 2\n", "FRAMEH 65535 1,2,3\n", "FOR 2\n", "DIGIT 0,1 3*\n"} {
		if !strings.Contains(text.String(), want) {
			t.Fatalf("disassembly lacks %q:\n%s", want, text.String())
		}
	}

	var out bytes.Buffer
	done, err := Assemble(strings.NewReader(text.String()), startFrames(t, &out))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if err := done.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	want, err := framesOf(t, src).Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	got, err := framesOf(t, out.Bytes()).Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reassembled frames differ:\n got %x\nwant %x", got, want)
	}
}

func TestAssemble_CommentsAndCase(t *testing.T) {
	text := `
; header comment
frame 2 1,3   ; trailing comment
  own 1,1 3

FrameH 0 2
for 2
smoke 0,0
`
	var out bytes.Buffer
	done, err := Assemble(strings.NewReader(text), startFrames(t, &out))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if err := done.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	fr := framesOf(t, out.Bytes())
	f, err := fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Header.Delta != 2 || f.Header.Players != protocol.MaskOf(1, 3) {
		t.Fatalf("first frame header %+v", f.Header)
	}
	f, err = fr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	p, ok := f.Payload(2)
	if !f.Header.Heterogeneous || !ok || !bytes.Equal(p, []byte{byte(protocol.OpSmoke), 0, 0}) {
		t.Fatalf("second frame %+v payload %x", f.Header, p)
	}
	if _, err := fr.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestAssemble_Errors(t *testing.T) {
	cases := map[string]string{
		"msg-before-frame": "OWN 1,1 2\n",
		"bad-delta":        "FRAME 70000 all\n",
		"bad-mask":         "FRAME 1 9\n",
		"missing-args":     "FRAME 1\n",
		"for-outside":      "FRAME 1 all\nFOR 1\n",
		"for-unselected":   "FRAMEH 1 1,2\nFOR 3\n",
		"msg-before-for":   "FRAMEH 1 1\nTREMOR\n",
		"empty-hetero":     "FRAMEH 1 none\n",
	}
	for name, text := range cases {
		var out bytes.Buffer
		if _, err := Assemble(strings.NewReader(text), startFrames(t, &out)); !errors.Is(err, ErrSyntax) {
			t.Fatalf("%s: got %v, want ErrSyntax", name, err)
		}
	}
	var out bytes.Buffer
	if _, err := Assemble(strings.NewReader("FRAME 1 all\nBOGUS 1\n"), startFrames(t, &out)); !errors.Is(err, protocol.ErrSyntax) {
		t.Fatalf("unknown tag: %v", err)
	}
}
