package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"testing/iotest"

	"tilewars.ai/internal/grid"
)

func TestCodecs_RoundTripEveryVariant(t *testing.T) {
	in := sampleMsgs()
	for _, c := range []Codec{Binary{}, Text{}} {
		b := encodeAll(t, c, nil, in)
		out, err := DecodeAll(c, b, nil)
		if err != nil {
			t.Fatalf("%T decode: %v", c, err)
		}
		if !equalMsgs(in, out) {
			t.Fatalf("%T round trip mismatch:\n in=%v\nout=%v", c, in, out)
		}
	}
}

func TestCodecs_RandomRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		in := randomMsgs(r, r.Intn(40))
		for _, c := range []Codec{Binary{}, Text{}} {
			out, err := DecodeAll(c, encodeAll(t, c, nil, in), nil)
			if err != nil {
				t.Fatalf("iter %d %T: %v", iter, c, err)
			}
			if !equalMsgs(in, out) {
				t.Fatalf("iter %d %T: mismatch", iter, c)
			}
		}
	}
}

func TestCodecs_BinaryTextBinaryIsByteExact(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for iter := 0; iter < 100; iter++ {
		bin := encodeAll(t, Binary{}, nil, randomMsgs(r, 30))

		msgs, err := DecodeAll(Binary{}, bin, nil)
		if err != nil {
			t.Fatalf("binary decode: %v", err)
		}
		asm := encodeAll(t, Text{}, nil, msgs)
		back, err := DecodeAll(Text{}, asm, nil)
		if err != nil {
			t.Fatalf("text decode: %v\n%s", err, asm)
		}
		if got := encodeAll(t, Binary{}, nil, back); !bytes.Equal(got, bin) {
			t.Fatalf("iter %d: binary bytes changed after text round trip", iter)
		}
	}
}

func TestEncode_RespectsBudget(t *testing.T) {
	in := sampleMsgs()
	for _, c := range []Codec{Binary{}, Text{}} {
		full := encodeAll(t, c, nil, in)
		for budget := 0; budget <= len(full); budget += 5 {
			out, n, err := c.Encode(nil, in, budget)
			if err != nil {
				t.Fatalf("%T budget %d: %v", c, budget, err)
			}
			if len(out) > budget {
				t.Fatalf("%T budget %d: wrote %d bytes", c, budget, len(out))
			}
			if !bytes.Equal(out, encodeAll(t, c, nil, in[:n])) {
				t.Fatalf("%T budget %d: partial message emitted", c, budget)
			}
		}
	}
}

func TestWriteAll_EmitsEveryMessageOnce(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	in := randomMsgs(r, 500)
	for _, c := range []Codec{Binary{}, Text{}} {
		const budget = 64
		var got []Msg
		n, err := WriteAll(c, in, budget, nil, func(chunk []byte) error {
			if len(chunk) > budget {
				t.Fatalf("%T chunk of %d bytes exceeds budget", c, len(chunk))
			}
			var derr error
			got, derr = DecodeAll(c, chunk, got)
			return derr
		})
		if err != nil {
			t.Fatalf("%T WriteAll: %v", c, err)
		}
		if n != len(in) || !equalMsgs(in, got) {
			t.Fatalf("%T: wrote %d/%d, decoded %d", c, n, len(in), len(got))
		}
	}
}

func TestWriteAll_StopsWhenMessageCannotFit(t *testing.T) {
	in := []Msg{Tremor{}, CitMoney{Cit: 1, Money: 5}, Tremor{}}
	calls := 0
	n, err := WriteAll(Binary{}, in, 3, nil, func([]byte) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want ErrTooLarge", err)
	}
	if n != 1 || calls != 1 {
		t.Fatalf("n=%d calls=%d", n, calls)
	}
}

func encodeAll(t *testing.T, c Codec, dst []byte, msgs []Msg) []byte {
	t.Helper()
	out, err := EncodeAll(c, dst, msgs)
	if err != nil {
		t.Fatalf("%T EncodeAll: %v", c, err)
	}
	return out
}

func TestEncode_RejectsUnrepresentableFields(t *testing.T) {
	cases := []Msg{
		Digit{Digit: 9},
		DigitCapture{Digit: MaxDigit + 1, Asterisk: true},
		Player{Plid: 200},
		Player{Plid: 1, Status: PlayerStatus(250)},
		TileOwner{Plid: MaxPlayerID + 1},
		CitProduce{Item: grid.Item(99)},
		StructureReveal{Kind: StructureKind(99)},
		nil,
	}
	for _, c := range []Codec{Binary{}, Text{}} {
		for _, bad := range cases {
			in := []Msg{Tremor{}, bad, Nop{}}
			out, n, err := c.Encode(nil, in, NoLimit)
			if !errors.Is(err, ErrBadField) {
				t.Fatalf("%T %#v: err=%v want ErrBadField", c, bad, err)
			}
			if n != 1 || !bytes.Equal(out, encodeAll(t, c, nil, in[:1])) {
				t.Fatalf("%T %#v: n=%d out=%q", c, bad, n, out)
			}
			if _, err := WriteAll(c, in, NoLimit, nil, func([]byte) error {
				t.Fatalf("%T %#v: chunk emitted", c, bad)
				return nil
			}); !errors.Is(err, ErrBadField) {
				t.Fatalf("%T %#v: WriteAll err=%v", c, bad, err)
			}
		}
	}
	var pb PlayerBuffers
	if _, err := EncodeTo(Binary{}, &pb, MaskAll, []Msg{Smoke{}, Digit{Digit: 8}}, nil); !errors.Is(err, ErrBadField) {
		t.Fatalf("EncodeTo err=%v", err)
	}
	for id := range pb {
		if len(pb[id]) != 0 {
			t.Fatalf("player %d received bytes from a rejected batch", id)
		}
	}
}

func TestReadAll_HandlesSplitReads(t *testing.T) {
	in := sampleMsgs()
	for _, c := range []Codec{Binary{}, Text{}} {
		b := encodeAll(t, c, nil, in)
		out, err := ReadAll(c, iotest.OneByteReader(bytes.NewReader(b)), nil)
		if err != nil {
			t.Fatalf("%T ReadAll: %v", c, err)
		}
		if !equalMsgs(in, out) {
			t.Fatalf("%T: mismatch", c)
		}
	}
}

func TestBinaryDecode_Errors(t *testing.T) {
	if _, err := DecodeAll(Binary{}, []byte{0x42}, nil); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("unknown op: %v", err)
	}
	if _, err := DecodeAll(Binary{}, []byte{byte(OpCitMoney), 1, 2}, nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("truncated: %v", err)
	}
	if _, err := DecodeAll(Binary{}, []byte{byte(OpPlayer), 1, 99}, nil); !errors.Is(err, ErrBadField) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := DecodeAll(Binary{}, []byte{byte(OpDigit), 0, 0, 0x18}, nil); !errors.Is(err, ErrBadField) {
		t.Fatalf("bad digit byte: %v", err)
	}

	out, consumed, err := Binary{}.Decode([]byte{byte(OpTremor), byte(OpCitMoney), 0}, nil, false)
	if err != nil || consumed != 1 || len(out) != 1 {
		t.Fatalf("partial: out=%v consumed=%d err=%v", out, consumed, err)
	}
}

func TestTextDecode_CommentsAndErrors(t *testing.T) {
	src := "; frame one\n\n  own 1,2 3 ; capture\nTREMOR\nNOP"
	out, err := DecodeAll(Text{}, []byte(src), nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []Msg{TileOwner{Pos: grid.Pos{X: 1, Y: 2}, Plid: 3}, Tremor{}, Nop{}}
	if !equalMsgs(out, want) {
		t.Fatalf("out=%v", out)
	}

	for _, bad := range []string{"BOOM 1,1\n", "OWN 1,1\n", "OWN 1,1 2 3\n", "DIGIT 0,0 9\n", "STRUCT 0,0 castle\n"} {
		_, err := DecodeAll(Text{}, []byte(bad), nil)
		if !errors.Is(err, ErrSyntax) && !errors.Is(err, ErrBadField) {
			t.Fatalf("%q: err=%v", bad, err)
		}
	}

	_, consumed, err := Text{}.Decode([]byte("TREMOR\nOWN 1,"), nil, false)
	if err != nil || consumed != len("TREMOR\n") {
		t.Fatalf("partial line: consumed=%d err=%v", consumed, err)
	}
}

func TestPlayerBuffers_AppendsToSelectedPlayers(t *testing.T) {
	var pb PlayerBuffers
	var scratch []byte
	for _, step := range []struct {
		mask PlayerMask
		msg  Msg
	}{{MaskOf(1, 3), Tremor{}}, {MaskNone, Smoke{}}, {MaskAll, Nop{}}} {
		var err error
		if scratch, err = EncodeTo(Binary{}, &pb, step.mask, []Msg{step.msg}, scratch); err != nil {
			t.Fatalf("EncodeTo: %v", err)
		}
	}

	tremor := []byte{byte(OpTremor)}
	smoke := encodeAll(t, Binary{}, nil, []Msg{Smoke{}})
	nop := []byte{byte(OpNop)}
	want := map[PlayerID][]byte{
		Neutral: smoke,
		1:       append(append([]byte{}, tremor...), nop...),
		2:       nop,
		3:       append(append([]byte{}, tremor...), nop...),
	}
	for id, w := range want {
		if !bytes.Equal(pb[id], w) {
			t.Fatalf("player %d: got %x want %x", id, pb[id], w)
		}
	}
	pb.Reset()
	for id := range pb {
		if len(pb[id]) != 0 {
			t.Fatalf("player %d not reset", id)
		}
	}
}

func TestPlayerMask(t *testing.T) {
	m := MaskOf(1, 4, 6)
	if !m.Has(4) || m.Has(2) || m.Has(Neutral) || m.Count() != 3 {
		t.Fatalf("mask=%08b", m)
	}
	if s := m.String(); s != "1,4,6" {
		t.Fatalf("String=%q", s)
	}
	for _, s := range []string{"none", "all", "1,4,6", "2"} {
		pm, err := ParseMask(s)
		if err != nil || pm.String() != s {
			t.Fatalf("ParseMask(%q)=%v,%v", s, pm, err)
		}
	}
	if _, err := ParseMask("0"); err == nil {
		t.Fatalf("expected error for player 0")
	}
	if MaskFirst(3) != MaskOf(1, 2, 3) {
		t.Fatalf("MaskFirst(3)=%08b", MaskFirst(3))
	}
}
