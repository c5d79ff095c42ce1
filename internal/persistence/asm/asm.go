// Package asm converts the frame section of a replay file to and from its
// assembly text form.
//
// A frame starts with a directive line:
//
//	FRAME  <delta> <mask>   shared payload for every player in mask
//	FRAMEH <delta> <mask>   one payload per player, each opened by FOR <plid>
//
// Every other non-blank line is one message in protocol text syntax.
// Comments start with ';'.
package asm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/protocol"
)

var ErrSyntax = errors.New("asm: syntax error")

const (
	dirFrame   = "FRAME"
	dirFrameH  = "FRAMEH"
	dirFor     = "FOR"
	maxLineLen = 1 << 20
)

// Disassemble writes every remaining frame of fr as assembly text.
func Disassemble(w io.Writer, fr *replayfile.FramesReader) error {
	bw := bufio.NewWriter(w)
	var (
		line []byte
		msgs []protocol.Msg
	)
	emit := func(body []byte) error {
		var err error
		if msgs, err = protocol.DecodeAll(protocol.Binary{}, body, msgs[:0]); err != nil {
			return err
		}
		for _, m := range msgs {
			line = protocol.AppendText(line[:0], m)
			if _, err := bw.Write(line); err != nil {
				return err
			}
		}
		return nil
	}
	for n := 0; ; n++ {
		f, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		h := f.Header
		if !h.Heterogeneous {
			fmt.Fprintf(bw, "%s %d %s\n", dirFrame, h.Delta, h.Players)
			if err := emit(f.Body); err != nil {
				return fmt.Errorf("frame %d: %w", n, err)
			}
			continue
		}
		fmt.Fprintf(bw, "%s %d %s\n", dirFrameH, h.Delta, h.Players)
		for _, p := range h.Players.Players() {
			body, _ := f.Payload(p)
			fmt.Fprintf(bw, "%s %d\n", dirFor, p)
			if err := emit(body); err != nil {
				return fmt.Errorf("frame %d player %d: %w", n, p, err)
			}
		}
	}
	return bw.Flush()
}

// frame is the frame being assembled.
type frame struct {
	open    bool
	delta   uint16
	mask    protocol.PlayerMask
	hetero  bool
	player  protocol.PlayerID
	msgs    []protocol.Msg
	perPlid [protocol.MaxPlayerID + 1][]protocol.Msg
}

// Assemble parses assembly text from r and appends the frames to fe. The
// returned handle finishes the file.
func Assemble(r io.Reader, fe *replayfile.FramesEmpty) (*replayfile.FileHasFrames, error) {
	out := &appender{empty: fe}
	var (
		cur     frame
		scratch []byte
		pb      protocol.PlayerBuffers
	)
	flush := func() error {
		if !cur.open {
			return nil
		}
		if !cur.hetero {
			return out.msgs(cur.delta, cur.mask, cur.msgs)
		}
		pb.Reset()
		for _, p := range cur.mask.Players() {
			var err error
			if scratch, err = protocol.EncodeAll(protocol.Binary{}, scratch[:0], cur.perPlid[p]); err != nil {
				return err
			}
			pb[p] = append(pb[p], scratch...)
		}
		return out.hetero(cur.delta, cur.mask, &pb)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLen)
	for n := 1; sc.Scan(); n++ {
		text := sc.Text()
		if k := strings.IndexByte(text, ';'); k >= 0 {
			text = text[:k]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		switch dir := strings.ToUpper(fields[0]); dir {
		case dirFrame, dirFrameH:
			if err := flush(); err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			delta, mask, err := parseFrameDirective(fields)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			if dir == dirFrameH && mask.Empty() {
				return nil, fmt.Errorf("line %d: %w: %s needs at least one player", n, ErrSyntax, dirFrameH)
			}
			cur = frame{open: true, delta: delta, mask: mask, hetero: dir == dirFrameH, msgs: cur.msgs[:0]}
		case dirFor:
			p, err := parseFor(fields, cur)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			cur.player = p
		default:
			m, err := protocol.ParseLine(text)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			switch {
			case !cur.open:
				return nil, fmt.Errorf("line %d: %w: message before the first frame", n, ErrSyntax)
			case cur.hetero && cur.player == protocol.Neutral:
				return nil, fmt.Errorf("line %d: %w: message before %s in %s", n, ErrSyntax, dirFor, dirFrameH)
			case cur.hetero:
				cur.perPlid[cur.player] = append(cur.perPlid[cur.player], m)
			default:
				cur.msgs = append(cur.msgs, m)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out.finish()
}

func parseFrameDirective(f []string) (uint16, protocol.PlayerMask, error) {
	if len(f) != 3 {
		return 0, 0, fmt.Errorf("%w: %s wants <delta> <mask>", ErrSyntax, f[0])
	}
	d, err := strconv.ParseUint(f[1], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad delta %q", ErrSyntax, f[1])
	}
	mask, err := protocol.ParseMask(f[2])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return uint16(d), mask, nil
}

func parseFor(f []string, cur frame) (protocol.PlayerID, error) {
	if !cur.open || !cur.hetero {
		return 0, fmt.Errorf("%w: %s outside %s", ErrSyntax, dirFor, dirFrameH)
	}
	if len(f) != 2 {
		return 0, fmt.Errorf("%w: %s wants <plid>", ErrSyntax, dirFor)
	}
	v, err := strconv.ParseUint(f[1], 10, 8)
	if err != nil || !cur.mask.Has(protocol.PlayerID(v)) {
		return 0, fmt.Errorf("%w: player %q not selected by frame mask %s", ErrSyntax, f[1], cur.mask)
	}
	return protocol.PlayerID(v), nil
}

// appender moves the frame writer from its empty to its data state on the
// first frame.
type appender struct {
	empty *replayfile.FramesEmpty
	data  *replayfile.FramesHasData
}

func (a *appender) msgs(delta uint16, mask protocol.PlayerMask, msgs []protocol.Msg) error {
	if a.data != nil {
		return a.data.AppendMsgs(delta, mask, msgs)
	}
	var err error
	a.data, err = a.empty.AppendMsgs(delta, mask, msgs)
	return err
}

func (a *appender) hetero(delta uint16, mask protocol.PlayerMask, pb *protocol.PlayerBuffers) error {
	if a.data != nil {
		return a.data.AppendHetero(delta, mask, pb)
	}
	var err error
	a.data, err = a.empty.AppendHetero(delta, mask, pb)
	return err
}

func (a *appender) finish() (*replayfile.FileHasFrames, error) {
	if a.data != nil {
		return a.data.FinishFrames()
	}
	return a.empty.FinishFrames()
}
