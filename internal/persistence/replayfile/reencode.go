package replayfile

import (
	"errors"
	"io"

	"tilewars.ai/internal/protocol"
)

type ReencodeOptions struct {
	CompressMap    bool
	CompressFrames bool
	// Optimize canonicalizes every payload with protocol.Optimize.
	Optimize  bool
	Anonymize bool
}

type ReencodeStats struct {
	Frames   int
	Payloads int
	MsgsIn   int
	MsgsOut  int
}

// Reencode reads a file from src and writes it again through w. A source
// whose checksums do not verify is refused.
func Reencode(w *Writer, src io.Reader, opts ReencodeOptions) (ReencodeStats, error) {
	var st ReencodeStats
	f, err := Open(src, nil)
	if err != nil {
		return st, err
	}
	rep, err := f.VerifyChecksums()
	if err != nil {
		return st, err
	}
	if !rep.OK() {
		return st, rep.Err()
	}
	d, fr, err := f.ReadIS()
	if err != nil {
		return st, err
	}
	if opts.Anonymize {
		d.Players = nil
	}
	his, err := WriteIS(w, d, opts.CompressMap)
	if err != nil {
		return st, err
	}
	fe, err := his.StartFrames(opts.CompressFrames)
	if err != nil {
		return st, err
	}
	out := frameChain{empty: fe}

	var (
		buf  []byte
		msgs []protocol.Msg
		pb   protocol.PlayerBuffers
	)
	optimize := func(payload []byte) ([]protocol.Msg, error) {
		var err error
		msgs, err = protocol.DecodeAll(protocol.Binary{}, payload, msgs[:0])
		if err != nil {
			return nil, &SectionError{Section: SectionFrames, Err: err}
		}
		st.Payloads++
		st.MsgsIn += len(msgs)
		msgs, _ = protocol.Optimize(msgs)
		st.MsgsOut += len(msgs)
		return msgs, nil
	}

	for {
		fm, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, err
		}
		st.Frames++
		h := fm.Header
		switch {
		case !opts.Optimize:
			buf = fm.AppendTo(buf[:0])
			err = out.raw(buf)
		case !h.Heterogeneous:
			var ms []protocol.Msg
			if ms, err = optimize(fm.Body); err == nil {
				err = out.msgs(h.Delta, h.Players, ms)
			}
		default:
			pb.Reset()
			fm.eachRecord(func(p protocol.PlayerID, b []byte) {
				if err != nil {
					return
				}
				var ms []protocol.Msg
				if ms, err = optimize(b); err == nil {
					pb[p], err = protocol.EncodeAll(protocol.Binary{}, pb[p], ms)
				}
			})
			if err == nil {
				err = out.hetero(h.Delta, h.Players, &pb)
			}
		}
		if err != nil {
			return st, err
		}
	}
	done, err := out.finish()
	if err != nil {
		return st, err
	}
	return st, done.Finish()
}

// frameChain drives the frame steps without the caller tracking which
// state handle is current.
type frameChain struct {
	empty *FramesEmpty
	data  *FramesHasData
}

func (c *frameChain) raw(b []byte) error {
	if c.data != nil {
		return c.data.AppendRaw(b)
	}
	var err error
	c.data, err = c.empty.AppendRaw(b)
	return err
}

func (c *frameChain) msgs(delta uint16, mask protocol.PlayerMask, msgs []protocol.Msg) error {
	if c.data != nil {
		return c.data.AppendMsgs(delta, mask, msgs)
	}
	var err error
	c.data, err = c.empty.AppendMsgs(delta, mask, msgs)
	return err
}

func (c *frameChain) hetero(delta uint16, mask protocol.PlayerMask, pb *protocol.PlayerBuffers) error {
	if c.data != nil {
		return c.data.AppendHetero(delta, mask, pb)
	}
	var err error
	c.data, err = c.empty.AppendHetero(delta, mask, pb)
	return err
}

func (c *frameChain) finish() (*FileHasFrames, error) {
	if c.data != nil {
		return c.data.FinishFrames()
	}
	return c.empty.FinishFrames()
}
