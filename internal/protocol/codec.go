package protocol

import (
	"fmt"
	"io"
)

// NoLimit disables the byte budget of Codec.Encode.
const NoLimit = -1

// Codec converts between the Msg IR and one byte representation.
type Codec interface {
	// Encode appends whole messages from msgs to dst until the next one would
	// push the appended length past maxBytes. It returns the extended buffer
	// and the number of messages written. A message that fails Validate stops
	// encoding with an ErrBadField error; the messages before it stay written.
	Encode(dst []byte, msgs []Msg, maxBytes int) ([]byte, int, error)
	// Decode appends every complete message in src to out and reports how many
	// bytes it consumed. A trailing partial message is left unconsumed unless
	// atEOF is set, in which case it is an error.
	Decode(src []byte, out []Msg, atEOF bool) ([]Msg, int, error)
}

// WriteAll drains msgs through c in chunks of at most maxBytes, handing each
// chunk to emit. The chunk slice is reused between calls. It stops early with
// ErrTooLarge when a single message cannot fit the budget.
func WriteAll(c Codec, msgs []Msg, maxBytes int, scratch []byte, emit func(chunk []byte) error) (int, error) {
	done := 0
	for done < len(msgs) {
		out, n, err := c.Encode(scratch[:0], msgs[done:], maxBytes)
		scratch = out
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, fmt.Errorf("%w: %T with budget %d", ErrTooLarge, msgs[done], maxBytes)
		}
		if err := emit(out); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// EncodeAll encodes every message without a budget.
func EncodeAll(c Codec, dst []byte, msgs []Msg) ([]byte, error) {
	out, _, err := c.Encode(dst, msgs, NoLimit)
	return out, err
}

// DecodeAll decodes a complete buffer.
func DecodeAll(c Codec, src []byte, out []Msg) ([]Msg, error) {
	out, _, err := c.Decode(src, out, true)
	return out, err
}

const readChunk = 32 * 1024

// ReadAll decodes messages from r until EOF.
func ReadAll(c Codec, r io.Reader, out []Msg) ([]Msg, error) {
	buf := make([]byte, 0, readChunk)
	tmp := make([]byte, readChunk)
	for {
		n, rerr := r.Read(tmp)
		buf = append(buf, tmp[:n]...)
		atEOF := rerr == io.EOF
		if rerr != nil && !atEOF {
			return out, rerr
		}
		var (
			consumed int
			err      error
		)
		out, consumed, err = c.Decode(buf, out, atEOF)
		if err != nil {
			return out, err
		}
		if atEOF {
			return out, nil
		}
		buf = buf[:copy(buf, buf[consumed:])]
	}
}

// MultiSink receives the same bytes on behalf of several players at once.
type MultiSink interface {
	AppendBytes(mask PlayerMask, b []byte)
}

// PlayerBuffers is a MultiSink with one output buffer per player id. Index 0
// collects bytes addressed to no player (spectator-only output).
type PlayerBuffers [MaxPlayerID + 1][]byte

func (pb *PlayerBuffers) AppendBytes(mask PlayerMask, b []byte) {
	if mask.Empty() {
		pb[Neutral] = append(pb[Neutral], b...)
		return
	}
	for id := PlayerID(1); id <= MaxPlayerID; id++ {
		if mask.Has(id) {
			pb[id] = append(pb[id], b...)
		}
	}
}

// Reset empties every buffer, keeping allocations.
func (pb *PlayerBuffers) Reset() {
	for i := range pb {
		pb[i] = pb[i][:0]
	}
}

// EncodeTo encodes msgs once into scratch and appends the result to every
// buffer selected by mask. The returned slice is the scratch buffer for reuse.
// Nothing reaches the sink when a message is invalid.
func EncodeTo(c Codec, sink MultiSink, mask PlayerMask, msgs []Msg, scratch []byte) ([]byte, error) {
	scratch, err := EncodeAll(c, scratch[:0], msgs)
	if err != nil {
		return scratch[:0], err
	}
	sink.AppendBytes(mask, scratch)
	return scratch[:0], nil
}
