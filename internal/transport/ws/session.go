package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/protocol"
)

// SessionRecord is journaled when a session ends.
type SessionRecord struct {
	ID      string    `json:"id"`
	File    string    `json:"file"`
	View    string    `json:"view"`
	Format  Format    `json:"format"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	Frames  int       `json:"frames"`
	Ticks   uint64    `json:"ticks"`
	Bytes   int64     `json:"bytes"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}

const (
	outcomeCompleted    = "completed"
	outcomeClientClosed = "client_closed"
	outcomeError        = "error"
)

type outMsg struct {
	kind int
	b    []byte
}

type session struct {
	srv    *Server
	conn   *websocket.Conn
	id     string
	file   string
	view   View
	format Format
	speed  float64
	paused bool
	remote string

	frames int
	ticks  uint64
	bytes  int64
}

func (s *session) run(parent context.Context, is *replayfile.ISData, fr *replayfile.FramesReader) {
	started := time.Now()
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	out := make(chan outMsg, s.srv.opts.SendQueue)
	ctrl := make(chan Control, 8)
	var clientClosed atomic.Bool
	var writeErr error

	// Writer goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for m := range out {
			_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(m.kind, m.b); err != nil {
				writeErr = err
				cancel()
				for range out {
				}
				return
			}
		}
	}()

	// Reader loop: control messages until the client goes away.
	go func() {
		for {
			_, msg, err := s.conn.ReadMessage()
			if err != nil {
				clientClosed.Store(true)
				cancel()
				return
			}
			var c Control
			if err := json.Unmarshal(msg, &c); err != nil {
				continue
			}
			select {
			case ctrl <- c:
			default:
			}
		}
	}()

	err := s.play(ctx, is, fr, out, ctrl)
	close(out)
	wg.Wait()
	if err == nil {
		err = writeErr
	}

	outcome := outcomeCompleted
	switch {
	case err == nil:
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of replay"), time.Now().Add(time.Second))
	case clientClosed.Load():
		outcome = outcomeClientClosed
	default:
		outcome = outcomeError
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "replay error"), time.Now().Add(time.Second))
	}

	ended := time.Now()
	m := s.srv.metrics
	m.sessionsTotal.WithLabelValues(viewLabel(s.view), outcome).Inc()
	m.sessionSeconds.Observe(ended.Sub(started).Seconds())

	rec := SessionRecord{
		ID:      s.id,
		File:    s.file,
		View:    s.view.String(),
		Format:  s.format,
		Remote:  s.remote,
		Started: started.UTC(),
		Ended:   ended.UTC(),
		Frames:  s.frames,
		Ticks:   s.ticks,
		Bytes:   s.bytes,
		Outcome: outcome,
	}
	if err != nil && outcome == outcomeError {
		rec.Error = err.Error()
	}
	if j := s.srv.opts.Journal; j != nil {
		if jerr := j.Append(rec); jerr != nil {
			s.srv.log.Printf("session journal append failed: %v", jerr)
		}
	}
	s.srv.log.Printf("session id=%s file=%s view=%s format=%s outcome=%s frames=%d ticks=%d bytes=%d err=%s",
		s.id, s.file, rec.View, s.format, outcome, s.frames, s.ticks, s.bytes, rec.Error)
}

func viewLabel(v View) string {
	if v.All || v.Player == protocol.Neutral {
		return v.String()
	}
	return "player"
}

func (s *session) play(ctx context.Context, is *replayfile.ISData, fr *replayfile.FramesReader, out chan<- outMsg, ctrl <-chan Control) error {
	b, err := json.Marshal(startMsg(s, is))
	if err != nil {
		return err
	}
	if err := send(ctx, out, outMsg{kind: websocket.TextMessage, b: b}); err != nil {
		return err
	}

	var (
		tick    uint64
		scratch []byte
		text    []byte
		msgs    []protocol.Msg
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := s.wait(ctx, ctrl, f.Header.Delta); err != nil {
			return err
		}
		tick += uint64(f.Header.Delta)
		s.ticks = tick

		payload, ok := s.view.extract(f, scratch)
		if s.view.All {
			scratch = payload
		}
		if !ok || len(payload) == 0 {
			continue
		}

		var m outMsg
		switch s.format {
		case FormatText:
			text, msgs, err = decodeText(text[:0], payload, msgs)
			if err != nil {
				return err
			}
			buf := make([]byte, 0, 24+len(text))
			buf = append(buf, "TICK "...)
			buf = strconv.AppendUint(buf, tick, 10)
			buf = append(buf, '\n')
			m = outMsg{kind: websocket.TextMessage, b: append(buf, text...)}
		default:
			buf := make([]byte, 8, 8+len(payload))
			binary.BigEndian.PutUint64(buf, tick)
			m = outMsg{kind: websocket.BinaryMessage, b: append(buf, payload...)}
		}
		if err := send(ctx, out, m); err != nil {
			return err
		}
		s.frames++
		s.bytes += int64(len(m.b))
		s.srv.metrics.framesSent.Inc()
		s.srv.metrics.bytesSent.Add(float64(len(m.b)))
	}

	b, err = json.Marshal(End{Type: "END", Frames: s.frames, Ticks: tick})
	if err != nil {
		return err
	}
	return send(ctx, out, outMsg{kind: websocket.TextMessage, b: b})
}

func send(ctx context.Context, out chan<- outMsg, m outMsg) error {
	select {
	case out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pace is the wall-clock length of delta ticks at the current speed.
func (s *session) pace(delta uint16) time.Duration {
	if s.speed <= 0 || delta == 0 {
		return 0
	}
	return time.Duration(float64(delta) * float64(s.srv.opts.TickInterval) / s.speed)
}

func (s *session) apply(c Control) {
	switch strings.ToUpper(c.Type) {
	case "PAUSE":
		s.paused = true
	case "RESUME":
		s.paused = false
	case "SPEED":
		if c.Speed >= 0 {
			s.speed = c.Speed
		}
	}
}

// wait sleeps until the frame is due, handling control messages meanwhile.
// Resuming restarts the frame's delay.
func (s *session) wait(ctx context.Context, ctrl <-chan Control, delta uint16) error {
	deadline := time.Now().Add(s.pace(delta))
	for {
		var timer *time.Timer
		var due <-chan time.Time
		if !s.paused {
			d := time.Until(deadline)
			if d <= 0 {
				select {
				case c := <-ctrl:
					s.apply(c)
					continue
				default:
					return nil
				}
			}
			timer = time.NewTimer(d)
			due = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case c := <-ctrl:
			stopTimer(timer)
			wasPaused := s.paused
			s.apply(c)
			if wasPaused && !s.paused {
				deadline = time.Now().Add(s.pace(delta))
			}
		case <-due:
			return nil
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
