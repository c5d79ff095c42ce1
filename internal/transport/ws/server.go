package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/persistence/textio"
	"tilewars.ai/internal/protocol"
)

// Format is the encoding of frame payloads on the wire.
type Format string

const (
	FormatBinary Format = "binary"
	FormatText   Format = "text"
)

type Options struct {
	ReplayDir    string
	TickInterval time.Duration
	MaxClients   int
	SendQueue    int

	Registerer prometheus.Registerer
	// Journal receives one record per finished session when set.
	Journal *textio.Journal[SessionRecord]
	Logger  *log.Logger
}

// Server streams replay files to websocket clients at game pace.
type Server struct {
	opts    Options
	log     *log.Logger
	metrics *metrics

	upgrader websocket.Upgrader
	active   atomic.Int64
}

func NewServer(opts Options) *Server {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 256
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[ws] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		opts:    opts,
		log:     logger,
		metrics: newMetrics(opts.Registerer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// ReplayInfo is one entry of the listing endpoint.
type ReplayInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListHandler serves the replay files available for streaming.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		entries, err := os.ReadDir(s.opts.ReplayDir)
		if err != nil {
			http.Error(rw, "replay dir unavailable", http.StatusInternalServerError)
			return
		}
		out := []ReplayInfo{}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".twr") {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, ReplayInfo{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime().UTC()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(out)
	}
}

// StreamHandler upgrades to a websocket and plays one file. Query
// parameters: file (name in the replay dir), view (spectator, all, 1..6),
// format (binary, text) and speed (multiplier, 0 for no pacing).
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		view, err := ParseView(q.Get("view"))
		if err != nil {
			s.reject(rw, http.StatusBadRequest, "bad_view", err.Error())
			return
		}
		format := Format(q.Get("format"))
		if format == "" {
			format = FormatBinary
		}
		if format != FormatBinary && format != FormatText {
			s.reject(rw, http.StatusBadRequest, "bad_format", "format must be binary or text")
			return
		}
		speed := 1.0
		if v := q.Get("speed"); v != "" {
			if speed, err = strconv.ParseFloat(v, 64); err != nil || speed < 0 {
				s.reject(rw, http.StatusBadRequest, "bad_speed", "speed must be a non-negative number")
				return
			}
		}
		name := q.Get("file")
		path, ok := s.resolve(name)
		if !ok {
			s.reject(rw, http.StatusBadRequest, "bad_file", "file must name a replay in the replay dir")
			return
		}

		if s.active.Add(1) > int64(s.opts.MaxClients) {
			s.active.Add(-1)
			s.reject(rw, http.StatusServiceUnavailable, "busy", "server busy")
			return
		}
		defer s.active.Add(-1)

		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.reject(rw, http.StatusNotFound, "not_found", "no such replay")
				return
			}
			s.reject(rw, http.StatusInternalServerError, "open", err.Error())
			return
		}
		defer f.Close()

		is, fr, status, reason, err := openVerified(f)
		if err != nil {
			s.reject(rw, status, reason, err.Error())
			return
		}
		if !view.All && int(view.Player) > is.NumPlayers {
			s.reject(rw, http.StatusBadRequest, "bad_view", "player not in this replay")
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := &session{
			srv:    s,
			conn:   conn,
			id:     uuid.NewString(),
			file:   name,
			view:   view,
			format: format,
			speed:  speed,
			remote: r.RemoteAddr,
		}
		s.metrics.sessionsActive.Inc()
		defer s.metrics.sessionsActive.Dec()
		sess.run(context.Background(), is, fr)
	}
}

func openVerified(f *os.File) (*replayfile.ISData, *replayfile.FramesReader, int, string, error) {
	rf, err := replayfile.Open(f, nil)
	if err != nil {
		return nil, nil, http.StatusUnprocessableEntity, "corrupt", err
	}
	rep, err := rf.VerifyChecksums()
	if err != nil {
		return nil, nil, http.StatusUnprocessableEntity, "corrupt", err
	}
	if rep.Malformed() {
		return nil, nil, http.StatusUnprocessableEntity, "corrupt", rep.Err()
	}
	if !rep.OK() {
		return nil, nil, http.StatusUnprocessableEntity, "checksum", rep.Err()
	}
	is, fr, err := rf.ReadIS()
	if err != nil {
		return nil, nil, http.StatusUnprocessableEntity, "corrupt", err
	}
	return is, fr, 0, "", nil
}

// resolve maps a bare file name to a path inside the replay dir.
func (s *Server) resolve(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	return filepath.Join(s.opts.ReplayDir, name), true
}

func (s *Server) reject(rw http.ResponseWriter, code int, reason, msg string) {
	s.metrics.rejectedTotal.WithLabelValues(reason).Inc()
	http.Error(rw, msg, code)
}

// Active returns the number of sessions currently holding a slot.
func (s *Server) Active() int { return int(s.active.Load()) }

// Start is the first message of every session.
type Start struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id"`
	File       string   `json:"file"`
	View       string   `json:"view"`
	Format     Format   `json:"format"`
	Topology   string   `json:"topology"`
	MapSize    int      `json:"map_size"`
	NumPlayers int      `json:"num_players"`
	Players    []string `json:"players,omitempty"`
	Cits       int      `json:"cits"`
}

// End is the last message of a session that played to completion.
type End struct {
	Type   string `json:"type"`
	Frames int    `json:"frames"`
	Ticks  uint64 `json:"ticks"`
}

// Control is sent by clients: PAUSE, RESUME or SPEED with Speed set.
type Control struct {
	Type  string  `json:"type"`
	Speed float64 `json:"speed,omitempty"`
}

func startMsg(sess *session, is *replayfile.ISData) Start {
	return Start{
		Type:       "START",
		SessionID:  sess.id,
		File:       sess.file,
		View:       sess.view.String(),
		Format:     sess.format,
		Topology:   is.Map.Topology().String(),
		MapSize:    is.Map.Size(),
		NumPlayers: is.NumPlayers,
		Players:    is.Players,
		Cits:       len(is.Cits),
	}
}

// decodeText re-encodes a binary payload as assembly text lines.
func decodeText(dst, payload []byte, msgs []protocol.Msg) ([]byte, []protocol.Msg, error) {
	msgs, err := protocol.DecodeAll(protocol.Binary{}, payload, msgs[:0])
	if err != nil {
		return dst, msgs, err
	}
	dst, err = protocol.EncodeAll(protocol.Text{}, dst, msgs)
	return dst, msgs, err
}
