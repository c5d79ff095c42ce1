// Command watch connects to a replay stream and prints what it receives.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"tilewars.ai/internal/protocol"
	"tilewars.ai/internal/transport/ws"
)

func main() {
	var (
		addr  = flag.String("url", "ws://localhost:8080/v1/replays/stream", "stream url")
		file  = flag.String("file", "", "replay name in the server's replay dir")
		view  = flag.String("view", "spectator", "spectator, all or a player id")
		speed = flag.String("speed", "1", "playback speed multiplier, 0 for no pacing")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	u, err := url.Parse(*addr)
	if err != nil {
		logger.Fatalf("url: %v", err)
	}
	q := u.Query()
	q.Set("file", *file)
	q.Set("view", *view)
	q.Set("speed", *speed)
	q.Set("format", string(ws.FormatBinary))
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			logger.Fatalf("dial: %v (%s: %s)", err, resp.Status, body)
		}
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	if err := watch(conn, os.Stdout, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

// watch prints every frame until the server ends the session.
func watch(conn *websocket.Conn, out io.Writer, logger *log.Logger) error {
	var (
		msgs []protocol.Msg
		line []byte
	)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if kind == websocket.TextMessage {
			var base struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &base); err != nil {
				continue
			}
			switch base.Type {
			case "START":
				var s ws.Start
				if err := json.Unmarshal(data, &s); err == nil {
					logger.Printf("START session=%s file=%s view=%s %s size=%d players=%d", s.SessionID, s.File, s.View, s.Topology, s.MapSize, s.NumPlayers)
				}
			case "END":
				var e ws.End
				if err := json.Unmarshal(data, &e); err == nil {
					logger.Printf("END frames=%d ticks=%d", e.Frames, e.Ticks)
				}
				return nil
			}
			continue
		}
		if len(data) < 8 {
			return fmt.Errorf("short frame of %d bytes", len(data))
		}
		tick := binary.BigEndian.Uint64(data[:8])
		msgs, err = protocol.DecodeAll(protocol.Binary{}, data[8:], msgs[:0])
		if err != nil {
			return fmt.Errorf("tick %d: %w", tick, err)
		}
		fmt.Fprintf(out, "TICK %d\n", tick)
		for _, m := range msgs {
			line = protocol.AppendText(line[:0], m)
			_, _ = out.Write(line)
		}
	}
}
