package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
)

const (
	FrameSnapshot = "snapshot"
	FrameChange   = "change"

	subscribeBuffer = 64
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = (pongWait * 9) / 10
)

// Frame is one message on a device subscription.
type Frame struct {
	Type   string            `json:"type"`
	Device *device.Device    `json:"device,omitempty"`
	Change *device.ChangeSet `json:"change,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// subscribe streams one device: a snapshot frame, then every later
// ChangeSet in reconciler order. A subscriber that falls behind or misses
// a revision is disconnected and gets a fresh snapshot on reconnect.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.State.Device(id); !ok {
		writeError(w, http.StatusNotFound, device.Kind(device.ErrUnknownDevice), "Device not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("device", id).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribe before reading the snapshot so nothing falls in between.
	changes := make(chan device.ChangeSet, subscribeBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := s.deps.Bus.Subscribe(func(cs device.ChangeSet) {
		if cs.DeviceID != id {
			return
		}
		select {
		case changes <- cs:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	snap, ok := s.deps.State.Device(id)
	if !ok {
		return
	}
	if err := writeFrame(conn, Frame{Type: FrameSnapshot, Device: &snap}); err != nil {
		return
	}
	revision := snap.Revision

	log.Debug().Str("device", id).Uint64("revision", revision).Msg("Subscriber connected")

	closed := make(chan struct{})
	go readLoop(conn, closed)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case cs := <-changes:
			if cs.Device.Revision <= revision {
				continue
			}
			// Revisions are contiguous; a gap means the bus dropped a change.
			if cs.Device.Revision != revision+1 {
				log.Warn().
					Str("device", id).
					Uint64("revision", revision).
					Uint64("received", cs.Device.Revision).
					Msg("Subscriber missed changes, disconnecting")
				closeTryAgain(conn, "changes dropped")
				return
			}
			revision = cs.Device.Revision
			if err := writeFrame(conn, Frame{Type: FrameChange, Change: &cs}); err != nil {
				return
			}
		case <-overflow:
			log.Warn().Str("device", id).Msg("Subscriber fell behind, disconnecting")
			closeTryAgain(conn, "subscriber too slow")
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			log.Debug().Str("device", id).Msg("Subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// closeTryAgain tells the client to reconnect for a fresh snapshot.
func closeTryAgain(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
		time.Now().Add(writeWait))
}

// readLoop discards client messages and closes done when the peer goes away.
func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
