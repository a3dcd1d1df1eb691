// Package push serves the per-session websocket. One live connection per
// session slot: a newer connection for the same device closes the older one.
package push

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taigachat/server/internal/session"
)

// Frame types on the push channel.
const (
	FrameProvision         = "provision0"
	FrameSessionNumber     = "sessionNumber0"
	FrameUpdate            = "update0"
	FramePing              = "ping0"
	FrameSFU               = "sfuMessage0"
	FrameNotificationToken = "giveNotificationToken0"
	FrameAck               = "ack0"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 75 * time.Second
	maxMessageSize = 64 * 1024
)

// AckPayload is the client's cumulative receipt of update versions.
type AckPayload struct {
	ReceivedVersions string `json:"receivedVersions"`
}

// TokenPayload carries a platform notification token from the client.
type TokenPayload struct {
	Token string `json:"token"`
}

// Handler upgrades /pushChannel requests and runs the session pumps. The
// service layer plugs in through the three hooks; the handler itself knows
// nothing about authentication or sync beyond frame framing.
type Handler struct {
	Registry     *session.Registry
	PingInterval time.Duration

	// OnConnect runs after the slot is obtained and before the pumps start.
	// It owns the reconnect fast path and the provision frames.
	OnConnect func(s *session.Session, token string)
	// OnAck feeds acknowledged versions to the sync dispatcher.
	OnAck func(s *session.Session, receivedVersions string)
	// OnNotificationToken stores a platform push token for the session's user.
	OnNotificationToken func(s *session.Session, token string)

	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[int]*pumpHandle
}

// pumpHandle ties one connection's pumps together: stop tells the write pump
// to exit, stopped reports that it has and no longer reads the frame channel.
type pumpHandle struct {
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func (p *pumpHandle) halt() { p.stopOnce.Do(func() { close(p.stop) }) }

func NewHandler(registry *session.Registry, pingInterval time.Duration) *Handler {
	return &Handler{
		Registry:     registry,
		PingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		active: make(map[int]*pumpHandle),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		http.Error(w, `{"code":"missing_device","message":"device query parameter is required"}`, http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("push: upgrade %s: %v", device, err)
		return
	}

	s := h.Registry.Obtain(device)

	// Displace any previous connection for this slot, and wait for its write
	// pump to release the frame channel: two pumps selecting on it at once
	// would let the dying one consume (and lose) a frame.
	handle := &pumpHandle{stop: make(chan struct{}), stopped: make(chan struct{})}
	h.mu.Lock()
	prev := h.active[s.ID]
	h.active[s.ID] = handle
	h.mu.Unlock()
	if prev != nil {
		prev.halt()
		<-prev.stopped
	}

	if h.OnConnect != nil {
		h.OnConnect(s, token)
	}

	go h.writePump(s, conn, handle)
	h.readPump(s, conn, handle)
}

func (h *Handler) writePump(s *session.Session, conn *websocket.Conn, handle *pumpHandle) {
	ticker := time.NewTicker(h.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(handle.stopped)
	}()
	for {
		select {
		case <-handle.stop:
			return
		case frame := <-s.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(session.Frame{Type: FramePing}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readPump(s *session.Session, conn *websocket.Conn, handle *pumpHandle) {
	defer func() {
		h.mu.Lock()
		if h.active[s.ID] == handle {
			delete(h.active, s.ID)
		}
		h.mu.Unlock()
		handle.halt()
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var frame session.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("push: session %d read: %v", s.ID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		switch frame.Type {
		case FrameAck:
			var payload AckPayload
			if err := json.Unmarshal(frame.Data, &payload); err != nil {
				log.Printf("push: session %d malformed ack: %v", s.ID, err)
				continue
			}
			if h.OnAck != nil {
				h.OnAck(s, payload.ReceivedVersions)
			}
		case FrameNotificationToken:
			var payload TokenPayload
			if err := json.Unmarshal(frame.Data, &payload); err != nil {
				log.Printf("push: session %d malformed notification token: %v", s.ID, err)
				continue
			}
			if h.OnNotificationToken != nil {
				h.OnNotificationToken(s, payload.Token)
			}
		default:
			log.Printf("push: session %d unknown frame type %q", s.ID, frame.Type)
		}
	}
}
