// Package session owns the per-device session slots: their synchronization
// state, their authentication state machine, and their push outbox.
package session

import (
	"encoding/json"
	"log"
	"sync"

	"taigachat/server/internal/clock"
)

type State int

const (
	Unbound State = iota
	Authenticating
	Authenticated
	Blocked
)

// FailedAttemptLimit is the number of failed authentications after which a
// session slot is blocked for the life of the process.
const FailedAttemptLimit = 12

type VoiceState struct {
	ChannelID  int64  `json:"channelID"`
	PeerID     string `json:"peerID"`
	SelfMute   bool   `json:"selfMute"`
	SelfDeafen bool   `json:"selfDeafen"`
	Deafened   bool   `json:"deafened"`
}

// Update is one delta queued for delivery to a session.
type Update struct {
	Path      string
	Timestamp clock.Timestamp
	Data      json.RawMessage
}

// Frame is one message on a session's push stream.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const outboxDepth = 64

// Session is a durable slot bound to a deviceID. Slots are created on first
// contact and reused across reconnects, never recycled.
//
// Field ownership: Acked, Pending and UpdatesAcked belong to the sync
// dispatcher; everything else belongs to the service's core lock. The outbox
// channel is safe from any goroutine.
type Session struct {
	ID       int
	DeviceID string

	State          State
	Token          string
	UserID         string
	ExpectedAuthID string
	Nonce          string
	FailedAttempts int

	Acked        map[string]clock.Timestamp
	Pending      []Update
	UpdatesAcked bool

	Voice VoiceState

	outbox chan Frame
}

// Send marshals a push frame onto the session's outbox. A full outbox drops
// the frame: the client recovers through reconnect-resync.
func (s *Session) Send(frameType string, data any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			log.Printf("session %d: marshal %s frame: %v", s.ID, frameType, err)
			return
		}
		raw = encoded
	}
	select {
	case s.outbox <- Frame{Type: frameType, Data: raw}:
	default:
		log.Printf("session %d: outbox full, dropping %s frame", s.ID, frameType)
	}
}

// Frames exposes the outbox to the push writer.
func (s *Session) Frames() <-chan Frame {
	return s.outbox
}

// Registry is a stable-index arena of sessions. A slot index is a persistent
// external reference: it survives reconnects for the life of the process.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
	byDevice map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byDevice: make(map[string]int)}
}

// Obtain returns the slot for a device, creating it on first contact.
func (r *Registry) Obtain(deviceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byDevice[deviceID]; ok {
		return r.sessions[id]
	}
	s := &Session{
		ID:           len(r.sessions),
		DeviceID:     deviceID,
		Acked:        make(map[string]clock.Timestamp),
		UpdatesAcked: false,
		outbox:       make(chan Frame, outboxDepth),
	}
	r.sessions = append(r.sessions, s)
	r.byDevice[deviceID] = s.ID
	return s
}

// Get returns the session at a slot index, or nil.
func (r *Registry) Get(id int) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.sessions) {
		return nil
	}
	return r.sessions[id]
}

// All snapshots the current slots.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}
