package store

import "taigachat/server/internal/clock"

// ChunkSize is the number of messages per synced chunk. A client tracks one
// version identifier per chunk.<roomID>.<chunkID> path.
const ChunkSize = 64

type User struct {
	ID           string          `json:"userID"`
	Name         string          `json:"name"`
	AuthID       string          `json:"-"`
	AvatarObject string          `json:"avatar,omitempty"`
	Stamp        clock.Timestamp `json:"-"`
}

type Role struct {
	ID           int64           `json:"roleID"`
	Title        string          `json:"title"`
	Penalty      int             `json:"penalty"`
	DefaultRole  bool            `json:"defaultRole"`
	DefaultAdmin bool            `json:"defaultAdmin"`
	Stamp        clock.Timestamp `json:"-"`
}

type Room struct {
	ID          int64           `json:"roomID"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
	Stamp       clock.Timestamp `json:"-"`
}

type Message struct {
	RoomID           int64           `json:"roomID"`
	ChunkID          int64           `json:"chunkID"`
	Index            int             `json:"index"`
	UserID           string          `json:"userID"`
	Content          string          `json:"content"`
	AttachmentObject string          `json:"attachment,omitempty"`
	Edited           bool            `json:"edited,omitempty"`
	Deleted          bool            `json:"deleted,omitempty"`
	Stamp            clock.Timestamp `json:"-"`
}

type InfoEntry struct {
	Key   string          `json:"key"`
	Value string          `json:"value"`
	Stamp clock.Timestamp `json:"-"`
}
