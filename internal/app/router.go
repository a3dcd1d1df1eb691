package app

import (
	"context"
	"encoding/json"
	"strings"

	"taigachat/server/internal/perm"
	"taigachat/server/internal/session"
	dispatch "taigachat/server/internal/sync"
	"taigachat/server/internal/version"
)

// Synced path tags. A client subscribes to a path by acknowledging a version
// for it; the router resolves each path to its authoritative rows.
const (
	pathRooms      = "rooms"
	pathUsers      = "users"
	pathRoles      = "roles"
	pathServerInfo = "serverInfo"
	tagChunk       = "chunk"
)

func chunkPath(roomID, chunkID int64) string {
	return version.Path(tagChunk, roomID, chunkID)
}

// Permission domains compound left to right, global first.
const domainGlobal = "global"

func roomDomain(roomID int64) string {
	return domainGlobal + "/textRoom." + version.EncodeInt(roomID)
}

func channelDomain(channelID int64) string {
	return domainGlobal + "/voiceChannel." + version.EncodeInt(channelID)
}

// roleWire is the role delta shipped to clients, grants included so a client
// can render a role without a second query.
type roleWire struct {
	ID      int64       `json:"roleID"`
	Title   string      `json:"title"`
	Penalty int         `json:"penalty"`
	Grants  []grantWire `json:"grants"`
}

type grantWire struct {
	Domain  string   `json:"domain"`
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

// Objects implements sync.Router over the persistence layer.
func (s *Service) Objects(ctx context.Context, path string) ([]dispatch.Object, error) {
	switch {
	case path == pathRooms:
		rooms, err := s.store.ListRooms(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]dispatch.Object, 0, len(rooms))
		for _, room := range rooms {
			data, err := json.Marshal(room)
			if err != nil {
				return nil, err
			}
			out = append(out, dispatch.Object{Path: pathRooms, Timestamp: room.Stamp, Data: data})
		}
		return out, nil

	case path == pathUsers:
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]dispatch.Object, 0, len(users))
		for _, user := range users {
			data, err := json.Marshal(user)
			if err != nil {
				return nil, err
			}
			out = append(out, dispatch.Object{Path: pathUsers, Timestamp: user.Stamp, Data: data})
		}
		return out, nil

	case path == pathRoles:
		roles, err := s.store.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]dispatch.Object, 0, len(roles))
		for _, role := range roles {
			grants, err := s.store.GrantsForRole(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			wire := roleWire{ID: role.ID, Title: role.Title, Penalty: role.Penalty}
			for _, g := range grants {
				wire.Grants = append(wire.Grants, grantWire{
					Domain:  g.Domain,
					Allowed: setNames(g.Allowed),
					Denied:  setNames(g.Denied),
				})
			}
			data, err := json.Marshal(wire)
			if err != nil {
				return nil, err
			}
			out = append(out, dispatch.Object{Path: pathRoles, Timestamp: role.Stamp, Data: data})
		}
		return out, nil

	case path == pathServerInfo:
		entries, err := s.store.InfoEntries(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]dispatch.Object, 0, len(entries))
		for _, entry := range entries {
			if entry.Key == infoKeyPublicSalt {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return nil, err
			}
			out = append(out, dispatch.Object{Path: pathServerInfo, Timestamp: entry.Stamp, Data: data})
		}
		return out, nil

	case strings.HasPrefix(path, tagChunk+"."):
		roomID, chunkID, ok := parseChunkPath(path)
		if !ok {
			return nil, nil
		}
		messages, err := s.store.MessagesInChunk(ctx, roomID, chunkID)
		if err != nil {
			return nil, err
		}
		out := make([]dispatch.Object, 0, len(messages))
		for _, msg := range messages {
			data, err := json.Marshal(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, dispatch.Object{Path: path, Timestamp: msg.Stamp, Data: data})
		}
		return out, nil
	}

	// Unknown path acked by a client: nothing to dispatch.
	return nil, nil
}

func parseChunkPath(path string) (roomID, chunkID int64, ok bool) {
	parts := strings.Split(path, ".")
	if len(parts) != 3 || parts[0] != tagChunk {
		return 0, 0, false
	}
	roomID, ok = version.DecodeInt(parts[1])
	if !ok {
		return 0, 0, false
	}
	chunkID, ok = version.DecodeInt(parts[2])
	if !ok {
		return 0, 0, false
	}
	return roomID, chunkID, true
}

// Redact is the sync dispatcher's per-delivery filter. Message chunks require
// readChat in the room's domain; everything else is visible to any
// authenticated session, and serverInfo even to unauthenticated ones.
func (s *Service) Redact(sess *session.Session, o dispatch.Object) (dispatch.Object, bool) {
	if o.Path == pathServerInfo {
		return o, true
	}
	if sess.UserID == "" {
		return dispatch.Object{}, false
	}
	if o.Path == pathRooms {
		var row struct {
			ID int64 `json:"roomID"`
		}
		if err := json.Unmarshal(o.Data, &row); err != nil {
			return dispatch.Object{}, false
		}
		if !s.canReadRoom(sess.UserID, row.ID) {
			return dispatch.Object{}, false
		}
	}
	if strings.HasPrefix(o.Path, tagChunk+".") {
		roomID, _, ok := parseChunkPath(o.Path)
		if !ok {
			return dispatch.Object{}, false
		}
		if !s.canReadRoom(sess.UserID, roomID) {
			return dispatch.Object{}, false
		}
	}
	return o, true
}

func (s *Service) canReadRoom(userID string, roomID int64) bool {
	allowed, err := s.engine.Can(context.Background(), roomDomain(roomID), userID, perm.ReadChat)
	return err == nil && allowed
}

func setNames(set perm.Set) []string {
	var names []string
	for i, name := range perm.Names() {
		if set.Has(perm.Bit(i)) {
			names = append(names, name)
		}
	}
	return names
}
