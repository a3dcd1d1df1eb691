package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"taigachat/server/internal/blob"
	"taigachat/server/internal/perm"
	"taigachat/server/internal/search"
	"taigachat/server/internal/session"
	"taigachat/server/internal/sfu"
	"taigachat/server/internal/store"
)

// The closed action set. Provisioning advertises this list; Dispatch rejects
// anything else.
var actionNames = []string{
	"sendMessage0",
	"editMessage0",
	"deleteMessage0",
	"newRoom0",
	"deleteRoom0",
	"setRoomInfo0",
	"newRole0",
	"editRolePermissions0",
	"assignRole0",
	"revokeRole0",
	"setServerInfo0",
	"joinChannel0",
	"leaveChannel0",
	"setDeafen0",
	"sfuClient0",
	"attachmentURL0",
	"profileURL0",
	"searchMessages0",
	"setProfile0",
}

func ActionNames() []string {
	out := make([]string, len(actionNames))
	copy(out, actionNames)
	return out
}

var bitByName = func() map[string]perm.Bit {
	m := make(map[string]perm.Bit)
	for i, name := range perm.Names() {
		m[name] = perm.Bit(i)
	}
	return m
}()

// Dispatch decodes and runs one named action for an authenticated session.
// Caller holds coreMu.
func (s *Service) Dispatch(ctx context.Context, sess *session.Session, name string, args json.RawMessage) (any, error) {
	userID, err := s.requireUser(sess)
	if err != nil {
		return nil, err
	}

	switch name {
	case "sendMessage0":
		var a struct {
			RoomID     int64  `json:"roomID"`
			Content    string `json:"content"`
			Attachment string `json:"attachment,omitempty"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.sendMessage(ctx, userID, a.RoomID, a.Content, a.Attachment)

	case "editMessage0":
		var a struct {
			RoomID  int64  `json:"roomID"`
			ChunkID int64  `json:"chunkID"`
			Index   int    `json:"index"`
			Content string `json:"content"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.editMessage(ctx, userID, a.RoomID, a.ChunkID, a.Index, a.Content)

	case "deleteMessage0":
		var a struct {
			RoomID  int64 `json:"roomID"`
			ChunkID int64 `json:"chunkID"`
			Index   int   `json:"index"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.deleteMessage(ctx, userID, a.RoomID, a.ChunkID, a.Index)

	case "newRoom0":
		var a struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.newRoom(ctx, userID, a.Name)

	case "deleteRoom0":
		var a struct {
			RoomID int64 `json:"roomID"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.deleteRoom(ctx, userID, a.RoomID)

	case "setRoomInfo0":
		var a struct {
			RoomID      int64  `json:"roomID"`
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.setRoomInfo(ctx, userID, a.RoomID, a.Name, a.Description)

	case "newRole0":
		var a struct {
			Title   string `json:"title"`
			Penalty int    `json:"penalty"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.newRole(ctx, userID, a.Title, a.Penalty)

	case "editRolePermissions0":
		var a struct {
			RoleID  int64    `json:"roleID"`
			Domain  string   `json:"domain"`
			Allowed []string `json:"allowed"`
			Denied  []string `json:"denied"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.editRolePermissions(ctx, userID, a.RoleID, a.Domain, a.Allowed, a.Denied)

	case "assignRole0":
		var a struct {
			UserID string `json:"userID"`
			RoleID int64  `json:"roleID"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.assignRole(ctx, userID, a.UserID, a.RoleID, true)

	case "revokeRole0":
		var a struct {
			UserID string `json:"userID"`
			RoleID int64  `json:"roleID"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.assignRole(ctx, userID, a.UserID, a.RoleID, false)

	case "setServerInfo0":
		var a struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.setServerInfo(ctx, userID, a.Key, a.Value)

	case "joinChannel0":
		var a struct {
			ChannelID int64 `json:"channelID"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.joinChannel(ctx, sess, a.ChannelID)

	case "leaveChannel0":
		return nil, s.leaveChannel(sess)

	case "setDeafen0":
		var a struct {
			PeerID   string `json:"peerID,omitempty"`
			Deafened bool   `json:"deafened"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.setDeafen(ctx, sess, a.PeerID, a.Deafened)

	case "sfuClient0":
		var a struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.sfuClient(sess, a.Payload)

	case "attachmentURL0":
		var a struct {
			FileName string `json:"fileName"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.attachmentURL(ctx, userID, a.FileName)

	case "profileURL0":
		var a struct {
			FileName string `json:"fileName"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.profileURL(ctx, userID, a.FileName)

	case "searchMessages0":
		var a struct {
			Text   string `json:"text"`
			RoomID int64  `json:"roomID,omitempty"`
			Limit  int    `json:"limit,omitempty"`
			Offset int    `json:"offset,omitempty"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.searchMessages(ctx, userID, a.Text, a.RoomID, a.Limit, a.Offset)

	case "setProfile0":
		var a struct {
			Name   string `json:"name"`
			Avatar string `json:"avatar,omitempty"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, s.setProfile(ctx, userID, a.Name, a.Avatar)
	}

	return nil, validationf("unknown action %q", name)
}

func decodeArgs(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return validationf("malformed args")
	}
	return nil
}

// ── chat ──

func (s *Service) sendMessage(ctx context.Context, userID string, roomID int64, content, attachment string) (any, error) {
	if strings.TrimSpace(content) == "" && attachment == "" {
		return nil, validationf("empty message")
	}
	if err := s.requirePermission(ctx, userID, roomDomain(roomID), perm.WriteChat); err != nil {
		return nil, err
	}
	if attachment != "" {
		if err := s.requirePermission(ctx, userID, roomDomain(roomID), perm.UploadAttachments); err != nil {
			return nil, err
		}
	}
	msg, err := s.store.AppendMessage(ctx, roomID, userID, content, attachment, s.clk.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, validationf("no such room")
		}
		return nil, err
	}
	s.indexMessage(msg)
	s.dispatch.Schedule()
	return map[string]any{"chunkID": msg.ChunkID, "index": msg.Index}, nil
}

func (s *Service) editMessage(ctx context.Context, userID string, roomID, chunkID int64, index int, content string) error {
	if strings.TrimSpace(content) == "" {
		return validationf("empty message")
	}
	if err := s.requireAuthorOrCleaner(ctx, userID, roomID, chunkID, index); err != nil {
		return err
	}
	if err := s.store.EditMessage(ctx, roomID, chunkID, index, content, s.clk.Now()); err != nil {
		return err
	}
	msg, err := s.store.MessageAt(ctx, roomID, chunkID, index)
	if err == nil {
		s.indexMessage(msg)
	}
	s.dispatch.Schedule()
	return nil
}

func (s *Service) deleteMessage(ctx context.Context, userID string, roomID, chunkID int64, index int) error {
	if err := s.requireAuthorOrCleaner(ctx, userID, roomID, chunkID, index); err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, roomID, chunkID, index, s.clk.Now()); err != nil {
		return err
	}
	s.search.DeleteMessage(fmt.Sprintf("%d-%d-%d", roomID, chunkID, index))
	s.dispatch.Schedule()
	return nil
}

// requireAuthorOrCleaner admits the message's author or anyone holding
// cleanChat in the room.
func (s *Service) requireAuthorOrCleaner(ctx context.Context, userID string, roomID, chunkID int64, index int) error {
	msg, err := s.store.MessageAt(ctx, roomID, chunkID, index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationf("no such message")
		}
		return err
	}
	if msg.UserID == userID {
		return nil
	}
	return s.requirePermission(ctx, userID, roomDomain(roomID), perm.CleanChat)
}

func (s *Service) indexMessage(msg store.Message) {
	s.search.IndexMessage(search.MessageRecord{
		ID:      fmt.Sprintf("%d-%d-%d", msg.RoomID, msg.ChunkID, msg.Index),
		RoomID:  msg.RoomID,
		ChunkID: msg.ChunkID,
		Index:   msg.Index,
		UserID:  msg.UserID,
		Content: msg.Content,
	})
}

// ── rooms ──

func (s *Service) newRoom(ctx context.Context, userID, name string) (any, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationf("room name required")
	}
	if err := s.requirePermission(ctx, userID, domainGlobal, perm.EditChannels); err != nil {
		return nil, err
	}
	room, err := s.store.CreateRoom(ctx, name, s.clk.Now())
	if err != nil {
		return nil, err
	}
	s.dispatch.Schedule()
	return map[string]any{"roomID": room.ID}, nil
}

func (s *Service) deleteRoom(ctx context.Context, userID string, roomID int64) error {
	if err := s.requirePermission(ctx, userID, domainGlobal, perm.EditChannels); err != nil {
		return err
	}
	if err := s.store.DeleteRoom(ctx, roomID, s.clk.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationf("no such room")
		}
		return err
	}
	s.pool.DeleteChannel(roomID)
	s.dispatch.Schedule()
	return nil
}

func (s *Service) setRoomInfo(ctx context.Context, userID string, roomID int64, name, description string) error {
	if strings.TrimSpace(name) == "" {
		return validationf("room name required")
	}
	if err := s.requirePermission(ctx, userID, domainGlobal, perm.EditChannels); err != nil {
		return err
	}
	if err := s.store.SetRoomInfo(ctx, roomID, name, description, s.clk.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationf("no such room")
		}
		return err
	}
	s.dispatch.Schedule()
	return nil
}

// ── roles ──

func (s *Service) newRole(ctx context.Context, userID, title string, penalty int) (any, error) {
	if strings.TrimSpace(title) == "" {
		return nil, validationf("role title required")
	}
	if penalty < 0 {
		return nil, validationf("penalty must not be negative")
	}
	if err := s.requirePermission(ctx, userID, domainGlobal, perm.EditRoles); err != nil {
		return nil, err
	}
	role, err := s.store.CreateRole(ctx, title, penalty, false, false, s.clk.Now())
	if err != nil {
		return nil, err
	}
	s.engine.Invalidate()
	s.dispatch.Schedule()
	return map[string]any{"roleID": role.ID}, nil
}

func (s *Service) editRolePermissions(ctx context.Context, userID string, roleID int64, domain string, allowed, denied []string) error {
	if err := s.requirePermission(ctx, userID, domainGlobal, perm.EditRoles); err != nil {
		return err
	}
	allowedSet, err := namesToSet(allowed)
	if err != nil {
		return err
	}
	deniedSet, err := namesToSet(denied)
	if err != nil {
		return err
	}
	if allowedSet&deniedSet != 0 {
		return validationf("a permission cannot be both allowed and denied")
	}
	if domain == "" || strings.Contains(domain, "/") {
		return validationf("grants apply to a single subdomain")
	}
	if _, err := s.store.RoleByID(ctx, roleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationf("no such role")
		}
		return err
	}
	if err := s.store.UpsertGrant(ctx, roleID, domain, allowedSet, deniedSet); err != nil {
		return err
	}
	if err := s.store.TouchRole(ctx, roleID, s.clk.Now()); err != nil {
		return err
	}
	s.engine.Invalidate()
	s.dispatch.Schedule()
	return nil
}

func (s *Service) assignRole(ctx context.Context, actorID, userID string, roleID int64, assign bool) error {
	if err := s.requirePermission(ctx, actorID, domainGlobal, perm.EditRoles); err != nil {
		return err
	}
	if _, err := s.store.UserByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationf("no such user")
		}
		return err
	}
	if _, err := s.store.RoleByID(ctx, roleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationf("no such role")
		}
		return err
	}
	var err error
	if assign {
		err = s.store.AssignRole(ctx, userID, roleID)
	} else {
		err = s.store.RevokeRole(ctx, userID, roleID)
	}
	if err != nil {
		return err
	}
	s.engine.Invalidate()
	s.dispatch.Schedule()
	return nil
}

func namesToSet(names []string) (perm.Set, error) {
	var set perm.Set
	for _, name := range names {
		bit, ok := bitByName[name]
		if !ok {
			return 0, validationf("unknown permission %q", name)
		}
		set = set.With(bit)
	}
	return set, nil
}

// ── server info ──

func (s *Service) setServerInfo(ctx context.Context, userID, key, value string) error {
	if key == "" || key == infoKeyPublicSalt {
		return validationf("invalid key")
	}
	if err := s.requirePermission(ctx, userID, domainGlobal, perm.EditServerInfo); err != nil {
		return err
	}
	if err := s.store.SetInfo(ctx, key, value, s.clk.Now()); err != nil {
		return err
	}
	s.dispatch.Schedule()
	return nil
}

// ── voice ──

func (s *Service) joinChannel(ctx context.Context, sess *session.Session, channelID int64) error {
	if err := s.requirePermission(ctx, sess.UserID, channelDomain(channelID), perm.JoinVoice); err != nil {
		return err
	}
	// Voice channels share room identity: deleting a room tears its channel down.
	if _, err := s.store.RoomByID(ctx, channelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return validationf("no such channel")
		}
		return err
	}
	if sess.Voice.ChannelID != 0 && sess.Voice.ChannelID != channelID {
		s.pool.Leave(sess.Voice.ChannelID, sess.Voice.PeerID)
	}
	voice := session.VoiceState{
		ChannelID: channelID,
		PeerID:    strconv.Itoa(sess.ID),
	}
	if err := s.pool.Join(channelID, voice); err != nil {
		if errors.Is(err, sfu.ErrVoiceUnavailable) {
			return validationf("voice unavailable")
		}
		return err
	}
	sess.Voice = voice
	return nil
}

func (s *Service) leaveChannel(sess *session.Session) error {
	if sess.Voice.ChannelID == 0 {
		return validationf("not in a voice channel")
	}
	s.pool.Leave(sess.Voice.ChannelID, sess.Voice.PeerID)
	sess.Voice = session.VoiceState{}
	return nil
}

// setDeafen deafens the caller, or another peer when the caller holds
// moderateVoice in the channel.
func (s *Service) setDeafen(ctx context.Context, sess *session.Session, peerID string, deafened bool) error {
	if sess.Voice.ChannelID == 0 {
		return validationf("not in a voice channel")
	}
	if peerID == "" {
		peerID = sess.Voice.PeerID
	}
	if peerID != sess.Voice.PeerID {
		if err := s.requirePermission(ctx, sess.UserID, channelDomain(sess.Voice.ChannelID), perm.ModerateVoice); err != nil {
			return err
		}
	}
	s.pool.SetDeafen(sess.Voice.ChannelID, peerID, deafened)
	if peerID == sess.Voice.PeerID {
		sess.Voice.Deafened = deafened
	}
	return nil
}

func (s *Service) sfuClient(sess *session.Session, payload json.RawMessage) error {
	if sess.Voice.ChannelID == 0 {
		return validationf("not in a voice channel")
	}
	if err := s.pool.HandleClient(sess.Voice.ChannelID, sess.Voice.PeerID, payload); err != nil {
		return validationf("voice unavailable")
	}
	return nil
}

// ── attachments and profiles ──

func (s *Service) attachmentURL(ctx context.Context, userID, fileName string) (any, error) {
	if !validObjectName(fileName) {
		return nil, validationf("invalid file name")
	}
	if err := s.requirePermission(ctx, userID, domainGlobal, perm.UploadAttachments); err != nil {
		return nil, err
	}
	object := userID + "/" + fileName
	uploadURL, err := s.blobs.AttachmentUploadURL(ctx, object)
	if err != nil {
		if errors.Is(err, blob.ErrUnavailable) {
			return nil, validationf("attachments unavailable")
		}
		return nil, err
	}
	return map[string]any{"uploadURL": uploadURL, "object": object}, nil
}

func (s *Service) profileURL(ctx context.Context, userID, fileName string) (any, error) {
	if !validObjectName(fileName) {
		return nil, validationf("invalid file name")
	}
	object := userID + "/" + fileName
	uploadURL, err := s.blobs.AvatarUploadURL(ctx, object)
	if err != nil {
		if errors.Is(err, blob.ErrUnavailable) {
			return nil, validationf("attachments unavailable")
		}
		return nil, err
	}
	return map[string]any{"uploadURL": uploadURL, "object": object}, nil
}

func validObjectName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// ── search ──

// searchMessages runs the query, then re-checks readChat per room before
// returning hits: the index is unaware of permissions.
func (s *Service) searchMessages(ctx context.Context, userID, text string, roomID int64, limit, offset int) (any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationf("empty query")
	}
	resp := s.search.Search(search.Query{Text: text, RoomID: roomID, Limit: limit, Offset: offset})

	readable := make(map[int64]bool)
	filtered := resp.Results[:0]
	for _, result := range resp.Results {
		ok, known := readable[result.RoomID]
		if !known {
			var err error
			ok, err = s.engine.Can(ctx, roomDomain(result.RoomID), userID, perm.ReadChat)
			if err != nil {
				return nil, err
			}
			readable[result.RoomID] = ok
		}
		if ok {
			filtered = append(filtered, result)
		}
	}
	resp.Results = filtered
	return resp, nil
}

// ── profile ──

func (s *Service) setProfile(ctx context.Context, userID, name, avatar string) error {
	if strings.TrimSpace(name) == "" {
		return validationf("name required")
	}
	if err := s.store.SetUserProfile(ctx, userID, name, avatar, s.clk.Now()); err != nil {
		return err
	}
	s.dispatch.Schedule()
	return nil
}
