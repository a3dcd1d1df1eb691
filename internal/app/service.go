// Package app ties the subsystems together behind the action protocol: one
// core mutex serializes session and voice state, the dispatcher and the
// worker pool run behind their own locks.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"taigachat/server/internal/blob"
	"taigachat/server/internal/clock"
	"taigachat/server/internal/perm"
	"taigachat/server/internal/search"
	"taigachat/server/internal/session"
	"taigachat/server/internal/sfu"
	"taigachat/server/internal/store"
	dispatch "taigachat/server/internal/sync"
	"taigachat/server/internal/version"
)

const infoKeyPublicSalt = "publicSalt"

// Store is the slice of the persistence layer the service needs.
// *store.PostgresStore satisfies it.
type Store interface {
	Ping(ctx context.Context) error

	UserByID(ctx context.Context, userID string) (store.User, error)
	SetUserProfile(ctx context.Context, userID, name, avatarObject string, stamp clock.Timestamp) error
	ListUsers(ctx context.Context) ([]store.User, error)

	CreateRole(ctx context.Context, title string, penalty int, defaultRole, defaultAdmin bool, stamp clock.Timestamp) (store.Role, error)
	RoleByID(ctx context.Context, roleID int64) (store.Role, error)
	ListRoles(ctx context.Context) ([]store.Role, error)
	TouchRole(ctx context.Context, roleID int64, stamp clock.Timestamp) error
	GrantsForRole(ctx context.Context, roleID int64) ([]perm.Grant, error)
	AssignRole(ctx context.Context, userID string, roleID int64) error
	RevokeRole(ctx context.Context, userID string, roleID int64) error
	UpsertGrant(ctx context.Context, roleID int64, domain string, allowed, denied perm.Set) error

	CreateRoom(ctx context.Context, name string, stamp clock.Timestamp) (store.Room, error)
	RoomByID(ctx context.Context, roomID int64) (store.Room, error)
	ListRooms(ctx context.Context) ([]store.Room, error)
	SetRoomInfo(ctx context.Context, roomID int64, name, description string, stamp clock.Timestamp) error
	DeleteRoom(ctx context.Context, roomID int64, stamp clock.Timestamp) error

	AppendMessage(ctx context.Context, roomID int64, userID, content, attachmentObject string, stamp clock.Timestamp) (store.Message, error)
	MessageAt(ctx context.Context, roomID, chunkID int64, index int) (store.Message, error)
	EditMessage(ctx context.Context, roomID, chunkID int64, index int, content string, stamp clock.Timestamp) error
	DeleteMessage(ctx context.Context, roomID, chunkID int64, index int, stamp clock.Timestamp) error
	MessagesInChunk(ctx context.Context, roomID, chunkID int64) ([]store.Message, error)

	InfoEntries(ctx context.Context) ([]store.InfoEntry, error)
	GetInfo(ctx context.Context, key string) (string, error)
	SetInfo(ctx context.Context, key, value string, stamp clock.Timestamp) error
}

// SearchIndex is the slice of the search facade the service needs.
// *search.Service satisfies it.
type SearchIndex interface {
	Search(q search.Query) search.Response
	IndexMessage(rec search.MessageRecord)
	DeleteMessage(id string)
}

// Service owns the cross-subsystem state. coreMu guards session auth and
// voice fields; Acked/Pending belong to the dispatcher, the channel map to
// the pool.
type Service struct {
	serverID string
	store    Store
	clk      *clock.Clock
	engine   *perm.Engine
	registry *session.Registry
	auth     *session.Authenticator
	dispatch *dispatch.Dispatcher
	pool     *sfu.Pool
	search   SearchIndex
	blobs    *blob.Store

	pingSeconds int

	coreMu             sync.Mutex
	notificationTokens map[string]string
}

type Deps struct {
	ServerID    string
	Store       Store
	Clock       *clock.Clock
	Engine      *perm.Engine
	Registry    *session.Registry
	Auth        *session.Authenticator
	Pool        *sfu.Pool
	Search      SearchIndex
	Blobs       *blob.Store
	PingSeconds int
}

func NewService(d Deps) *Service {
	return &Service{
		serverID:           d.ServerID,
		store:              d.Store,
		clk:                d.Clock,
		engine:             d.Engine,
		registry:           d.Registry,
		auth:               d.Auth,
		pool:               d.Pool,
		search:             d.Search,
		blobs:              d.Blobs,
		pingSeconds:        d.PingSeconds,
		notificationTokens: make(map[string]string),
	}
}

// SetDispatcher breaks the construction cycle: the dispatcher needs the
// service as router and filter, the service needs the dispatcher to schedule.
func (s *Service) SetDispatcher(d *dispatch.Dispatcher) {
	s.dispatch = d
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// EnsurePublicSalt loads the per-server anonymous-auth salt, generating one
// on first boot.
func EnsurePublicSalt(ctx context.Context, st Store, clk *clock.Clock) (string, error) {
	salt, err := st.GetInfo(ctx, infoKeyPublicSalt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	salt = hex.EncodeToString(buf)
	if err := st.SetInfo(ctx, infoKeyPublicSalt, salt, clk.Now()); err != nil {
		return "", fmt.Errorf("store public salt: %w", err)
	}
	return salt, nil
}

// EnsureDefaultRoles seeds an empty server with its two bootstrap roles:
// "Everyone" goes to every new user, "Admin" additionally to the first user
// ever created. Without the admin seed no one could ever hold editRoles and
// the server would stay unadministrable.
func EnsureDefaultRoles(ctx context.Context, st Store, clk *clock.Clock) error {
	roles, err := st.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	if len(roles) > 0 {
		return nil
	}

	everyone, err := st.CreateRole(ctx, "Everyone", 100, true, false, clk.Now())
	if err != nil {
		return fmt.Errorf("create Everyone role: %w", err)
	}
	var member perm.Set
	member = member.With(perm.ReadChat, perm.WriteChat, perm.JoinVoice, perm.UploadAttachments)
	if err := st.UpsertGrant(ctx, everyone.ID, domainGlobal, member, 0); err != nil {
		return fmt.Errorf("grant Everyone role: %w", err)
	}

	admin, err := st.CreateRole(ctx, "Admin", 0, false, true, clk.Now())
	if err != nil {
		return fmt.Errorf("create Admin role: %w", err)
	}
	var all perm.Set
	for i := range perm.Names() {
		all = all.With(perm.Bit(i))
	}
	if err := st.UpsertGrant(ctx, admin.ID, domainGlobal, all, 0); err != nil {
		return fmt.Errorf("grant Admin role: %w", err)
	}
	return nil
}

// ── push channel hooks ──

// updateDelta is one entry of an update0 frame: the encoded version identifier
// plus the row payload.
type updateDelta struct {
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// PushUpdates converts pending updates into an update0 frame. Wired as the
// dispatcher's push function.
func (s *Service) PushUpdates(sess *session.Session, updates []session.Update) {
	deltas := make([]updateDelta, 0, len(updates))
	for _, u := range updates {
		deltas = append(deltas, updateDelta{
			Version: version.Encode(version.Identifier{Path: u.Path, Timestamp: u.Timestamp}),
			Data:    u.Data,
		})
	}
	sess.Send("update0", deltas)
}

// provision is the first frame on every push connection.
type provision struct {
	ServerID    string   `json:"serverID"`
	Actions     []string `json:"actions"`
	PingSeconds int      `json:"pingSeconds"`
	PublicSalt  string   `json:"publicSalt"`
	Nonce       string   `json:"nonce,omitempty"`
}

// HandleConnect runs when a push channel attaches to a slot. A matching
// token restores Authenticated without a handshake; otherwise the provision
// frame carries a fresh nonce.
func (s *Service) HandleConnect(sess *session.Session, token string) {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	p := provision{
		ServerID:    s.serverID,
		Actions:     ActionNames(),
		PingSeconds: s.pingSeconds,
		PublicSalt:  s.auth.PublicSalt(),
	}
	if !s.auth.Resume(context.Background(), sess, sess.DeviceID, token) {
		if sess.State != session.Authenticated && sess.State != session.Blocked {
			p.Nonce = s.auth.IssueNonce(sess, sess.ExpectedAuthID)
		}
	}
	sess.Send("provision0", p)
	sess.Send("sessionNumber0", sess.ID)
	if sess.UserID != "" && s.notificationTokens[sess.UserID] == "" {
		// Ask once per user; the client answers with the same frame type.
		sess.Send("giveNotificationToken0", nil)
	}
	s.dispatch.Schedule()
}

// HandleAck feeds a ReceivedVersions blob to the dispatcher.
func (s *Service) HandleAck(sess *session.Session, receivedVersions string) {
	s.dispatch.Ack(sess, receivedVersions)
}

// HandleNotificationToken remembers the platform push token for a user.
func (s *Service) HandleNotificationToken(sess *session.Session, token string) {
	s.coreMu.Lock()
	defer s.coreMu.Unlock()
	if sess.UserID == "" {
		return
	}
	s.notificationTokens[sess.UserID] = token
}

// HandleRelay forwards a worker's relay event to the owning session.
func (s *Service) HandleRelay(ev sfu.RelayEvent) {
	slot, err := strconv.Atoi(ev.PeerID)
	if err != nil {
		log.Printf("app: relay event for malformed peer %q", ev.PeerID)
		return
	}
	sess := s.registry.Get(slot)
	if sess == nil {
		log.Printf("app: relay event for unknown session %d", slot)
		return
	}
	sess.Send("sfuMessage0", ev)
}

// ── authentication over the action protocol ──

// Authenticate runs the handshake for an action request carrying an auth
// payload. Caller holds coreMu.
func (s *Service) authenticate(ctx context.Context, sess *session.Session, p *session.Payload) error {
	_, failure, err := s.auth.Authenticate(ctx, sess, *p)
	if err == nil {
		s.dispatch.Schedule()
		return nil
	}
	if failure != nil {
		return domainError(401, "AUTH_FAILED", failure.Error, failure)
	}
	log.Printf("app: session %d authenticate: %v", sess.ID, err)
	return domainError(401, "UNAUTHORIZED", "unauthorized", nil)
}

func (s *Service) requireUser(sess *session.Session) (string, error) {
	if sess.State != session.Authenticated || sess.UserID == "" {
		return "", domainError(401, "UNAUTHORIZED", "unauthorized", nil)
	}
	return sess.UserID, nil
}

func (s *Service) requirePermission(ctx context.Context, userID, domain string, bit perm.Bit) error {
	allowed, err := s.engine.Can(ctx, domain, userID, bit)
	if err != nil {
		return err
	}
	if !allowed {
		return lacksPermission()
	}
	return nil
}
