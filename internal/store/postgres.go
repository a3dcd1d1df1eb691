package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taigachat/server/internal/clock"
	"taigachat/server/internal/perm"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) UserByAuthID(ctx context.Context, authID string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, auth_id, avatar_object, last_modified, faddishness
		FROM users WHERE auth_id=$1
	`, authID).Scan(&u.ID, &u.Name, &u.AuthID, &u.AvatarObject, &u.Stamp.LastModified, &u.Stamp.Faddishness)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by auth id: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, auth_id, avatar_object, last_modified, faddishness
		FROM users WHERE id=$1
	`, userID).Scan(&u.ID, &u.Name, &u.AuthID, &u.AvatarObject, &u.Stamp.LastModified, &u.Stamp.Faddishness)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, auth_id, avatar_object, last_modified, faddishness)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Name, u.AuthID, u.AvatarObject, u.Stamp.LastModified, u.Stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SetUserAuthID(ctx context.Context, userID, authID string, stamp clock.Timestamp) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET auth_id=$2, last_modified=$3, faddishness=$4 WHERE id=$1
	`, userID, authID, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("migrate user auth id: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUserProfile(ctx context.Context, userID, name, avatarObject string, stamp clock.Timestamp) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET name=$2, avatar_object=$3, last_modified=$4, faddishness=$5 WHERE id=$1
	`, userID, name, avatarObject, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, auth_id, avatar_object, last_modified, faddishness FROM users
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.AuthID, &u.AvatarObject, &u.Stamp.LastModified, &u.Stamp.Faddishness); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ── Revoked identities ──
// Revocation records are permanent and never pruned.

func (s *PostgresStore) RevokeIdentity(ctx context.Context, authID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_identities (auth_id) VALUES ($1) ON CONFLICT DO NOTHING
	`, authID)
	if err != nil {
		return fmt.Errorf("revoke identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsRevoked(ctx context.Context, authID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_identities WHERE auth_id=$1)`, authID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked identity: %w", err)
	}
	return exists, nil
}

// ── Roles, membership, grants ──

func (s *PostgresStore) CreateRole(ctx context.Context, title string, penalty int, defaultRole, defaultAdmin bool, stamp clock.Timestamp) (Role, error) {
	role := Role{Title: title, Penalty: penalty, DefaultRole: defaultRole, DefaultAdmin: defaultAdmin, Stamp: stamp}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO roles (title, penalty, default_role, default_admin, last_modified, faddishness)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`, title, penalty, defaultRole, defaultAdmin, stamp.LastModified, stamp.Faddishness).Scan(&role.ID)
	if err != nil {
		return Role{}, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, penalty, default_role, default_admin, last_modified, faddishness
		FROM roles ORDER BY penalty, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Title, &r.Penalty, &r.DefaultRole, &r.DefaultAdmin, &r.Stamp.LastModified, &r.Stamp.Faddishness); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) RoleByID(ctx context.Context, roleID int64) (Role, error) {
	var r Role
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, penalty, default_role, default_admin, last_modified, faddishness
		FROM roles WHERE id=$1
	`, roleID).Scan(&r.ID, &r.Title, &r.Penalty, &r.DefaultRole, &r.DefaultAdmin, &r.Stamp.LastModified, &r.Stamp.Faddishness)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("lookup role: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) AssignRole(ctx context.Context, userID string, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_members (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, userID, roleID)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRole(ctx context.Context, userID string, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM role_members WHERE user_id=$1 AND role_id=$2
	`, userID, roleID)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// AssignDefaultRoles gives a freshly created user every default role, plus
// every default-admin role when includeAdmin is set (first user on a server).
func (s *PostgresStore) AssignDefaultRoles(ctx context.Context, userID string, includeAdmin bool) error {
	query := `
		INSERT INTO role_members (user_id, role_id)
		SELECT $1, id FROM roles WHERE default_role OR ($2 AND default_admin)
		ON CONFLICT DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, userID, includeAdmin); err != nil {
		return fmt.Errorf("assign default roles: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertGrant(ctx context.Context, roleID int64, domain string, allowed, denied perm.Set) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (role_id, domain, allowed, denied)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (role_id, domain) DO UPDATE SET allowed=EXCLUDED.allowed, denied=EXCLUDED.denied
	`, roleID, domain, int64(allowed), int64(denied))
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

// TouchRole bumps a role's stamp so grant edits propagate through sync.
func (s *PostgresStore) TouchRole(ctx context.Context, roleID int64, stamp clock.Timestamp) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE roles SET last_modified=$2, faddishness=$3 WHERE id=$1
	`, roleID, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("touch role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantsForRole lists a role's grants across all subdomains.
func (s *PostgresStore) GrantsForRole(ctx context.Context, roleID int64) ([]perm.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role_id, domain, allowed, denied FROM permission_grants WHERE role_id=$1 ORDER BY domain
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("grants for role: %w", err)
	}
	defer rows.Close()
	var grants []perm.Grant
	for rows.Next() {
		var g perm.Grant
		var allowed, denied int64
		if err := rows.Scan(&g.RoleID, &g.Domain, &allowed, &denied); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Allowed = perm.Set(allowed)
		g.Denied = perm.Set(denied)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// RolesOfUser and GrantsForDomain implement perm.Source.

func (s *PostgresStore) RolesOfUser(ctx context.Context, userID string) ([]perm.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.title, r.penalty, r.default_role, r.default_admin
		FROM roles r JOIN role_members m ON m.role_id = r.id
		WHERE m.user_id=$1 ORDER BY r.penalty, r.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("roles of user: %w", err)
	}
	defer rows.Close()
	var roles []perm.Role
	for rows.Next() {
		var r perm.Role
		if err := rows.Scan(&r.ID, &r.Title, &r.Penalty, &r.DefaultRole, &r.DefaultAdmin); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) GrantsForDomain(ctx context.Context, domain string) ([]perm.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role_id, domain, allowed, denied FROM permission_grants WHERE domain=$1
	`, domain)
	if err != nil {
		return nil, fmt.Errorf("grants for domain: %w", err)
	}
	defer rows.Close()
	var grants []perm.Grant
	for rows.Next() {
		var g perm.Grant
		var allowed, denied int64
		if err := rows.Scan(&g.RoleID, &g.Domain, &allowed, &denied); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Allowed = perm.Set(allowed)
		g.Denied = perm.Set(denied)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ── Rooms ──

func (s *PostgresStore) CreateRoom(ctx context.Context, name string, stamp clock.Timestamp) (Room, error) {
	room := Room{Name: name, Stamp: stamp}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rooms (name, last_modified, faddishness)
		VALUES ($1, $2, $3) RETURNING id
	`, name, stamp.LastModified, stamp.Faddishness).Scan(&room.ID)
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) RoomByID(ctx context.Context, roomID int64) (Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, deleted, last_modified, faddishness FROM rooms WHERE id=$1
	`, roomID).Scan(&r.ID, &r.Name, &r.Description, &r.Deleted, &r.Stamp.LastModified, &r.Stamp.Faddishness)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("lookup room: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, deleted, last_modified, faddishness FROM rooms ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Deleted, &r.Stamp.LastModified, &r.Stamp.Faddishness); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) SetRoomInfo(ctx context.Context, roomID int64, name, description string, stamp clock.Timestamp) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET name=$2, description=$3, last_modified=$4, faddishness=$5
		WHERE id=$1 AND NOT deleted
	`, roomID, name, description, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID int64, stamp clock.Timestamp) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET deleted=TRUE, last_modified=$2, faddishness=$3 WHERE id=$1 AND NOT deleted
	`, roomID, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Messages ──

// AppendMessage claims the room's next message index and inserts the message
// into its chunk. The claim and the insert share one transaction so indexes
// stay dense even under concurrent sends.
func (s *PostgresStore) AppendMessage(ctx context.Context, roomID int64, userID, content, attachmentObject string, stamp clock.Timestamp) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var index int64
	err = tx.QueryRowContext(ctx, `
		UPDATE rooms SET next_message_index = next_message_index + 1
		WHERE id=$1 AND NOT deleted RETURNING next_message_index - 1
	`, roomID).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("claim message index: %w", err)
	}

	msg := Message{
		RoomID:           roomID,
		ChunkID:          index / ChunkSize,
		Index:            int(index % ChunkSize),
		UserID:           userID,
		Content:          content,
		AttachmentObject: attachmentObject,
		Stamp:            stamp,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (room_id, chunk_id, idx, user_id, content, attachment_object, last_modified, faddishness)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.RoomID, msg.ChunkID, msg.Index, msg.UserID, msg.Content, msg.AttachmentObject, stamp.LastModified, stamp.Faddishness); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) MessageAt(ctx context.Context, roomID, chunkID int64, index int) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, chunk_id, idx, user_id, content, attachment_object, edited, deleted, last_modified, faddishness
		FROM messages WHERE room_id=$1 AND chunk_id=$2 AND idx=$3
	`, roomID, chunkID, index).Scan(&m.RoomID, &m.ChunkID, &m.Index, &m.UserID, &m.Content,
		&m.AttachmentObject, &m.Edited, &m.Deleted, &m.Stamp.LastModified, &m.Stamp.Faddishness)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("lookup message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, roomID, chunkID int64, index int, content string, stamp clock.Timestamp) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content=$4, edited=TRUE, last_modified=$5, faddishness=$6
		WHERE room_id=$1 AND chunk_id=$2 AND idx=$3 AND NOT deleted
	`, roomID, chunkID, index, content, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage tombstones the row: the chunk keeps its shape so per-chunk
// version tracking stays valid, clients render the deletion.
func (s *PostgresStore) DeleteMessage(ctx context.Context, roomID, chunkID int64, index int, stamp clock.Timestamp) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content='', attachment_object='', deleted=TRUE, last_modified=$4, faddishness=$5
		WHERE room_id=$1 AND chunk_id=$2 AND idx=$3
	`, roomID, chunkID, index, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MessagesInChunk(ctx context.Context, roomID, chunkID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, chunk_id, idx, user_id, content, attachment_object, edited, deleted, last_modified, faddishness
		FROM messages WHERE room_id=$1 AND chunk_id=$2 ORDER BY idx
	`, roomID, chunkID)
	if err != nil {
		return nil, fmt.Errorf("list chunk: %w", err)
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RoomID, &m.ChunkID, &m.Index, &m.UserID, &m.Content,
			&m.AttachmentObject, &m.Edited, &m.Deleted, &m.Stamp.LastModified, &m.Stamp.Faddishness); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ── Server info ──

func (s *PostgresStore) InfoEntries(ctx context.Context) ([]InfoEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, last_modified, faddishness FROM server_info ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list server info: %w", err)
	}
	defer rows.Close()
	var entries []InfoEntry
	for rows.Next() {
		var e InfoEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Stamp.LastModified, &e.Stamp.Faddishness); err != nil {
			return nil, fmt.Errorf("scan server info: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetInfo(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_info WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read server info: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) SetInfo(ctx context.Context, key, value string, stamp clock.Timestamp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_info (key, value, last_modified, faddishness)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value,
			last_modified=EXCLUDED.last_modified, faddishness=EXCLUDED.faddishness
	`, key, value, stamp.LastModified, stamp.Faddishness)
	if err != nil {
		return fmt.Errorf("write server info: %w", err)
	}
	return nil
}

// ── Session tokens ──

func (s *PostgresStore) SaveSessionToken(ctx context.Context, tokenHash, userID, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tokens (token_hash, user_id, device_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, device_id=EXCLUDED.device_id
	`, tokenHash, userID, deviceID)
	if err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupSessionToken(ctx context.Context, tokenHash string) (userID, deviceID string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id FROM session_tokens WHERE token_hash=$1
	`, tokenHash).Scan(&userID, &deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup session token: %w", err)
	}
	return userID, deviceID, nil
}
