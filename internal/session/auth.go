package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"taigachat/server/internal/clock"
	"taigachat/server/internal/store"
)

// signTag prefixes the nonce before signing so a login signature can never be
// replayed as a signature over arbitrary data.
const signTag = "taigachat-login:"

var (
	ErrBlocked       = errors.New("session blocked")
	ErrBadProof      = errors.New("proof verification failed")
	ErrMethodDenied  = errors.New("auth method not accepted")
	ErrWrongIdentity = errors.New("identity does not match expected user")
)

// Payload is the client-submitted auth proof. Transfers carry proofs for old
// identities the client wants migrated onto the main one.
type Payload struct {
	Method    string    `json:"method"`
	PublicKey string    `json:"publicKey,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Value     string    `json:"value,omitempty"`
	Transfers []Payload `json:"transfers,omitempty"`
}

// Failure is the structured authentication failure surfaced to clients with a
// fresh nonce, so a retry needs no extra round trip.
type Failure struct {
	Attempt    string `json:"attempt"`
	Error      string `json:"error"`
	Nonce      string `json:"nonce"`
	PublicSalt string `json:"publicSalt"`
}

func (f *Failure) Err() string { return f.Error }

// Store is the slice of the persistence layer the authenticator needs.
type Store interface {
	UserByAuthID(ctx context.Context, authID string) (store.User, error)
	CreateUser(ctx context.Context, u store.User) error
	CountUsers(ctx context.Context) (int, error)
	SetUserAuthID(ctx context.Context, userID, authID string, stamp clock.Timestamp) error
	AssignDefaultRoles(ctx context.Context, userID string, includeAdmin bool) error
	RevokeIdentity(ctx context.Context, authID string) error
	IsRevoked(ctx context.Context, authID string) (bool, error)
}

type Authenticator struct {
	store      Store
	tokens     TokenStore
	stamps     func() clock.Timestamp
	publicSalt string
	methods    map[string]bool
}

func NewAuthenticator(st Store, tokens TokenStore, stamps func() clock.Timestamp, publicSalt string, methods []string) *Authenticator {
	enabled := make(map[string]bool, len(methods))
	for _, m := range methods {
		enabled[m] = true
	}
	return &Authenticator{
		store:      st,
		tokens:     tokens,
		stamps:     stamps,
		publicSalt: publicSalt,
		methods:    enabled,
	}
}

func (a *Authenticator) PublicSalt() string {
	return a.publicSalt
}

// IssueNonce binds a fresh nonce to the session slot. A nonce stays valid
// until consumed by a successful authentication or replaced by a retry.
func (a *Authenticator) IssueNonce(s *Session, expectedAuthID string) string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	s.Nonce = hex.EncodeToString(buf)
	s.ExpectedAuthID = expectedAuthID
	if s.State == Unbound {
		s.State = Authenticating
	}
	return s.Nonce
}

// Reconnect is the handshake bypass: deviceID, token and expected userID must
// all match the slot.
func (a *Authenticator) Reconnect(s *Session, deviceID, token, userID string) bool {
	return s.State == Authenticated &&
		s.DeviceID == deviceID &&
		s.Token != "" && s.Token == token &&
		s.UserID == userID
}

// Resume restores an authenticated session from a presented token: the
// in-memory slot first, then the durable token tier, which is what keeps
// reconnects valid across a process restart.
func (a *Authenticator) Resume(ctx context.Context, s *Session, deviceID, token string) bool {
	if a.Reconnect(s, deviceID, token, s.UserID) {
		return true
	}
	if token == "" || s.State == Authenticated || s.State == Blocked {
		return false
	}
	record, err := a.tokens.Lookup(ctx, HashToken(token))
	if err != nil || record.UserID == "" || record.DeviceID != deviceID {
		return false
	}
	s.State = Authenticated
	s.UserID = record.UserID
	s.Token = token
	s.Nonce = ""
	s.FailedAttempts = 0
	return true
}

// Authenticate verifies the proof against the slot's nonce and resolves it to
// a user, creating or migrating one as needed. A failure counts toward the
// slot's permanent block; the returned Failure carries a fresh nonce.
func (a *Authenticator) Authenticate(ctx context.Context, s *Session, p Payload) (store.User, *Failure, error) {
	if s.State == Blocked {
		return store.User{}, &Failure{Attempt: p.Method, Error: "session blocked", PublicSalt: a.publicSalt}, ErrBlocked
	}
	if s.Nonce == "" {
		nonce := a.IssueNonce(s, s.ExpectedAuthID)
		return store.User{}, &Failure{Attempt: p.Method, Error: "nonce required", Nonce: nonce, PublicSalt: a.publicSalt}, ErrBadProof
	}

	authID, err := a.verify(p, s.Nonce)
	if err != nil {
		return store.User{}, a.fail(s, p.Method, err), err
	}
	if s.ExpectedAuthID != "" && s.ExpectedAuthID != authID {
		return store.User{}, a.fail(s, p.Method, ErrWrongIdentity), ErrWrongIdentity
	}

	user, err := a.resolve(ctx, s, authID, p.Transfers)
	if err != nil {
		var failure *Failure
		if errors.Is(err, ErrBadProof) || errors.Is(err, ErrWrongIdentity) {
			failure = a.fail(s, p.Method, err)
		}
		return store.User{}, failure, err
	}

	token, err := a.issueToken(ctx, s, user)
	if err != nil {
		return store.User{}, nil, err
	}
	s.Nonce = ""
	s.FailedAttempts = 0
	s.State = Authenticated
	s.UserID = user.ID
	s.Token = token
	return user, nil, nil
}

// resolve applies the ordered, short-circuiting identity resolution: the main
// authID first, then each offered transfer identity in listed order; the first
// match wins and later ones are ignored even if also valid.
func (a *Authenticator) resolve(ctx context.Context, s *Session, authID string, transfers []Payload) (store.User, error) {
	revoked, err := a.store.IsRevoked(ctx, authID)
	if err != nil {
		return store.User{}, err
	}
	if revoked {
		return store.User{}, fmt.Errorf("%w: identity revoked", ErrBadProof)
	}

	user, err := a.store.UserByAuthID(ctx, authID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, err
	}

	for _, transfer := range transfers {
		oldID, err := a.verify(transfer, s.Nonce)
		if err != nil {
			continue
		}
		if revoked, err := a.store.IsRevoked(ctx, oldID); err != nil {
			return store.User{}, err
		} else if revoked {
			continue
		}
		old, err := a.store.UserByAuthID(ctx, oldID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return store.User{}, err
		}
		// Migrate: the new identity takes over the account, the old one can
		// never authenticate again even if replayed.
		if err := a.store.SetUserAuthID(ctx, old.ID, authID, a.stamps()); err != nil {
			return store.User{}, err
		}
		if err := a.store.RevokeIdentity(ctx, oldID); err != nil {
			return store.User{}, err
		}
		old.AuthID = authID
		return old, nil
	}

	return a.createUser(ctx, authID)
}

func (a *Authenticator) createUser(ctx context.Context, authID string) (store.User, error) {
	count, err := a.store.CountUsers(ctx)
	if err != nil {
		return store.User{}, err
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	user := store.User{
		ID:     "u_" + hex.EncodeToString(buf),
		Name:   "New User",
		AuthID: authID,
		Stamp:  a.stamps(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	// The very first user on a server also receives every default-admin role.
	if err := a.store.AssignDefaultRoles(ctx, user.ID, count == 0); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// verify checks one proof against the nonce and derives its stable authID.
func (a *Authenticator) verify(p Payload, nonce string) (string, error) {
	if !a.methods[p.Method] {
		return "", fmt.Errorf("%w: %s", ErrMethodDenied, p.Method)
	}
	switch p.Method {
	case "key0":
		publicKey, err := base64.StdEncoding.DecodeString(p.PublicKey)
		if err != nil || len(publicKey) != ed25519.PublicKeySize {
			return "", fmt.Errorf("%w: bad public key", ErrBadProof)
		}
		signature, err := base64.StdEncoding.DecodeString(p.Signature)
		if err != nil {
			return "", fmt.Errorf("%w: bad signature encoding", ErrBadProof)
		}
		if !ed25519.Verify(publicKey, []byte(signTag+nonce), signature) {
			return "", ErrBadProof
		}
		digest := sha256.Sum256(publicKey)
		return "key0:" + hex.EncodeToString(digest[:]), nil
	case "anonymous0":
		if p.Value == "" {
			return "", fmt.Errorf("%w: empty anonymous value", ErrBadProof)
		}
		digest := blake2b.Sum256([]byte(a.publicSalt + p.Value))
		return "anonymous0:" + hex.EncodeToString(digest[:]), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrMethodDenied, p.Method)
	}
}

func (a *Authenticator) fail(s *Session, attempt string, cause error) *Failure {
	s.FailedAttempts++
	if s.FailedAttempts >= FailedAttemptLimit {
		s.State = Blocked
		return &Failure{Attempt: attempt, Error: "session blocked", PublicSalt: a.publicSalt}
	}
	nonce := a.IssueNonce(s, s.ExpectedAuthID)
	return &Failure{Attempt: attempt, Error: cause.Error(), Nonce: nonce, PublicSalt: a.publicSalt}
}

func (a *Authenticator) issueToken(ctx context.Context, s *Session, user store.User) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := a.tokens.Save(ctx, HashToken(token), user.ID, s.DeviceID); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// HashToken is the at-rest form of a session token.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
