// Package perm resolves role-based permission bitmasks over hierarchical,
// slash-delimited domains such as "global/textRoom.7".
package perm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Bit is a permission bit position. The vocabulary is closed: the provisioning
// handshake advertises it and grant rows store masks built from it.
type Bit uint

const (
	ReadChat Bit = iota
	WriteChat
	CleanChat
	EditRoles
	EditChannels
	EditServerInfo
	JoinVoice
	ModerateVoice
	UploadAttachments
	Admin
	bitCount
)

var bitNames = [bitCount]string{
	"readChat",
	"writeChat",
	"cleanChat",
	"editRoles",
	"editChannels",
	"editServerInfo",
	"joinVoice",
	"moderateVoice",
	"uploadAttachments",
	"admin",
}

func (b Bit) String() string {
	if b < bitCount {
		return bitNames[b]
	}
	return fmt.Sprintf("bit(%d)", uint(b))
}

// Names lists every permission name in bit order.
func Names() []string {
	return bitNames[:]
}

// Set is a permission bitmask.
type Set uint64

func (s Set) Has(b Bit) bool {
	return s&(1<<b) != 0
}

func (s Set) With(bits ...Bit) Set {
	for _, b := range bits {
		s |= 1 << b
	}
	return s
}

// Role is the permission-relevant slice of a role row. Lower Penalty means
// higher precedence when two roles disagree about a bit.
type Role struct {
	ID           int64
	Title        string
	Penalty      int
	DefaultRole  bool
	DefaultAdmin bool
}

// Grant scopes an allowed/denied mask pair to one role within one subdomain.
// For a given bit, Allowed and Denied are mutually exclusive within a row.
type Grant struct {
	RoleID  int64
	Domain  string
	Allowed Set
	Denied  Set
}

// Source supplies role and grant rows, normally backed by the store.
type Source interface {
	RolesOfUser(ctx context.Context, userID string) ([]Role, error)
	GrantsForDomain(ctx context.Context, domain string) ([]Grant, error)
}

// Engine computes effective permission sets and caches them until the next
// role, grant, or membership mutation. Invalidation is coarse (full flush):
// mutations are rare relative to reads.
type Engine struct {
	serverID string
	source   Source

	mu    sync.Mutex
	cache map[string]Set
}

func NewEngine(serverID string, source Source) *Engine {
	return &Engine{
		serverID: serverID,
		source:   source,
		cache:    make(map[string]Set),
	}
}

// Resolve returns the user's effective permission set for a compound domain.
//
// Each subdomain segment folds the user's roles, applied from highest penalty
// to lowest so that the lowest-penalty role has the last word on any contested
// bit. A grant's allowed bits clear the running denied set and vice versa.
// Segment results then accumulate left to right: allowed bits union in,
// denied bits subtract.
func (e *Engine) Resolve(ctx context.Context, domain, userID string) (Set, error) {
	roles, err := e.source.RolesOfUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load roles: %w", err)
	}
	key := e.cacheKey(domain, roles)

	e.mu.Lock()
	cached, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Penalty != roles[j].Penalty {
			return roles[i].Penalty > roles[j].Penalty
		}
		return roles[i].ID > roles[j].ID
	})

	var total Set
	for _, subdomain := range strings.Split(domain, "/") {
		grants, err := e.source.GrantsForDomain(ctx, subdomain)
		if err != nil {
			return 0, fmt.Errorf("load grants for %s: %w", subdomain, err)
		}
		byRole := make(map[int64]Grant, len(grants))
		for _, g := range grants {
			byRole[g.RoleID] = g
		}

		var allowed, denied Set
		for _, role := range roles {
			g, ok := byRole[role.ID]
			if !ok {
				continue
			}
			allowed |= g.Allowed
			denied &^= g.Allowed
			denied |= g.Denied
			allowed &^= g.Denied
		}
		total |= allowed
		total &^= denied
	}

	e.mu.Lock()
	e.cache[key] = total
	e.mu.Unlock()
	return total, nil
}

// Can is Resolve narrowed to a single bit.
func (e *Engine) Can(ctx context.Context, domain, userID string, b Bit) (bool, error) {
	set, err := e.Resolve(ctx, domain, userID)
	if err != nil {
		return false, err
	}
	return set.Has(b), nil
}

// Invalidate flushes the whole cache. Called on any role, grant, or
// role-membership mutation.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cache = make(map[string]Set)
	e.mu.Unlock()
}

func (e *Engine) cacheKey(domain string, roles []Role) string {
	ids := make([]int64, len(roles))
	for i, r := range roles {
		ids[i] = r.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString(e.serverID)
	b.WriteByte('|')
	b.WriteString(domain)
	for _, id := range ids {
		fmt.Fprintf(&b, "|%d", id)
	}
	return b.String()
}
