package perm

import (
	"context"
	"testing"
)

type fakeSource struct {
	roles      map[string][]Role
	grants     map[string][]Grant
	roleCalls  int
	grantCalls int
}

func (f *fakeSource) RolesOfUser(_ context.Context, userID string) ([]Role, error) {
	f.roleCalls++
	return f.roles[userID], nil
}

func (f *fakeSource) GrantsForDomain(_ context.Context, domain string) ([]Grant, error) {
	f.grantCalls++
	return f.grants[domain], nil
}

func TestResolveUnionsSubdomains(t *testing.T) {
	// Role "Everyone" (penalty 2) grants readChat|writeChat at global;
	// role "Mod" (penalty 1) grants cleanChat at global.
	src := &fakeSource{
		roles: map[string][]Role{
			"u1": {
				{ID: 1, Title: "Everyone", Penalty: 2},
				{ID: 2, Title: "Mod", Penalty: 1},
			},
		},
		grants: map[string][]Grant{
			"global": {
				{RoleID: 1, Domain: "global", Allowed: Set(0).With(ReadChat, WriteChat)},
				{RoleID: 2, Domain: "global", Allowed: Set(0).With(CleanChat)},
			},
		},
	}
	engine := NewEngine("main", src)

	set, err := engine.Resolve(context.Background(), "global/textRoom.7", "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := Set(0).With(ReadChat, WriteChat, CleanChat)
	if set != want {
		t.Fatalf("Resolve() = %b, want %b", set, want)
	}
}

func TestResolveLowerPenaltyWinsConflicts(t *testing.T) {
	src := &fakeSource{
		roles: map[string][]Role{
			"u1": {
				{ID: 1, Title: "Everyone", Penalty: 2},
				{ID: 2, Title: "Muted", Penalty: 1},
			},
		},
		grants: map[string][]Grant{
			"global": {
				{RoleID: 1, Domain: "global", Allowed: Set(0).With(ReadChat, WriteChat)},
				{RoleID: 2, Domain: "global", Denied: Set(0).With(WriteChat)},
			},
		},
	}
	engine := NewEngine("main", src)

	set, err := engine.Resolve(context.Background(), "global", "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !set.Has(ReadChat) {
		t.Fatal("Resolve() dropped readChat")
	}
	if set.Has(WriteChat) {
		t.Fatal("Resolve() kept writeChat despite lower-penalty denial")
	}
}

func TestResolveSubdomainOverride(t *testing.T) {
	// A room-scoped denial subtracts from permissions granted at global.
	src := &fakeSource{
		roles: map[string][]Role{
			"u1": {{ID: 1, Title: "Everyone", Penalty: 2}},
		},
		grants: map[string][]Grant{
			"global":     {{RoleID: 1, Domain: "global", Allowed: Set(0).With(ReadChat, WriteChat)}},
			"textRoom.7": {{RoleID: 1, Domain: "textRoom.7", Denied: Set(0).With(WriteChat)}},
		},
	}
	engine := NewEngine("main", src)

	set, err := engine.Resolve(context.Background(), "global/textRoom.7", "u1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !set.Has(ReadChat) || set.Has(WriteChat) {
		t.Fatalf("Resolve() = %b, want readChat only", set)
	}
}

func TestResolveCachesUntilInvalidate(t *testing.T) {
	src := &fakeSource{
		roles:  map[string][]Role{"u1": {{ID: 1, Penalty: 2}}},
		grants: map[string][]Grant{"global": {{RoleID: 1, Domain: "global", Allowed: Set(0).With(ReadChat)}}},
	}
	engine := NewEngine("main", src)
	ctx := context.Background()

	if _, err := engine.Resolve(ctx, "global", "u1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	calls := src.grantCalls
	if _, err := engine.Resolve(ctx, "global", "u1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.grantCalls != calls {
		t.Fatalf("second Resolve() hit the source, grant calls %d -> %d", calls, src.grantCalls)
	}

	engine.Invalidate()
	if _, err := engine.Resolve(ctx, "global", "u1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.grantCalls == calls {
		t.Fatal("Resolve() after Invalidate() did not reload grants")
	}
}

func TestSetHas(t *testing.T) {
	set := Set(0).With(ReadChat, Admin)
	if !set.Has(ReadChat) || !set.Has(Admin) || set.Has(WriteChat) {
		t.Fatalf("Set membership wrong: %b", set)
	}
}
