package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"taigachat/server/internal/clock"
	"taigachat/server/internal/session"
	"taigachat/server/internal/version"
)

type fakeRouter struct {
	objects map[string][]Object
	calls   map[string]int
}

func (f *fakeRouter) Objects(_ context.Context, path string) ([]Object, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[path]++
	return f.objects[path], nil
}

func passAll(_ *session.Session, o Object) (Object, bool) { return o, true }

type capture struct {
	pushes map[int][]session.Update
}

func (c *capture) push(s *session.Session, updates []session.Update) {
	if c.pushes == nil {
		c.pushes = make(map[int][]session.Update)
	}
	copied := make([]session.Update, len(updates))
	copy(copied, updates)
	c.pushes[s.ID] = append(c.pushes[s.ID], copied...)
}

func ackedSession(reg *session.Registry, device string, versions map[string]clock.Timestamp) *session.Session {
	s := reg.Obtain(device)
	for path, ts := range versions {
		s.Acked[path] = ts
	}
	s.UpdatesAcked = true
	return s
}

func obj(path string, ts clock.Timestamp, data string) Object {
	return Object{Path: path, Timestamp: ts, Data: json.RawMessage(data)}
}

func TestTickDeliversOnlyStrictlyNewer(t *testing.T) {
	reg := session.NewRegistry()
	router := &fakeRouter{objects: map[string][]Object{
		"rooms": {
			obj("rooms", clock.Timestamp{LastModified: 5, Faddishness: 0}, `{"roomID":1}`),
			obj("rooms", clock.Timestamp{LastModified: 9, Faddishness: 0}, `{"roomID":2}`),
		},
	}}
	sink := &capture{}
	d := NewDispatcher(reg, router, passAll, sink.push, time.Millisecond)

	s := ackedSession(reg, "a", map[string]clock.Timestamp{"rooms": {LastModified: 5, Faddishness: 0}})
	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got := sink.pushes[s.ID]
	if len(got) != 1 {
		t.Fatalf("pushed %d updates, want 1: %+v", len(got), got)
	}
	if got[0].Timestamp != (clock.Timestamp{LastModified: 9, Faddishness: 0}) {
		t.Fatalf("pushed timestamp %+v, want {9 0}", got[0].Timestamp)
	}
	if s.UpdatesAcked {
		t.Fatal("UpdatesAcked not cleared after push")
	}
}

func TestTickNeverRegresses(t *testing.T) {
	// Duplicate ticks must not re-deliver: the session stays parked until it
	// re-acknowledges, and after the ack its recorded version excludes the row.
	reg := session.NewRegistry()
	router := &fakeRouter{objects: map[string][]Object{
		"rooms": {obj("rooms", clock.Timestamp{LastModified: 9, Faddishness: 0}, `{"roomID":2}`)},
	}}
	sink := &capture{}
	d := NewDispatcher(reg, router, passAll, sink.push, time.Millisecond)

	s := ackedSession(reg, "a", map[string]clock.Timestamp{"rooms": {LastModified: 5, Faddishness: 0}})
	ctx := context.Background()
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(sink.pushes[s.ID]) != 1 {
		t.Fatalf("parked session received %d pushes, want 1", len(sink.pushes[s.ID]))
	}

	d.Ack(s, version.EncodeAll([]version.Identifier{{Path: "rooms", Timestamp: clock.Timestamp{LastModified: 9, Faddishness: 0}}}))
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(sink.pushes[s.ID]) != 1 {
		t.Fatal("session received an update with timestamp <= its recorded version")
	}
}

func TestLowWaterMarkBoundsWork(t *testing.T) {
	reg := session.NewRegistry()
	router := &fakeRouter{objects: map[string][]Object{
		"rooms": {obj("rooms", clock.Timestamp{LastModified: 3, Faddishness: 0}, `{"roomID":1}`)},
	}}
	sink := &capture{}
	d := NewDispatcher(reg, router, passAll, sink.push, time.Millisecond)

	// Both sessions already have the row; nothing survives the low-water mark.
	ackedSession(reg, "a", map[string]clock.Timestamp{"rooms": {LastModified: 3, Faddishness: 0}})
	ackedSession(reg, "b", map[string]clock.Timestamp{"rooms": {LastModified: 4, Faddishness: 0}})

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(sink.pushes) != 0 {
		t.Fatalf("pushed %+v, want nothing", sink.pushes)
	}
}

func TestLaggardSessionStillServed(t *testing.T) {
	// The low-water mark is the minimum across sessions, so a laggard keeps
	// the candidate set wide enough for itself without flooding others.
	reg := session.NewRegistry()
	router := &fakeRouter{objects: map[string][]Object{
		"rooms": {
			obj("rooms", clock.Timestamp{LastModified: 5, Faddishness: 0}, `{"roomID":1}`),
			obj("rooms", clock.Timestamp{LastModified: 9, Faddishness: 0}, `{"roomID":2}`),
		},
	}}
	sink := &capture{}
	d := NewDispatcher(reg, router, passAll, sink.push, time.Millisecond)

	laggard := ackedSession(reg, "a", map[string]clock.Timestamp{"rooms": {LastModified: 1, Faddishness: 0}})
	fresh := ackedSession(reg, "b", map[string]clock.Timestamp{"rooms": {LastModified: 5, Faddishness: 0}})

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(sink.pushes[laggard.ID]) != 2 {
		t.Fatalf("laggard received %d updates, want 2", len(sink.pushes[laggard.ID]))
	}
	if len(sink.pushes[fresh.ID]) != 1 {
		t.Fatalf("fresh session received %d updates, want 1", len(sink.pushes[fresh.ID]))
	}
}

func TestFilterRedactsPerDelivery(t *testing.T) {
	reg := session.NewRegistry()
	router := &fakeRouter{objects: map[string][]Object{
		"rooms": {obj("rooms", clock.Timestamp{LastModified: 9, Faddishness: 0}, `{"roomID":7}`)},
	}}
	sink := &capture{}
	denied := true
	filter := func(s *session.Session, o Object) (Object, bool) {
		if denied {
			return Object{}, false
		}
		return o, true
	}
	d := NewDispatcher(reg, router, filter, sink.push, time.Millisecond)

	s := ackedSession(reg, "a", map[string]clock.Timestamp{"rooms": {LastModified: 1, Faddishness: 0}})
	ctx := context.Background()
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(sink.pushes[s.ID]) != 0 {
		t.Fatal("redacted row was delivered")
	}

	// Permission change takes effect on the very next tick.
	denied = false
	d.Ack(s, "")
	if err := d.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(sink.pushes[s.ID]) != 1 {
		t.Fatal("row not delivered after redaction lifted")
	}
}

func TestNormalizeRuns(t *testing.T) {
	updates := []session.Update{
		{Path: "chunk.1.0", Timestamp: clock.Timestamp{LastModified: 5, Faddishness: 0}},
		{Path: "chunk.1.0", Timestamp: clock.Timestamp{LastModified: 9, Faddishness: 2}},
		{Path: "chunk.1.0", Timestamp: clock.Timestamp{LastModified: 7, Faddishness: 1}},
		{Path: "rooms", Timestamp: clock.Timestamp{LastModified: 3, Faddishness: 0}},
		{Path: "chunk.1.0", Timestamp: clock.Timestamp{LastModified: 4, Faddishness: 0}},
	}
	NormalizeRuns(updates)

	for i := 0; i < 3; i++ {
		if updates[i].Timestamp != (clock.Timestamp{LastModified: 9, Faddishness: 2}) {
			t.Fatalf("updates[%d].Timestamp = %+v, want run maximum {9 2}", i, updates[i].Timestamp)
		}
	}
	if updates[3].Timestamp != (clock.Timestamp{LastModified: 3, Faddishness: 0}) {
		t.Fatalf("unrelated path restamped: %+v", updates[3])
	}
	if updates[4].Timestamp != (clock.Timestamp{LastModified: 4, Faddishness: 0}) {
		t.Fatalf("separate run restamped: %+v", updates[4])
	}
}

func TestAckOnlyMovesForward(t *testing.T) {
	reg := session.NewRegistry()
	d := NewDispatcher(reg, &fakeRouter{}, passAll, func(*session.Session, []session.Update) {}, time.Millisecond)

	s := reg.Obtain("a")
	d.Ack(s, version.EncodeAll([]version.Identifier{{Path: "rooms", Timestamp: clock.Timestamp{LastModified: 9, Faddishness: 0}}}))
	d.Ack(s, version.EncodeAll([]version.Identifier{{Path: "rooms", Timestamp: clock.Timestamp{LastModified: 5, Faddishness: 0}}}))
	if s.Acked["rooms"] != (clock.Timestamp{LastModified: 9, Faddishness: 0}) {
		t.Fatalf("Acked regressed to %+v", s.Acked["rooms"])
	}
}
