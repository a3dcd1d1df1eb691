// Package sync computes and pushes per-session deltas. One debounced tick
// walks every acknowledged session, bounds the candidate set by the global
// low-water mark per path, and delivers only rows strictly newer than what
// each session has already recorded.
package sync

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"taigachat/server/internal/clock"
	"taigachat/server/internal/session"
	"taigachat/server/internal/version"
)

// Object is one authoritative row for a path, as supplied by the router.
type Object struct {
	Path      string
	Timestamp clock.Timestamp
	Data      json.RawMessage
}

// Router resolves a path to its current rows. Implemented by the app layer
// over the external stores.
type Router interface {
	Objects(ctx context.Context, path string) ([]Object, error)
}

// Filter applies per-user redaction to a candidate delivery. It runs per
// delivery and is never cached, so a permission change takes effect on the
// very next tick.
type Filter func(s *session.Session, o Object) (Object, bool)

// Push delivers a session's pending updates over its push channel.
type Push func(s *session.Session, updates []session.Update)

type Dispatcher struct {
	registry *session.Registry
	router   Router
	filter   Filter
	push     Push
	debounce time.Duration

	mu    sync.Mutex
	dirty chan struct{}
}

func NewDispatcher(registry *session.Registry, router Router, filter Filter, push Push, debounce time.Duration) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		router:   router,
		filter:   filter,
		push:     push,
		debounce: debounce,
		dirty:    make(chan struct{}, 1),
	}
}

// Schedule requests a tick. Bursts of mutations coalesce into one pass.
func (d *Dispatcher) Schedule() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

// Run drives debounced ticks until the context ends. Passes never overlap:
// there is exactly one ticking goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.dirty:
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.debounce):
		}
		if err := d.Tick(ctx); err != nil {
			log.Printf("sync: tick failed: %v", err)
		}
	}
}

// Ack records a session's acknowledgement blob and re-enables dispatch to it.
func (d *Dispatcher) Ack(s *session.Session, receivedVersions string) {
	ids := version.Decode(receivedVersions)
	d.mu.Lock()
	for _, id := range ids {
		// Acknowledgements only move forward.
		if current, ok := s.Acked[id.Path]; !ok || clock.IsOlder(current, id.Timestamp) {
			s.Acked[id.Path] = id.Timestamp
		}
	}
	s.Pending = nil
	s.UpdatesAcked = true
	d.mu.Unlock()
	d.Schedule()
}

// Tick runs one dispatch pass.
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessions := d.registry.All()

	// Step 1: global low-water mark per path across acknowledged sessions.
	lowWater := make(map[string]clock.Timestamp)
	for _, s := range sessions {
		if !s.UpdatesAcked {
			continue
		}
		for path, ts := range s.Acked {
			if current, ok := lowWater[path]; !ok || clock.IsOlder(ts, current) {
				lowWater[path] = ts
			}
		}
	}

	// Step 2: fetch authoritative rows, keep only those strictly newer than
	// the low-water mark. This bounds the pass to the minimum superset any
	// session could need.
	candidates := make(map[string][]Object, len(lowWater))
	for path, mark := range lowWater {
		rows, err := d.router.Objects(ctx, path)
		if err != nil {
			return err
		}
		var kept []Object
		for _, row := range rows {
			if clock.IsOlder(mark, row.Timestamp) {
				kept = append(kept, row)
			}
		}
		if len(kept) > 0 {
			candidates[path] = kept
		}
	}

	// Step 3: per session, keep rows newer than its own recorded timestamp,
	// redact, queue.
	for _, s := range sessions {
		if !s.UpdatesAcked {
			continue
		}
		for path, own := range s.Acked {
			for _, row := range candidates[path] {
				if !clock.IsOlder(own, row.Timestamp) {
					continue
				}
				filtered, ok := d.filter(s, row)
				if !ok {
					continue
				}
				s.Pending = append(s.Pending, session.Update{
					Path:      filtered.Path,
					Timestamp: filtered.Timestamp,
					Data:      filtered.Data,
				})
			}
		}
		// Step 4: push and require a fresh acknowledgement before the next
		// pass touches this session, so a stalled client cannot grow its queue
		// without bound.
		if len(s.Pending) > 0 {
			NormalizeRuns(s.Pending)
			d.push(s, s.Pending)
			s.UpdatesAcked = false
		}
	}
	return nil
}

// NormalizeRuns stamps every update in a contiguous same-path run with the
// run's maximum timestamp. A client bumps its per-path version from the run's
// last entry, which must reflect the true most-recent change even when older
// entries were skipped by the low-water-mark filter.
func NormalizeRuns(updates []session.Update) {
	for start := 0; start < len(updates); {
		end := start + 1
		maxTS := updates[start].Timestamp
		for end < len(updates) && updates[end].Path == updates[start].Path {
			if clock.IsOlder(maxTS, updates[end].Timestamp) {
				maxTS = updates[end].Timestamp
			}
			end++
		}
		for i := start; i < end; i++ {
			updates[i].Timestamp = maxTS
		}
		start = end
	}
}
