// Package sfu supervises the external media-relay worker processes and routes
// voice-channel control messages to them. Worker failure is isolated per slot:
// a crash resets the slot, never the server.
package sfu

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"taigachat/server/internal/clock"
	"taigachat/server/internal/session"
)

type WorkerState int

const (
	Disconnected WorkerState = iota
	Connecting
	Connected
)

func (s WorkerState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Control message types understood by a media worker.
const (
	MsgNewChannel    = "NewChannel"
	MsgAddPeer       = "AddPeer"
	MsgRemovePeer    = "RemovePeer"
	MsgSetDeafenPeer = "SetDeafenPeer"
	MsgHandleClient  = "HandleClient"
	MsgDeleteChannel = "DeleteChannel"
)

// Message is one JSON frame on a worker's control socket.
type Message struct {
	Type      string          `json:"type"`
	ChannelID int64           `json:"channelID"`
	PeerID    string          `json:"peerID,omitempty"`
	Deafened  bool            `json:"deafened,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RelayEvent is an inbound event from a worker, demultiplexed by channel and
// peer and forwarded verbatim to the owning session's push channel.
type RelayEvent struct {
	ChannelID int64           `json:"channelID"`
	PeerID    string          `json:"peerID"`
	Payload   json.RawMessage `json:"payload"`
}

// Process is a spawned worker process handle. Done delivers the exit exactly
// once; the pool observes it asynchronously and never blocks on it.
type Process interface {
	Kill() error
	Done() <-chan error
}

// Launcher spawns worker processes. The exec-based implementation is the
// production one; tests substitute their own.
type Launcher interface {
	Launch(index int, authCode string) (Process, error)
}

// ControlConn is the slice of a websocket connection the pool needs.
// *websocket.Conn satisfies it.
type ControlConn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// ActiveChannel is a voice channel with at least one current or former peer,
// bound to one worker slot for its active lifetime.
type ActiveChannel struct {
	ID          int64
	WorkerIndex int
	Peers       map[string]session.VoiceState
	Stamp       clock.Timestamp
}

type queued struct {
	generation uint64
	msg        Message
}

type worker struct {
	index      int
	state      WorkerState
	generation uint64
	authCode   string
	process    Process
	conn       ControlConn
	queue      []queued
}

type exitEvent struct {
	index      int
	generation uint64
	err        error
}

var ErrVoiceUnavailable = errors.New("voice unavailable")

// Pool is the fixed-size worker pool plus the active-channel map.
type Pool struct {
	launcher     Launcher
	clk          *clock.Clock
	relay        func(RelayEvent)
	respawnDelay time.Duration

	mu       sync.Mutex
	workers  []*worker
	channels map[int64]*ActiveChannel
	rrNext   int

	exits chan exitEvent
}

func NewPool(size int, launcher Launcher, clk *clock.Clock, relay func(RelayEvent)) *Pool {
	p := &Pool{
		launcher:     launcher,
		clk:          clk,
		relay:        relay,
		respawnDelay: 2 * time.Second,
		channels:     make(map[int64]*ActiveChannel),
		exits:        make(chan exitEvent, size*2+4),
	}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, &worker{index: i})
	}
	return p
}

// Start spawns every worker slot and begins supervising exits.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	for _, w := range p.workers {
		p.spawnLocked(w)
	}
	p.mu.Unlock()
	go p.supervise(ctx)
}

func (p *Pool) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.exits:
			p.mu.Lock()
			w := p.workers[ev.index]
			if w.generation != ev.generation {
				// Exit of a previous process instance; already handled.
				p.mu.Unlock()
				continue
			}
			log.Printf("sfu: worker %d exited: %v", ev.index, ev.err)
			p.resetLocked(w)
			p.mu.Unlock()
			index := ev.index
			time.AfterFunc(p.respawnDelay, func() {
				p.mu.Lock()
				defer p.mu.Unlock()
				if p.workers[index].state == Disconnected {
					p.spawnLocked(p.workers[index])
				}
			})
		}
	}
}

// spawnLocked rotates the slot's auth code and launches a fresh process,
// moving the slot to Connecting.
func (p *Pool) spawnLocked(w *worker) {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	w.generation++
	w.authCode = hex.EncodeToString(buf)
	process, err := p.launcher.Launch(w.index, w.authCode)
	if err != nil {
		log.Printf("sfu: spawn worker %d: %v", w.index, err)
		w.state = Disconnected
		w.authCode = ""
		return
	}
	w.process = process
	w.state = Connecting
	generation := w.generation
	go func() {
		err := <-process.Done()
		p.exits <- exitEvent{index: w.index, generation: generation, err: err}
	}()
}

// resetLocked forces the slot back to Disconnected: process killed, socket
// closed, code discarded, queued messages dropped. Queued messages belong to
// the dead process generation and mean nothing to its successor.
func (p *Pool) resetLocked(w *worker) {
	if w.process != nil {
		_ = w.process.Kill()
		w.process = nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.authCode = ""
	w.queue = nil
	w.state = Disconnected
}

// HandleControl attaches a worker's dialed-back control socket. The socket
// must present the auth code of a slot in Connecting state; queued messages
// flush strictly in submission order before anything newly submitted.
func (p *Pool) HandleControl(conn ControlConn, authCode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var w *worker
	for _, candidate := range p.workers {
		if candidate.state == Connecting && candidate.authCode != "" && candidate.authCode == authCode {
			w = candidate
			break
		}
	}
	if w == nil {
		return fmt.Errorf("no connecting worker for presented code")
	}

	// Flush under the lock: until the slot publishes Connected, a concurrent
	// send can neither write through the socket nor jump ahead of the queue.
	for _, q := range w.queue {
		if q.generation != w.generation {
			continue
		}
		if err := conn.WriteJSON(q.msg); err != nil {
			log.Printf("sfu: worker %d flush: %v", w.index, err)
			_ = conn.Close()
			p.resetLocked(w)
			return err
		}
	}
	w.queue = nil
	w.conn = conn
	w.state = Connected

	go p.readLoop(w.index, w.generation, conn)
	return nil
}

func (p *Pool) readLoop(index int, generation uint64, conn ControlConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.failWorker(index, generation, fmt.Errorf("control socket: %w", err))
			return
		}
		var ev RelayEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("sfu: worker %d sent malformed relay event: %v", index, err)
			continue
		}
		if p.relay != nil {
			p.relay(ev)
		}
	}
}

// failWorker resets a slot on socket failure, generation-checked so a stale
// goroutine can never reset the slot's next process instance.
func (p *Pool) failWorker(index int, generation uint64, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[index]
	if w.generation != generation {
		return
	}
	log.Printf("sfu: worker %d reset: %v", index, cause)
	p.resetLocked(w)
}

// send routes one control message to a slot. Connecting slots queue,
// Connected slots write through, Disconnected slots drop with a warning:
// voice state is ephemeral and clients resynchronize.
func (p *Pool) send(w *worker, msg Message) {
	switch w.state {
	case Connecting:
		w.queue = append(w.queue, queued{generation: w.generation, msg: msg})
	case Connected:
		if err := w.conn.WriteJSON(msg); err != nil {
			generation := w.generation
			index := w.index
			go p.failWorker(index, generation, fmt.Errorf("write: %w", err))
		}
	default:
		log.Printf("sfu: worker %d disconnected, dropping %s for channel %d", w.index, msg.Type, msg.ChannelID)
	}
}

// bindLocked returns the channel's worker, assigning one lazily round-robin
// on first use. A channel keeps its binding while the worker lives; after a
// reset the next join rebinds.
func (p *Pool) bindLocked(ch *ActiveChannel) (*worker, error) {
	if ch.WorkerIndex >= 0 {
		w := p.workers[ch.WorkerIndex]
		if w.state != Disconnected {
			return w, nil
		}
		ch.WorkerIndex = -1
	}
	for i := 0; i < len(p.workers); i++ {
		w := p.workers[(p.rrNext+i)%len(p.workers)]
		if w.state == Disconnected {
			continue
		}
		p.rrNext = (w.index + 1) % len(p.workers)
		ch.WorkerIndex = w.index
		p.send(w, Message{Type: MsgNewChannel, ChannelID: ch.ID})
		for _, peer := range ch.Peers {
			p.send(w, Message{Type: MsgAddPeer, ChannelID: ch.ID, PeerID: peer.PeerID})
		}
		return w, nil
	}
	return nil, ErrVoiceUnavailable
}

// Join adds a peer to a channel, creating and binding the channel lazily.
func (p *Pool) Join(channelID int64, peer session.VoiceState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		ch = &ActiveChannel{
			ID:          channelID,
			WorkerIndex: -1,
			Peers:       make(map[string]session.VoiceState),
			Stamp:       p.clk.Now(),
		}
		p.channels[channelID] = ch
	}
	alreadyBound := ch.WorkerIndex >= 0 && p.workers[ch.WorkerIndex].state != Disconnected
	w, err := p.bindLocked(ch)
	if err != nil {
		return err
	}
	ch.Peers[peer.PeerID] = peer
	ch.Stamp = p.clk.Now()
	if alreadyBound {
		// bindLocked replays peers only on a fresh binding.
		p.send(w, Message{Type: MsgAddPeer, ChannelID: channelID, PeerID: peer.PeerID})
	}
	return nil
}

func (p *Pool) Leave(channelID int64, peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		return
	}
	delete(ch.Peers, peerID)
	ch.Stamp = p.clk.Now()
	if ch.WorkerIndex >= 0 {
		p.send(p.workers[ch.WorkerIndex], Message{Type: MsgRemovePeer, ChannelID: channelID, PeerID: peerID})
	}
}

func (p *Pool) SetDeafen(channelID int64, peerID string, deafened bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		return
	}
	peer, ok := ch.Peers[peerID]
	if !ok {
		return
	}
	peer.Deafened = deafened
	ch.Peers[peerID] = peer
	ch.Stamp = p.clk.Now()
	if ch.WorkerIndex >= 0 {
		p.send(p.workers[ch.WorkerIndex], Message{Type: MsgSetDeafenPeer, ChannelID: channelID, PeerID: peerID, Deafened: deafened})
	}
}

// HandleClient forwards an opaque media-negotiation payload from a client.
func (p *Pool) HandleClient(channelID int64, peerID string, payload json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok || ch.WorkerIndex < 0 {
		return ErrVoiceUnavailable
	}
	p.send(p.workers[ch.WorkerIndex], Message{Type: MsgHandleClient, ChannelID: channelID, PeerID: peerID, Payload: payload})
	return nil
}

// DeleteChannel removes an administratively deleted channel.
func (p *Pool) DeleteChannel(channelID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		return
	}
	if ch.WorkerIndex >= 0 {
		p.send(p.workers[ch.WorkerIndex], Message{Type: MsgDeleteChannel, ChannelID: channelID})
	}
	delete(p.channels, channelID)
}

// Channel snapshots an active channel's peers, for provisioning and sync.
func (p *Pool) Channel(channelID int64) (ActiveChannel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		return ActiveChannel{}, false
	}
	snapshot := ActiveChannel{ID: ch.ID, WorkerIndex: ch.WorkerIndex, Stamp: ch.Stamp, Peers: make(map[string]session.VoiceState, len(ch.Peers))}
	for id, peer := range ch.Peers {
		snapshot.Peers[id] = peer
	}
	return snapshot, true
}

// WorkerStates reports each slot's state, for health reporting.
func (p *Pool) WorkerStates() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]WorkerState, len(p.workers))
	for i, w := range p.workers {
		states[i] = w.state
	}
	return states
}

// ── exec-based launcher ──

// ExecLauncher launches the configured worker binary. The slot's auth code
// and the server's control URL travel in the environment.
type ExecLauncher struct {
	BinPath    string
	ControlURL string
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan error {
	return p.done
}

func (l *ExecLauncher) Launch(index int, authCode string) (Process, error) {
	if l.BinPath == "" {
		return nil, fmt.Errorf("no worker binary configured")
	}
	cmd := exec.Command(l.BinPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TAIGACHAT_SFU_INDEX=%d", index),
		"TAIGACHAT_SFU_CODE="+authCode,
		"TAIGACHAT_SFU_CONTROL="+l.ControlURL,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	return &execProcess{cmd: cmd, done: done}, nil
}
