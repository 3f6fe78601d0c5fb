// Package npc implements the NPC chat subsystem from spec §4.J: per-NPC
// chat history, observer attention tracking, and a streaming worker that
// talks to a configured model endpoint over server-sent events.
package npc

import (
	"sync"
	"time"
)

// HistoryLimit is the bounded FIFO size, per spec §4.J's "drop oldest
// until size <= 50 messages".
const HistoryLimit = 50

// AttendingThreshold is how long an observer must stand nearby before a
// conversation opens, per spec §4.J.
const AttendingThreshold = 1500 * time.Millisecond

// SilenceFlushDelay is how long the worker waits after the last streamed
// delta before flushing any complete trailing sentence, per spec §4.J.
const SilenceFlushDelay = 300 * time.Millisecond

// GestureRepeatStop is how long a repeating gesture loop runs before
// stopping on its own, per spec §4.J.
const GestureRepeatStop = 3 * time.Second

// IdleTeardown is how long a worker waits with no activity before it is
// killed, per spec §4.J.
const IdleTeardown = 120 * time.Second

// ChatMessage is one entry of an NPC's persistent chat history.
type ChatMessage struct {
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCallID string
	ToolName   string
	ToolArgs   string
}

// ObserverState tracks one avatar's attention toward an NPC.
type ObserverState struct {
	AvatarUID       uint64
	Attending       time.Duration
	SinceGreeted    time.Duration
	SinceFarewelled time.Duration
	Conversing      bool
	lastTick        time.Time
}

// NPC is the per-NPC conversational state described in spec §4.J.
type NPC struct {
	AvatarUID   uint64
	DisplayName string

	mu        sync.Mutex
	history   []ChatMessage
	observers map[uint64]*ObserverState
	lookAt    uint64
}

// New creates an NPC with an empty history and observer set.
func New(avatarUID uint64, displayName string) *NPC {
	return &NPC{
		AvatarUID:   avatarUID,
		DisplayName: displayName,
		observers:   make(map[uint64]*ObserverState),
	}
}

// AppendHistory adds msg to the end of the history, trimming the oldest
// entries once the bound is exceeded.
func (n *NPC) AppendHistory(msg ChatMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, msg)
	if over := len(n.history) - HistoryLimit; over > 0 {
		n.history = n.history[over:]
	}
}

// History returns a copy of the current chat history.
func (n *NPC) History() []ChatMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ChatMessage, len(n.history))
	copy(out, n.history)
	return out
}

// Observer returns (creating if absent) the observer state for avatarUID.
func (n *NPC) Observer(avatarUID uint64) *ObserverState {
	n.mu.Lock()
	defer n.mu.Unlock()
	obs, ok := n.observers[avatarUID]
	if !ok {
		obs = &ObserverState{AvatarUID: avatarUID}
		n.observers[avatarUID] = obs
	}
	return obs
}

// RemoveObserver drops an observer's tracked state once it moves away.
func (n *NPC) RemoveObserver(avatarUID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.observers, avatarUID)
}

// ConversingObservers returns the UIDs of every observer currently in
// conversation with this NPC.
func (n *NPC) ConversingObservers() []uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []uint64
	for uid, obs := range n.observers {
		if obs.Conversing {
			out = append(out, uid)
		}
	}
	return out
}

// SetLookTarget records which avatar the NPC is currently facing.
func (n *NPC) SetLookTarget(avatarUID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookAt = avatarUID
}

// Advance accumulates elapsed wall-clock time since the previous call into
// Attending (or resets it, when the observer is no longer nearby). It
// returns the elapsed duration so callers can also advance
// SinceGreeted/SinceFarewelled.
func (o *ObserverState) Advance(now time.Time, nearby bool) time.Duration {
	var elapsed time.Duration
	if !o.lastTick.IsZero() {
		elapsed = now.Sub(o.lastTick)
	}
	o.lastTick = now
	if nearby {
		o.Attending += elapsed
	} else {
		o.Attending = 0
	}
	o.SinceGreeted += elapsed
	o.SinceFarewelled += elapsed
	return elapsed
}
