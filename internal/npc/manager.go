package npc

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ToolDescription is one function the model may call, per spec §4.J's
// "tool descriptions" sent with every request.
type ToolDescription struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// BroadcastFunc sends a chat message from an NPC's avatar to its world.
type BroadcastFunc func(npcUID uint64, text string)

// GestureFunc broadcasts a gesture frame from an NPC's avatar.
type GestureFunc func(npcUID uint64, gesture string)

// Config holds the model endpoint and prompt-building knobs for every NPC
// worker, per spec §4.J.
type Config struct {
	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	Tools        []ToolDescription
}

// Manager owns every live NPC's state and its (possibly absent) streaming
// worker, spinning one goroutine per conversing NPC per spec §5
// ("one task per live NPC's streaming HTTP connection").
type Manager struct {
	Config     Config
	HTTPClient *http.Client
	Broadcast  BroadcastFunc
	Gesture    GestureFunc
	NameOf     func(avatarUID uint64) string

	mu      sync.Mutex
	npcs    map[uint64]*NPC
	workers map[uint64]*worker
}

// NewManager constructs a Manager with a keep-alive HTTP client tuned for
// repeated calls to the same model endpoint, per spec §4.J/§5's "keep-
// alive HTTPS connection".
func NewManager(cfg Config, broadcast BroadcastFunc, gesture GestureFunc, nameOf func(uint64) string) *Manager {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Manager{
		Config:     cfg,
		HTTPClient: &http.Client{Transport: transport},
		Broadcast:  broadcast,
		Gesture:    gesture,
		NameOf:     nameOf,
		npcs:       make(map[uint64]*NPC),
		workers:    make(map[uint64]*worker),
	}
}

// RegisterNPC adds avatarUID as a conversable NPC, or returns its existing
// state if already registered.
func (m *Manager) RegisterNPC(avatarUID uint64, displayName string) *NPC {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.npcs[avatarUID]; ok {
		return n
	}
	n := New(avatarUID, displayName)
	m.npcs[avatarUID] = n
	return n
}

func (m *Manager) npc(avatarUID uint64) (*NPC, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.npcs[avatarUID]
	return n, ok
}

// Tick advances npcUID's tracking of observerUID's proximity, opening a
// conversation once the attending threshold is crossed, per spec §4.J's
// first trigger ("Observer attending >= 1.5s and not currently conversing").
func (m *Manager) Tick(npcUID, observerUID uint64, now time.Time, nearby bool) {
	n, ok := m.npc(npcUID)
	if !ok {
		return
	}
	obs := n.Observer(observerUID)
	obs.Advance(now, nearby)
	if !nearby {
		if obs.Conversing {
			m.closeConversation(n, obs)
		}
		return
	}
	if !obs.Conversing && obs.Attending >= AttendingThreshold {
		obs.Conversing = true
		obs.SinceGreeted = 0
		name := m.displayName(observerUID)
		m.trigger(n, fmt.Sprintf("%s is standing nearby", name))
	}
}

// ObserverLeft closes a conversation when an observer departs entirely
// (disconnects, teleports away), per spec §4.J's second trigger.
func (m *Manager) ObserverLeft(npcUID, observerUID uint64) {
	n, ok := m.npc(npcUID)
	if !ok {
		return
	}
	obs := n.Observer(observerUID)
	m.closeConversation(n, obs)
	n.RemoveObserver(observerUID)
}

func (m *Manager) closeConversation(n *NPC, obs *ObserverState) {
	if !obs.Conversing {
		return
	}
	obs.Conversing = false
	obs.SinceFarewelled = 0
	name := m.displayName(obs.AvatarUID)
	m.trigger(n, fmt.Sprintf("%s moved away", name))
}

// HeardChat forwards a conversing observer's chat into npcUID's history
// and nudges its worker to respond, per spec §4.J's third trigger.
func (m *Manager) HeardChat(npcUID, fromUID uint64, text string) {
	n, ok := m.npc(npcUID)
	if !ok {
		return
	}
	obs := n.Observer(fromUID)
	if !obs.Conversing {
		return
	}
	name := m.displayName(fromUID)
	n.AppendHistory(ChatMessage{Role: "user", Content: fmt.Sprintf("%s: %s", name, text)})
	m.trigger(n, "")
}

func (m *Manager) displayName(avatarUID uint64) string {
	if m.NameOf == nil {
		return fmt.Sprintf("avatar %d", avatarUID)
	}
	return m.NameOf(avatarUID)
}

// trigger records prompt (if non-empty) as a user message and ensures a
// worker is running to process it.
func (m *Manager) trigger(n *NPC, prompt string) {
	if prompt != "" {
		n.AppendHistory(ChatMessage{Role: "user", Content: prompt})
	}
	m.ensureWorker(n).nudge()
}

func (m *Manager) ensureWorker(n *NPC) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[n.AvatarUID]
	if ok {
		return w
	}
	w = newWorker(m, n)
	m.workers[n.AvatarUID] = w
	go w.run()
	return w
}

// dropWorker removes a worker from the registry once it tears itself down
// on idle, per spec §4.J's "if no activity for 120s, the worker is killed".
func (m *Manager) dropWorker(avatarUID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, avatarUID)
}
