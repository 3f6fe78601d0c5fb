// Package dash implements a diagnostic websocket feed of world dirty-set
// activity, the sibling surface SPEC_FULL.md's DOMAIN STACK assigns to
// github.com/coder/websocket (the teacher's relay transport) and
// github.com/golang-jwt/jwt/v5 (the teacher's device-token library). It is
// explicitly a read-only debug sibling to the binary TCP/TLS protocol
// (spec §6.1 remains the primary client transport).
package dash

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// Event is one line of the diagnostic feed.
type Event struct {
	Time  time.Time `json:"time"`
	World string    `json:"world"`
	Kind  string    `json:"kind"` // "object", "parcel", "chunk"
	Count int       `json:"count"`
}

// tokenClaims is the short-lived admin token's payload, issued by
// IssueToken and checked by Hub.ServeHTTP before upgrading.
type tokenClaims struct {
	jwt.RegisteredClaims
	Admin bool `json:"admin"`
}

// IssueToken mints a short-lived HS256 admin token for the diagnostic feed,
// reusing the teacher's golang-jwt/jwt/v5 dependency narrowly for this one
// purpose (SPEC_FULL.md's DOMAIN STACK table).
func IssueToken(secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Admin: true,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

func verifyToken(secret []byte, raw string) error {
	tok, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return err
	}
	claims, ok := tok.Claims.(*tokenClaims)
	if !ok || !tok.Valid || !claims.Admin {
		return fmt.Errorf("dash: invalid admin token")
	}
	return nil
}

// Hub fans Events out to every connected diagnostic websocket client.
type Hub struct {
	Secret []byte

	register   chan chan Event
	unregister chan chan Event
	events     chan Event
}

// NewHub constructs a Hub; secret signs/verifies admin tokens via
// IssueToken/ServeHTTP.
func NewHub(secret []byte) *Hub {
	return &Hub{
		Secret:     secret,
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		events:     make(chan Event, 64),
	}
}

// Publish enqueues an Event for every currently-connected client; never
// blocks (per spec §5's back-pressure discipline applied to this
// diagnostic sibling too).
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
	}
}

// Run fans events out to subscribers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	subscribers := make(map[chan Event]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			subscribers[c] = struct{}{}
		case c := <-h.unregister:
			delete(subscribers, c)
			close(c)
		case ev := <-h.events:
			for c := range subscribers {
				select {
				case c <- ev:
				default:
				}
			}
		}
	}
}

// ServeHTTP upgrades an authenticated admin request to a websocket and
// streams Events until the client disconnects. The admin token is read
// from the "token" query parameter, matching the teacher's bearer-token
// handshake convention in internal/ws generalised to a query string since
// browsers cannot set arbitrary headers on a websocket upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := verifyToken(h.Secret, r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("dash: accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ch := make(chan Event, 16)
	h.register <- ch
	defer func() { h.unregister <- ch }()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

// PublishWorldSnapshot publishes one Event per non-empty dirty set in
// world, called by the app layer's snapshotter right after it drains them.
func PublishWorldSnapshot(h *Hub, worldName string, objects, parcels, chunks int) {
	now := time.Now()
	if objects > 0 {
		h.Publish(Event{Time: now, World: worldName, Kind: "object", Count: objects})
	}
	if parcels > 0 {
		h.Publish(Event{Time: now, World: worldName, Kind: "parcel", Count: parcels})
	}
	if chunks > 0 {
		h.Publish(Event{Time: now, World: worldName, Kind: "chunk", Count: chunks})
	}
}

// WorldSummary is a convenience snapshot used by an admin HTTP endpoint
// that lists live worlds and their entity counts, reading worldstate.State
// under its lock.
type WorldSummary struct {
	Name    string `json:"name"`
	Objects int    `json:"objects"`
	Avatars int    `json:"avatars"`
	Parcels int    `json:"parcels"`
	Chunks  int    `json:"chunks"`
}

// Summarize reads state under its lock and returns one WorldSummary per
// world, for a "/worlds" diagnostic HTTP handler the app layer may wire.
func Summarize(state *worldstate.State) []WorldSummary {
	state.Lock()
	defer state.Unlock()

	worlds := state.WorldsMap()
	out := make([]WorldSummary, 0, len(worlds))
	for name, w := range worlds {
		out = append(out, WorldSummary{
			Name:    name,
			Objects: len(w.Objects),
			Avatars: len(w.Avatars),
			Parcels: len(w.Parcels),
			Chunks:  len(w.Chunks),
		})
	}
	return out
}

// MarshalSummaries is a small helper so the app layer's HTTP handler stays
// a one-liner.
func MarshalSummaries(summaries []WorldSummary) ([]byte, error) {
	return json.Marshal(summaries)
}
