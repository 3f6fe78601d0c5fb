package dash

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestIssueTokenRoundTrips(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := IssueToken(secret, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := verifyToken(secret, tok); err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if err := verifyToken([]byte("wrong-secret"), tok); err == nil {
		t.Fatalf("expected verification to fail with wrong secret")
	}
}

func TestServeHTTPRejectsMissingToken(t *testing.T) {
	h := NewHub([]byte("secret"))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHubBroadcastsToConnectedClient(t *testing.T) {
	secret := []byte("secret")
	h := NewHub(secret)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()

	tok, err := IssueToken(secret, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + tok

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	time.Sleep(20 * time.Millisecond) // let registration land
	h.Publish(Event{World: "", Kind: "object", Count: 3})

	readCtx, readCancel := context.WithTimeout(ctx, time.Second)
	defer readCancel()
	var ev Event
	if err := wsjson.Read(readCtx, conn, &ev); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ev.Kind != "object" || ev.Count != 3 {
		t.Fatalf("got %+v", ev)
	}
}
