package npc

import (
	"testing"
	"time"
)

func TestAppendHistoryTrimsToLimit(t *testing.T) {
	n := New(1, "Greeter")
	for i := 0; i < HistoryLimit+10; i++ {
		n.AppendHistory(ChatMessage{Role: "user", Content: "msg"})
	}
	hist := n.History()
	if len(hist) != HistoryLimit {
		t.Fatalf("history length = %d, want %d", len(hist), HistoryLimit)
	}
}

func TestObserverStateAdvanceAccumulatesWhileNearby(t *testing.T) {
	obs := &ObserverState{AvatarUID: 2}
	start := time.Unix(0, 0)
	obs.Advance(start, true)
	obs.Advance(start.Add(500*time.Millisecond), true)
	obs.Advance(start.Add(1600*time.Millisecond), true)
	if obs.Attending < AttendingThreshold {
		t.Fatalf("Attending = %v, want >= %v", obs.Attending, AttendingThreshold)
	}
}

func TestObserverStateAdvanceResetsWhenNotNearby(t *testing.T) {
	obs := &ObserverState{AvatarUID: 3}
	start := time.Unix(0, 0)
	obs.Advance(start, true)
	obs.Advance(start.Add(2*time.Second), true)
	if obs.Attending == 0 {
		t.Fatalf("expected Attending to accumulate before leaving")
	}
	obs.Advance(start.Add(3*time.Second), false)
	if obs.Attending != 0 {
		t.Fatalf("Attending = %v after leaving, want 0", obs.Attending)
	}
}

func TestManagerTickOpensConversationAtThreshold(t *testing.T) {
	var broadcasts []string
	m := NewManager(Config{}, func(npcUID uint64, text string) {
		broadcasts = append(broadcasts, text)
	}, nil, func(uid uint64) string { return "Visitor" })
	m.Config.Endpoint = "http://127.0.0.1:0" // unreachable; worker call will fail harmlessly
	n := m.RegisterNPC(10, "Greeter")

	start := time.Unix(0, 0)
	m.Tick(10, 20, start, true)
	if n.Observer(20).Conversing {
		t.Fatalf("conversation opened before threshold crossed")
	}
	m.Tick(10, 20, start.Add(2*time.Second), true)
	if !n.Observer(20).Conversing {
		t.Fatalf("conversation did not open once attending threshold crossed")
	}

	m.dropWorker(10) // remove the worker from the registry; its goroutine exits on its own after IdleTeardown
}

func TestManagerTickClosesConversationWhenObserverLeaves(t *testing.T) {
	m := NewManager(Config{}, func(uint64, string) {}, nil, func(uid uint64) string { return "Visitor" })
	n := m.RegisterNPC(11, "Greeter")
	obs := n.Observer(21)
	obs.Conversing = true
	obs.Attending = AttendingThreshold

	start := time.Unix(0, 0)
	m.Tick(11, 21, start, false)
	if n.Observer(21).Conversing {
		t.Fatalf("conversation should have closed once observer left")
	}
	m.dropWorker(11)
}

func TestFlusherFeedDoesNotFlushUntilFlushComplete(t *testing.T) {
	var got []string
	f := newFlusher(func(s string) { got = append(got, s) })
	f.feed("Hello there")
	if len(got) != 0 {
		t.Fatalf("feed flushed early: %v", got)
	}
	f.feed(". More")
	f.flushComplete()
	if len(got) != 1 || got[0] != "Hello there." {
		t.Fatalf("flushComplete = %v, want [%q]", got, "Hello there.")
	}
	f.flushRemainder()
	if len(got) != 2 || got[1] != "More" {
		t.Fatalf("flushRemainder = %v, want second element %q", got, "More")
	}
}

func TestFlusherFlushCompleteKeepsIncompleteRemainder(t *testing.T) {
	var got []string
	f := newFlusher(func(s string) { got = append(got, s) })
	f.feed("One. Two")
	f.flushComplete()
	if len(got) != 1 || got[0] != "One." {
		t.Fatalf("flushComplete = %v, want [%q]", got, "One.")
	}
	f.feed(" done!")
	f.flushComplete()
	if len(got) != 2 || got[1] != "Two done!" {
		t.Fatalf("second flushComplete = %v, want second element %q", got, "Two done!")
	}
}

func TestSplitCompleteSentences(t *testing.T) {
	complete, remainder, ok := splitCompleteSentences("Hi there. How are")
	if !ok || complete != "Hi there." || remainder != " How are" {
		t.Fatalf("got (%q, %q, %v)", complete, remainder, ok)
	}
	if _, _, ok := splitCompleteSentences("no terminator yet"); ok {
		t.Fatalf("expected ok=false for unterminated buffer")
	}
}

func TestRemoveObserverDropsState(t *testing.T) {
	n := New(5, "Greeter")
	obs := n.Observer(6)
	obs.Conversing = true
	n.RemoveObserver(6)
	if len(n.ConversingObservers()) != 0 {
		t.Fatalf("expected no conversing observers after RemoveObserver")
	}
	fresh := n.Observer(6)
	if fresh.Conversing {
		t.Fatalf("re-creating observer 6 should start with a clean state")
	}
}
