package npc

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// worker drives one NPC's streaming model connection, grounded on
// internal/agent/stream.go's channel-based accumulator (here a trigger
// channel replaces its chunk channel, since this worker is driven by
// world events rather than by a caller pulling chunks).
type worker struct {
	mgr *Manager
	npc *NPC

	pending chan struct{}
}

func newWorker(mgr *Manager, n *NPC) *worker {
	return &worker{mgr: mgr, npc: n, pending: make(chan struct{}, 1)}
}

// nudge wakes the worker to process whatever was just appended to history.
func (w *worker) nudge() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// run is the worker's main loop: it waits for a nudge, streams one model
// turn, and tears itself down after IdleTeardown with no nudges, per spec
// §4.J/§5.
func (w *worker) run() {
	defer w.mgr.dropWorker(w.npc.AvatarUID)
	idle := time.NewTimer(IdleTeardown)
	defer idle.Stop()
	for {
		select {
		case <-w.pending:
			if !idle.Stop() {
				<-idle.C
			}
			w.runTurn()
			idle.Reset(IdleTeardown)
		case <-idle.C:
			return
		}
	}
}

// streamChunk is one SSE "data:" event's JSON payload, modelled on a
// standard streaming-chat-completion delta shape (content fragments plus
// incrementally-built tool calls).
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (w *worker) runTurn() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	body, err := w.buildRequestBody()
	if err != nil {
		log.Printf("npc: build request for avatar %d: %v", w.npc.AvatarUID, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.mgr.Config.Endpoint, bytes.NewReader(body))
	if err != nil {
		log.Printf("npc: new request for avatar %d: %v", w.npc.AvatarUID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if w.mgr.Config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.mgr.Config.APIKey)
	}

	resp, err := w.mgr.HTTPClient.Do(req)
	if err != nil {
		log.Printf("npc: stream request for avatar %d: %v", w.npc.AvatarUID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("npc: stream for avatar %d: status %d", w.npc.AvatarUID, resp.StatusCode)
		return
	}

	acc := newFlusher(func(text string) { w.mgr.Broadcast(w.npc.AvatarUID, text) })
	var assistantText bytes.Buffer
	var toolCalls []toolCall
	gestureStop := map[string]*time.Timer{}

	events := make(chan sseEvent, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		sse := newSSEReader(resp.Body)
		for {
			ev, err := sse.Next()
			if err != nil {
				readErr <- err
				return
			}
			events <- ev
			if ev.Data == "[DONE]" {
				return
			}
		}
	}()

	// silenceTimer implements spec §4.J's "once 0.3s passes with no
	// further streamed data, any complete sentences ... are packaged and
	// broadcast": it is reset on every content delta and, when it fires
	// uninterrupted, flushes whatever complete sentences the accumulator
	// currently holds.
	silenceTimer := time.NewTimer(SilenceFlushDelay)
	if !silenceTimer.Stop() {
		<-silenceTimer.C
	}
	timerArmed := false

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if ev.Data == "[DONE]" {
				break loop
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					assistantText.WriteString(choice.Delta.Content)
					acc.feed(choice.Delta.Content)
					if timerArmed && !silenceTimer.Stop() {
						<-silenceTimer.C
					}
					silenceTimer.Reset(SilenceFlushDelay)
					timerArmed = true
				}
				for _, tc := range choice.Delta.ToolCalls {
					toolCalls = append(toolCalls, toolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
				}
			}
		case <-silenceTimer.C:
			timerArmed = false
			acc.flushComplete()
		}
	}
	if timerArmed && !silenceTimer.Stop() {
		<-silenceTimer.C
	}
	acc.flushRemainder()

	for _, tc := range toolCalls {
		w.handleToolCall(tc, gestureStop)
	}

	w.npc.AppendHistory(ChatMessage{Role: "assistant", Content: assistantText.String()})
}

type toolCall struct {
	ID        string
	Name      string
	Arguments string
}

func (w *worker) handleToolCall(tc toolCall, gestureStop map[string]*time.Timer) {
	w.npc.AppendHistory(ChatMessage{Role: "tool", ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Arguments})
	switch tc.Name {
	case "perform_wave_gesture", "perform_bow_gesture":
		gesture := "wave"
		if tc.Name == "perform_bow_gesture" {
			gesture = "bow"
		}
		if w.mgr.Gesture != nil {
			w.mgr.Gesture(w.npc.AvatarUID, gesture)
		}
		t := time.AfterFunc(GestureRepeatStop, func() {
			if w.mgr.Gesture != nil {
				w.mgr.Gesture(w.npc.AvatarUID, "stop:"+gesture)
			}
		})
		gestureStop[tc.ID] = t
	}
}

func (w *worker) buildRequestBody() ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type toolDef struct {
		Type     string         `json:"type"`
		Function map[string]any `json:"function"`
	}
	type reqBody struct {
		Model    string    `json:"model"`
		Messages []message `json:"messages"`
		Tools    []toolDef `json:"tools,omitempty"`
		Stream   bool      `json:"stream"`
	}

	msgs := []message{{Role: "system", Content: w.mgr.Config.SystemPrompt}}
	for _, m := range w.npc.History() {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}

	var tools []toolDef
	for _, t := range w.mgr.Config.Tools {
		tools = append(tools, toolDef{Type: "function", Function: map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		}})
	}

	return json.Marshal(reqBody{
		Model:    w.mgr.Config.Model,
		Messages: msgs,
		Tools:    tools,
		Stream:   true,
	})
}

// flusher accumulates streamed text deltas and, on demand, packages
// whatever complete sentences the buffer currently holds into one
// broadcast call, per spec §4.J. feed never broadcasts by itself — only
// flushComplete (driven by the 0.3s silence timer in runTurn) and
// flushRemainder (driven by stream end) do, which is what lets the same
// sentence-boundary logic in sentence.go be exercised by a test without
// any real-time waiting.
type flusher struct {
	broadcast func(text string)
	buf       string
}

func newFlusher(broadcast func(text string)) *flusher {
	return &flusher{broadcast: broadcast}
}

func (f *flusher) feed(fragment string) {
	f.buf += fragment
}

// flushComplete broadcasts every complete sentence currently buffered,
// keeping any trailing incomplete sentence for the next round.
func (f *flusher) flushComplete() {
	complete, remainder, ok := splitCompleteSentences(f.buf)
	if !ok {
		return
	}
	if trimmed := trimSpace(complete); trimmed != "" {
		f.broadcast(trimmed)
	}
	f.buf = remainder
}

// flushRemainder broadcasts whatever is left in the buffer regardless of
// sentence completion, per spec §4.J's "[DONE], any remaining
// accumulated text is flushed".
func (f *flusher) flushRemainder() {
	if trimmed := trimSpace(f.buf); trimmed != "" {
		f.broadcast(trimmed)
	}
	f.buf = ""
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
