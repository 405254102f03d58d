package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// StatusEvent is one message pushed to SSE clients: a log line or, for
// level "status", a session snapshot.
type StatusEvent struct {
	Time   string `json:"t"`
	Level  string `json:"l,omitempty"`
	Msg    string `json:"msg,omitempty"`
	Status any    `json:"status,omitempty"`
}

// StatusBroadcaster fans status messages out to SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	closed  bool
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON-encoded StatusEvents and a cleanup
// function. The cleanup may be called more than once. After Close the
// channel is returned already closed.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[ch]; ok {
			delete(b.clients, ch)
			close(ch)
		}
	}
}

// Close disconnects every client so streaming handlers return.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}

// Broadcast sends {"t":"...","l":level,"msg":msg} to every client. Slow
// clients miss messages rather than block the sender.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is Broadcast with level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastStatus sends a session snapshot with level "status".
func (b *StatusBroadcaster) BroadcastStatus(status any) {
	b.publish(StatusEvent{Level: "status", Status: status})
}

func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastWriter adapts b to io.Writer for debug.SetOutput.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

// Write broadcasts each non-empty line. A slog "level=" field sets the
// event level; other lines are "info".
func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		w.b.Broadcast(lineLevel(msg), msg)
	}
	return len(p), nil
}

func lineLevel(line string) string {
	for _, field := range strings.Fields(line) {
		if lvl, ok := strings.CutPrefix(field, "level="); ok {
			return strings.ToLower(lvl)
		}
	}
	return "info"
}
