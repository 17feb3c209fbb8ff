package main

import (
	"sync"
	"time"
)

// AwaitKind names the input an owner was asked to send next.
type AwaitKind string

const (
	AwaitGreetingText AwaitKind = "text"
	AwaitPhoto        AwaitKind = "photo"
	AwaitVideo        AwaitKind = "video"
	AwaitVideoNote    AwaitKind = "videonote"
	AwaitButtonURL    AwaitKind = "button_url"
)

type awaitKey struct {
	chatID int64
	userID int64
}

type awaitedInput struct {
	Kind     AwaitKind
	Greeting GreetingKind
	expires  time.Time
}

// AwaitTable remembers, per (chat, user), which input the next message answers.
// Entries expire after ttl so an abandoned prompt does not capture later messages.
type AwaitTable struct {
	mu      sync.Mutex
	clock   Clock
	ttl     time.Duration
	entries map[awaitKey]awaitedInput
}

func NewAwaitTable(clock Clock, ttl time.Duration) *AwaitTable {
	return &AwaitTable{clock: clock, ttl: ttl, entries: make(map[awaitKey]awaitedInput)}
}

func (t *AwaitTable) Set(chatID, userID int64, kind AwaitKind, greeting GreetingKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[awaitKey{chatID, userID}] = awaitedInput{
		Kind:     kind,
		Greeting: greeting,
		expires:  t.clock.Now().Add(t.ttl),
	}
}

// Peek returns the live entry without consuming it.
func (t *AwaitTable) Peek(chatID, userID int64) (awaitedInput, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := awaitKey{chatID, userID}
	in, ok := t.entries[key]
	if !ok {
		return awaitedInput{}, false
	}
	if !t.clock.Now().Before(in.expires) {
		delete(t.entries, key)
		return awaitedInput{}, false
	}
	return in, true
}

func (t *AwaitTable) Clear(chatID, userID int64) {
	t.mu.Lock()
	delete(t.entries, awaitKey{chatID, userID})
	t.mu.Unlock()
}
