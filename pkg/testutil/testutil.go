// Package testutil provides shared test helpers: throwaway Neo N3
// identities and an event recorder.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/marketplace/internal/events"
)

// NewAddress returns the address of a freshly generated key.
func NewAddress(t testing.TB) string {
	t.Helper()
	priv, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv.PublicKey().Address()
}

// NewAddresses returns n distinct addresses.
func NewAddresses(t testing.TB, n int) []string {
	t.Helper()
	out := make([]string, n)
	for i := range out {
		out[i] = NewAddress(t)
	}
	return out
}

// Recorder is an events.Publisher that keeps everything it is given.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish implements events.Publisher.
func (r *Recorder) Publish(_ context.Context, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Handle lets the recorder subscribe to a RingBuffer.
func (r *Recorder) Handle(evt events.Event) {
	r.Publish(context.Background(), evt)
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Last returns the most recent event, or the zero Event.
func (r *Recorder) Last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return events.Event{}
	}
	return r.events[len(r.events)-1]
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
