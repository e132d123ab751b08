package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kuleshov01/new-max-bot/internal/flow"
	"github.com/kuleshov01/new-max-bot/internal/messaging"
)

// Answer is a recorded callback acknowledgement.
type Answer struct {
	CallbackID   string
	Notification string
}

// FakePlatform is an in-memory messaging.Platform. Queued batches are handed
// out one per fetch; an empty queue yields empty batches after a short pause.
type FakePlatform struct {
	mu         sync.Mutex
	batches    []messaging.Batch
	nextMarker int64
	markers    []int64 // -1 for a nil marker
	sent       []flow.Outbound
	answers    []Answer
	fetchFails int
	fetchErr   error
	sendErr    error
	meErr      error
	panicFetch bool
}

// NewFakePlatform returns an empty fake.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{nextMarker: 100}
}

// Push queues one batch made of raw JSON updates; each batch gets a new marker.
func (p *FakePlatform) Push(updates ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := make([]json.RawMessage, len(updates))
	for i, u := range updates {
		raw[i] = json.RawMessage(u)
	}
	p.nextMarker++
	m := p.nextMarker
	p.batches = append(p.batches, messaging.Batch{Updates: raw, Marker: &m})
}

// FailFetches makes the next n fetches return err.
func (p *FakePlatform) FailFetches(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchFails, p.fetchErr = n, err
}

// FailSends makes every send return err until reset with nil.
func (p *FakePlatform) FailSends(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// FailMe makes Me return err.
func (p *FakePlatform) FailMe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meErr = err
}

// PanicOnNextFetch makes the next fetch panic, simulating a crashed loop.
func (p *FakePlatform) PanicOnNextFetch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panicFetch = true
}

func (p *FakePlatform) Me(ctx context.Context) (messaging.BotInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.meErr != nil {
		return messaging.BotInfo{}, p.meErr
	}
	return messaging.BotInfo{UserID: 1, Name: "fake", Username: "fake_bot"}, nil
}

func (p *FakePlatform) FetchUpdates(ctx context.Context, marker *int64) (messaging.Batch, error) {
	p.mu.Lock()
	if marker == nil {
		p.markers = append(p.markers, -1)
	} else {
		p.markers = append(p.markers, *marker)
	}
	if p.panicFetch {
		p.panicFetch = false
		p.mu.Unlock()
		panic("fake platform: fetch panicked")
	}
	if p.fetchFails > 0 {
		p.fetchFails--
		err := p.fetchErr
		p.mu.Unlock()
		return messaging.Batch{}, err
	}
	if len(p.batches) > 0 {
		b := p.batches[0]
		p.batches = p.batches[1:]
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return messaging.Batch{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return messaging.Batch{}, nil
	}
}

func (p *FakePlatform) SendMessage(ctx context.Context, msg flow.Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *FakePlatform) AnswerCallback(ctx context.Context, callbackID, notification string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, Answer{CallbackID: callbackID, Notification: notification})
	return nil
}

// Sent returns a copy of the delivered messages.
func (p *FakePlatform) Sent() []flow.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]flow.Outbound(nil), p.sent...)
}

// SentTexts returns the text of every delivered message.
func (p *FakePlatform) SentTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, m := range p.sent {
		out[i] = m.Text
	}
	return out
}

// Answers returns a copy of the recorded callback answers.
func (p *FakePlatform) Answers() []Answer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Answer(nil), p.answers...)
}

// Markers returns the marker passed to every fetch so far; -1 stands for nil.
func (p *FakePlatform) Markers() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.markers...)
}

// Pending reports how many queued batches have not been fetched.
func (p *FakePlatform) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

var _ messaging.Platform = (*FakePlatform)(nil)
