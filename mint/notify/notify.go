// Package notify provides an in-process pub/sub hub for mint state changes:
// proof state transitions and mint/melt quote state transitions. Subscribers
// get a backfilled current state on subscribe, then any subsequent updates.
package notify

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/satoshinuts/mint/cashu/nuts/nut04"
	"github.com/satoshinuts/mint/cashu/nuts/nut05"
	"github.com/satoshinuts/mint/cashu/nuts/nut07"
)

// Topic identifies what a subscriber wants updates for.
type Topic struct {
	kind string
	id   string
}

func ProofStateTopic(Y string) Topic     { return Topic{kind: "proof_state", id: Y} }
func MintQuoteTopic(quoteId string) Topic { return Topic{kind: "mint_quote", id: quoteId} }
func MeltQuoteTopic(quoteId string) Topic { return Topic{kind: "melt_quote", id: quoteId} }

func (t Topic) key() string { return t.kind + ":" + t.id }

// Event is delivered to a subscriber of a topic. Exactly one of the three
// fields is populated, matching the Topic kind the subscriber asked for.
type Event struct {
	Topic      Topic
	ProofState *nut07.ProofState
	MintQuote  *MintQuoteState
	MeltQuote  *MeltQuoteState
}

type MintQuoteState struct {
	QuoteId string
	State   nut04.State
}

type MeltQuoteState struct {
	QuoteId string
	State   nut05.State
}

type subscribers map[string]*Subscriber

// Hub fans out state-change events to subscribers grouped by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]subscribers
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]subscribers)}
}

// Subscribe registers a new subscriber for topic, backfilling it with the
// current state returned by backfill (nil means there's nothing to backfill
// yet, e.g. a fresh quote that hasn't changed state).
func (h *Hub) Subscribe(topic Topic, backfill *Event) *Subscriber {
	h.mu.Lock()
	key := topic.key()
	if h.topics[key] == nil {
		h.topics[key] = make(subscribers)
	}
	s := newSubscriber()
	h.topics[key][s.id] = s
	h.mu.Unlock()

	if backfill != nil {
		go s.signal(backfill)
	}
	return s
}

func (h *Hub) Unsubscribe(topic Topic, s *Subscriber) {
	h.mu.Lock()
	delete(h.topics[topic.key()], s.id)
	h.mu.Unlock()
}

// Publish delivers event to every current subscriber of its topic. Delivery
// is best-effort and fire-and-forget: a slow or gone subscriber cannot block
// the publisher.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	subs := h.topics[event.Topic.key()]
	h.mu.RUnlock()

	for _, s := range subs {
		go s.signal(&event)
	}
}

type Subscriber struct {
	id     string
	events chan *Event
	mu     sync.RWMutex
	active bool
}

func newSubscriber() *Subscriber {
	id := make([]byte, 16)
	rand.Read(id)
	return &Subscriber{
		id:     hex.EncodeToString(id),
		events: make(chan *Event, 1),
		active: true,
	}
}

// signal delivers e without blocking. If the channel is already full the
// stale queued event is dropped first, so a lagging subscriber always ends
// up with the most recent event rather than the oldest one it missed.
func (s *Subscriber) signal(e *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return
	}
	select {
	case s.events <- e:
		return
	default:
	}
	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- e:
	default:
	}
}

func (s *Subscriber) Events() <-chan *Event {
	return s.events
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		close(s.events)
	}
}
