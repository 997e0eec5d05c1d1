package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Store holds the last value seen for every register and fans out change events to subscribers.
// Delivery is synchronous: Put and Publish return once every subscriber has handled the event, so events from a single
// publisher are observed in the order they were produced.
type Store struct {
	values cmap.ConcurrentMap[string, uint16]

	subscribersMu sync.RWMutex
	subscribers   []subscriber
	nextID        int
}

type subscriber struct {
	id int
	fn func(ChangeEvent)
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		values: cmap.New[uint16](),
	}
}

// Put replaces the cached value for the key and publishes a change event.
func (s *Store) Put(key CacheKey, value uint16) {
	s.values.Set(key.String(), value)
	s.Publish(ChangeEvent{
		LinkID:   key.LinkID,
		DeviceID: key.DeviceID,
		Register: key.Register,
		Value:    value,
	})
}

// Get returns the last value cached for the key, or false if it has never been observed.
func (s *Store) Get(key CacheKey) (uint16, bool) {
	return s.values.Get(key.String())
}

// Words returns the cached values of the given registers on a device, or false if any of them has never been observed.
func (s *Store) Words(linkID string, deviceID uint8, registers []uint16) ([]uint16, bool) {
	words := make([]uint16, len(registers))
	for i, r := range registers {
		val, ok := s.Get(CacheKey{LinkID: linkID, DeviceID: deviceID, Register: uint32(r)})
		if !ok {
			return nil, false
		}
		words[i] = val
	}
	return words, true
}

// Publish delivers the event to every subscriber in the order they subscribed.
// The ID and Time of the event are filled in if they are not set.
func (s *Store) Publish(event ChangeEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	s.subscribersMu.RLock()
	subscribers := s.subscribers
	s.subscribersMu.RUnlock()

	for _, sub := range subscribers {
		sub.fn(event)
	}
}

// Subscribe registers fn to be called for every change event, returning a function that removes the subscription.
// fn is called on the publisher's goroutine and must not block for long.
func (s *Store) Subscribe(fn func(ChangeEvent)) (unsubscribe func()) {
	s.subscribersMu.Lock()
	defer s.subscribersMu.Unlock()

	id := s.nextID
	s.nextID++
	// copy on write so that Publish can iterate without holding the lock
	subscribers := make([]subscriber, 0, len(s.subscribers)+1)
	subscribers = append(subscribers, s.subscribers...)
	s.subscribers = append(subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subscribersMu.Lock()
			defer s.subscribersMu.Unlock()
			remaining := make([]subscriber, 0, len(s.subscribers))
			for _, sub := range s.subscribers {
				if sub.id != id {
					remaining = append(remaining, sub)
				}
			}
			s.subscribers = remaining
		})
	}
}
