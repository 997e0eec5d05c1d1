package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGet(t *testing.T) {
	store := NewStore()
	key := CacheKey{LinkID: "10.0.0.1:502", DeviceID: 1, Register: 33139}

	_, ok := store.Get(key)
	assert.False(t, ok)

	store.Put(key, 50)
	store.Put(key, 51)
	val, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint16(51), val)

	// the same register on another device is a different key
	_, ok = store.Get(CacheKey{LinkID: "10.0.0.1:502", DeviceID: 2, Register: 33139})
	assert.False(t, ok)
}

func TestWords(t *testing.T) {
	store := NewStore()
	store.Put(CacheKey{LinkID: "l", DeviceID: 1, Register: 100}, 1)
	store.Put(CacheKey{LinkID: "l", DeviceID: 1, Register: 101}, 2)

	words, ok := store.Words("l", 1, []uint16{100, 101})
	require.True(t, ok)
	assert.Equal(t, []uint16{1, 2}, words)

	_, ok = store.Words("l", 1, []uint16{100, 102})
	assert.False(t, ok)
}

func TestSubscribersSeeEventsInOrder(t *testing.T) {
	store := NewStore()

	var first, second []uint16
	store.Subscribe(func(e ChangeEvent) { first = append(first, e.Value.(uint16)) })
	unsubscribe := store.Subscribe(func(e ChangeEvent) { second = append(second, e.Value.(uint16)) })

	for i := uint16(0); i < 5; i++ {
		store.Put(CacheKey{LinkID: "l", DeviceID: 1, Register: 200}, i)
	}
	unsubscribe()
	unsubscribe()
	store.Put(CacheKey{LinkID: "l", DeviceID: 1, Register: 200}, 5)

	assert.Equal(t, []uint16{0, 1, 2, 3, 4, 5}, first)
	assert.Equal(t, []uint16{0, 1, 2, 3, 4}, second)
}

func TestPublishFillsIdentity(t *testing.T) {
	store := NewStore()
	var events []ChangeEvent
	store.Subscribe(func(e ChangeEvent) { events = append(events, e) })

	store.Publish(ChangeEvent{LinkID: "l", DeviceID: 3, Register: 90005, Value: true})

	require.Len(t, events, 1)
	assert.NotEqual(t, [16]byte{}, [16]byte(events[0].ID))
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, CacheKey{LinkID: "l", DeviceID: 3, Register: 90005}, events[0].Key())

	// status events are not cached
	_, ok := store.Get(events[0].Key())
	assert.False(t, ok)
}

func TestConcurrentPublishers(t *testing.T) {
	store := NewStore()
	var mu sync.Mutex
	count := 0
	store.Subscribe(func(e ChangeEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for d := uint8(1); d <= 4; d++ {
		wg.Add(1)
		go func(d uint8) {
			defer wg.Done()
			for r := uint32(0); r < 100; r++ {
				store.Put(CacheKey{LinkID: "l", DeviceID: d, Register: r}, uint16(r))
			}
		}(d)
	}
	wg.Wait()

	assert.Equal(t, 400, count)
	val, ok := store.Get(CacheKey{LinkID: "l", DeviceID: 4, Register: 99})
	require.True(t, ok)
	assert.Equal(t, uint16(99), val)
}
