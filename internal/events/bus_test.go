package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewBus()

	var got []any
	bus.Subscribe(Update, func(p any) { got = append(got, p) })
	bus.Subscribe(Authenticated, func(p any) { t.Fatalf("unexpected delivery: %v", p) })

	bus.Publish(Update, "a")
	bus.Publish(Update, "b")

	assert.Equal(t, []any{"a", "b"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	off := bus.Subscribe(YUpdate, func(any) { calls++ })
	assert.Equal(t, 1, bus.Count(YUpdate))

	bus.Publish(YUpdate, nil)
	off()
	off()
	bus.Publish(YUpdate, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Count(YUpdate))
}

func TestBus_UnsubscribeInsideHandler(t *testing.T) {
	bus := NewBus()

	calls := 0
	var off func()
	off = bus.Subscribe(Update, func(any) {
		calls++
		off()
	})

	bus.Publish(Update, nil)
	bus.Publish(Update, nil)
	assert.Equal(t, 1, calls)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	total := 0
	bus.Subscribe(Update, func(any) {
		mu.Lock()
		total++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Update, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total)
}
