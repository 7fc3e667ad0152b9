package events_test

import (
	"sync"
	"testing"
	"time"

	"clinicq/internal/events"
	"clinicq/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := events.NewBus(16)

	var mu sync.Mutex
	got := make(map[string][]string)
	var wg sync.WaitGroup
	wg.Add(2)
	for _, name := range []string{"ws", "log"} {
		name := name
		b.Subscribe(name, 16, func(e queue.Event) {
			mu.Lock()
			got[name] = append(got[name], e.Type)
			mu.Unlock()
			wg.Done()
		})
	}
	go b.Run()

	b.Publish(queue.Event{Type: queue.EventPatientAdded, ClinicID: 1})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("события не доставлены подписчикам")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got["ws"], 1)
	require.Len(t, got["log"], 1)
	assert.Equal(t, queue.EventPatientAdded, got["ws"][0])
}

func TestPublishNeverBlocks(t *testing.T) {
	b := events.NewBus(1)
	// Раздача не запущена, буфер на одно событие: вторая публикация
	// должна отбросить событие, а не заблокировать вызывающего.
	done := make(chan struct{})
	go func() {
		b.Publish(queue.Event{Type: queue.EventPatientAdded})
		b.Publish(queue.Event{Type: queue.EventPatientCalled})
		b.Publish(queue.Event{Type: queue.EventStatusChanged})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("публикация заблокировалась при переполненном буфере")
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := events.NewBus(64)

	release := make(chan struct{})
	b.Subscribe("slow", 1, func(e queue.Event) {
		<-release
	})

	fast := make(chan queue.Event, 64)
	b.Subscribe("fast", 64, func(e queue.Event) {
		fast <- e
	})
	go b.Run()

	for i := 0; i < 10; i++ {
		b.Publish(queue.Event{Type: queue.EventPositionChanged, ClinicID: 1})
	}

	// Быстрый подписчик получает события, пока медленный стоит.
	received := 0
	timeout := time.After(2 * time.Second)
	for received < 5 {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("быстрый подписчик получил только %d событий", received)
		}
	}
	close(release)
}
