package events

import (
	"log"
	"sync"

	"clinicq/internal/queue"
)

// Bus — ограниченная очередь доменных событий с раздачей независимым
// подписчикам. Публикация не блокирует операции движка: при переполнении
// буфера событие отбрасывается с записью в лог. Медленный подписчик
// тормозит только собственный канал.
type Bus struct {
	events chan queue.Event
	mu     sync.RWMutex
	subs   []*subscriber
}

type subscriber struct {
	name string
	ch   chan queue.Event
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{events: make(chan queue.Event, buffer)}
}

// Publish реализует queue.Publisher: fire-and-forget.
func (b *Bus) Publish(e queue.Event) {
	select {
	case b.events <- e:
	default:
		log.Printf("Шина событий переполнена, событие %s отброшено", e.Type)
	}
}

// Subscribe регистрирует обработчик с собственным буфером и горутиной.
func (b *Bus) Subscribe(name string, buffer int, fn func(queue.Event)) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan queue.Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for e := range sub.ch {
			fn(e)
		}
	}()
}

// Run раздаёт события подписчикам. Запускается горутиной из main.
func (b *Bus) Run() {
	for e := range b.events {
		b.mu.RLock()
		for _, sub := range b.subs {
			select {
			case sub.ch <- e:
			default:
				log.Printf("Подписчик %s не успевает, событие %s отброшено", sub.name, e.Type)
			}
		}
		b.mu.RUnlock()
	}
}
