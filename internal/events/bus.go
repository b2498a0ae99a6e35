package events

import (
	"context"
	"sync"
)

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers bus events until ctx is done; the returned channel is
// closed afterwards.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type Bus interface {
	Publisher
	Subscriber
}

// LocalBus is an in-process bus for single-binary deployments and tests.
// Slow subscribers lose events instead of blocking publishers.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
}

func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &LocalBus{subs: map[chan Event]struct{}{}, buffer: buffer}
}

func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Recorder collects published events; handy for asserting on producers.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
