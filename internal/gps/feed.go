package gps

import "sync"

// Source delivers samples to a subscriber until the returned unsubscribe
// func is called.
type Source interface {
	Subscribe(fn func(Sample)) (unsubscribe func())
}

// Feed is an in-process Source. Publish calls subscribers synchronously on
// the publishing goroutine.
type Feed struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Sample)
}

func (f *Feed) Subscribe(fn func(Sample)) func() {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]func(Sample))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish hands s to every current subscriber and returns how many there were.
func (f *Feed) Publish(s Sample) int {
	f.mu.RLock()
	subs := make([]func(Sample), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.RUnlock()

	for _, fn := range subs {
		fn(s)
	}
	return len(subs)
}
