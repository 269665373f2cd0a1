// Package reactive delivers value changes to subscribers on a dedicated
// goroutine.
//
// An Observable holds the latest published value. Each subscriber sees values
// in publication order, but a subscriber that falls behind skips straight to
// the newest value: notifications coalesce. Subscribers run outside any lock
// held by the publisher, so they may publish again or call back into the owner
// of the Observable.
package reactive

import "sync"

type subscriber[T any] struct {
	id   uint64
	fn   func(T)
	seen uint64 // generation last delivered
}

// Observable fans published values out to subscribers.
type Observable[T any] struct {
	mu      sync.Mutex
	subs    []*subscriber[T]
	nextID  uint64
	latest  T
	gen     uint64 // bumped by every Publish; 0 means nothing published yet
	started bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New returns an idle Observable. Its goroutine starts on first use.
func New[T any]() *Observable[T] {
	return &Observable[T]{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Publish records v as the latest value and schedules delivery.
func (o *Observable[T]) Publish(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.latest = v
	o.gen++
	o.startLocked()
	o.signal()
}

// Subscribe registers fn. If a value has been published, fn receives the
// latest one first. The returned cancel func is idempotent; a delivery already
// in flight may still complete after cancel returns.
func (o *Observable[T]) Subscribe(fn func(T)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return func() {}
	}
	o.nextID++
	s := &subscriber[T]{id: o.nextID, fn: fn}
	o.subs = append(o.subs, s)
	if o.gen > 0 {
		o.startLocked()
		o.signal()
	}

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(s.id) })
	}
}

// Len reports the number of live subscribers.
func (o *Observable[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// Close stops delivery and waits for the dispatcher to exit. Values published
// but not yet delivered are dropped. Close is idempotent and must not be
// called from inside a subscriber.
func (o *Observable[T]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.subs = nil
	started := o.started
	close(o.done)
	o.mu.Unlock()

	if started {
		<-o.stopped
	}
}

func (o *Observable[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, s := range o.subs {
		if s.id == id {
			o.subs = append(o.subs[:i], o.subs[i+1:]...)
			return
		}
	}
}

func (o *Observable[T]) startLocked() {
	if o.started {
		return
	}
	o.started = true
	go o.run()
}

func (o *Observable[T]) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Observable[T]) run() {
	defer close(o.stopped)
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		o.mu.Lock()
		v, gen := o.latest, o.gen
		var due []func(T)
		for _, s := range o.subs {
			if s.seen < gen {
				s.seen = gen
				due = append(due, s.fn)
			}
		}
		o.mu.Unlock()

		for _, fn := range due {
			select {
			case <-o.done:
				return
			default:
			}
			fn(v)
		}
	}
}
