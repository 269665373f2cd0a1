package syncstore

import "sync"

// outbox runs queued work on one goroutine in submission order.
type outbox struct {
	mu      sync.Mutex
	queue   []func()
	closing bool
	wake    chan struct{}
	stopped chan struct{}
}

func newOutbox() *outbox {
	o := &outbox{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

// push enqueues fn. It reports false once the outbox is closing.
func (o *outbox) push(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	o.queue = append(o.queue, fn)
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// barrier returns a channel closed once everything queued before it has run.
func (o *outbox) barrier() <-chan struct{} {
	done := make(chan struct{})
	if !o.push(func() { close(done) }) {
		// Closing: the queue drains before stopped is closed.
		return o.stopped
	}
	return done
}

// close stops accepting work and waits for the queue to drain.
func (o *outbox) close() {
	o.mu.Lock()
	if !o.closing {
		o.closing = true
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}
	o.mu.Unlock()
	<-o.stopped
}

func (o *outbox) run() {
	defer close(o.stopped)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 {
			if o.closing {
				o.mu.Unlock()
				return
			}
			o.mu.Unlock()
			<-o.wake
			o.mu.Lock()
		}
		fn := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()

		fn()
	}
}
