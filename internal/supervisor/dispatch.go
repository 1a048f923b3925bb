package supervisor

import "sync"

// serial runs side effects off the caller's goroutine, one after another
// in submission order.
type serial struct {
	mu   sync.Mutex
	tail chan struct{}
}

func (q *serial) Go(fn func()) {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		fn()
	}()
}

// wait blocks until everything submitted so far has run.
func (q *serial) wait() {
	q.mu.Lock()
	t := q.tail
	q.mu.Unlock()
	if t != nil {
		<-t
	}
}
