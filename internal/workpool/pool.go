// Package workpool is the fixed-size goroutine pool every background
// task in pointcluster spawns from (listener handlers, ping, pending
// drain) instead of a single monolithic actor.
package workpool

import "sync"

// Pool bounds the number of concurrently running jobs submitted through
// Spawn; excess submissions queue until a slot frees up.
type Pool struct {
	tokens chan struct{}
	group  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a pool with the given number of concurrent slots. A size
// of 0 or less defaults to 10, matching spec.md's default worker pool.
func New(size int) *Pool {
	if size <= 0 {
		size = 10
	}
	return &Pool{tokens: make(chan struct{}, size)}
}

// Spawn runs f in a goroutine once a slot is available. Spawn after
// Stop has been called is a no-op.
func (p *Pool) Spawn(f func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.group.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.group.Done()
		p.tokens <- struct{}{}
		defer func() { <-p.tokens }()
		f()
	}()
}

// Stop waits for every spawned job to finish and prevents further
// submissions.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.group.Wait()
}
