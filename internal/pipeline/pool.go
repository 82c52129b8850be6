package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// Pool is a fixed set of worker slots all running the same loop. A worker
// that returns or panics leaves its slot dead until the supervisor calls
// Respawn. A panic is contained to the slot; shared state stays intact.
type Pool struct {
	name string
	work func(ctx context.Context, id int)

	mu    sync.Mutex
	alive []bool
	wg    sync.WaitGroup
}

// NewPool returns a pool of size slots running work. Nothing starts until
// Start is called.
func NewPool(name string, size int, work func(ctx context.Context, id int)) *Pool {
	return &Pool{name: name, work: work, alive: make([]bool, size)}
}

// Name returns the pool's telemetry name.
func (p *Pool) Name() string { return p.name }

// Size returns the configured slot count.
func (p *Pool) Size() int { return len(p.alive) }

// Start launches every slot.
func (p *Pool) Start(ctx context.Context) {
	for i := range p.alive {
		p.spawn(ctx, i)
	}
	slog.Info("worker pool started", "pool", p.name, "size", len(p.alive))
}

func (p *Pool) spawn(ctx context.Context, id int) {
	p.mu.Lock()
	p.alive[id] = true
	p.mu.Unlock()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker panicked", "pool", p.name, "worker", id, "panic", r)
			}
			p.mu.Lock()
			p.alive[id] = false
			p.mu.Unlock()
		}()
		p.work(ctx, id)
	}()
}

// Alive counts currently running slots.
func (p *Pool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.alive {
		if a {
			n++
		}
	}
	return n
}

// Respawn refills dead slots and returns how many were restarted. Once ctx
// is cancelled slots stay down.
func (p *Pool) Respawn(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	p.mu.Lock()
	var dead []int
	for i, a := range p.alive {
		if !a {
			dead = append(dead, i)
		}
	}
	p.mu.Unlock()
	for _, id := range dead {
		p.spawn(ctx, id)
	}
	return len(dead)
}

// Wait blocks until every slot has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}
