// Package pool keeps a bounded set of ready backend processes so client
// sessions don't pay the JVM startup cost on every connection.
package pool

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/openkieler/lspool/internal/obs"
)

// ErrClosed is returned by Acquire after the pool has been shut down.
var ErrClosed = errors.New("pool is closed")

// Backend is the pooled resource contract. The pool owns a Backend while
// it is idle; exactly one session owns it between Acquire and Release.
type Backend interface {
	// Connect opens a TCP connection to the backend. The label tags log
	// lines with the requesting session.
	Connect(label string) (net.Conn, error)
	// Healthy is a non-blocking liveness poll.
	Healthy() bool
	// Close terminates the backend. Called at most once per handle, by the
	// pool's destroy path.
	Close() error
}

// SpawnFunc creates a new Backend. It may block for the backend's startup
// grace period.
type SpawnFunc func() (Backend, error)

type Config struct {
	// MaxSize is the hard ceiling on live backends, checked out plus idle.
	MaxSize int
	// MinIdle is the idle floor the background top-up maintains.
	MinIdle int
	// MaxLifetime retires backends older than this instead of reusing
	// them; zero disables the limit.
	MaxLifetime time.Duration
	// TestOnCheckout re-validates a backend before handing it to a
	// session.
	TestOnCheckout bool
	// SweepInterval paces the top-up and expiry background passes.
	SweepInterval time.Duration
}

type entry struct {
	backend Backend
	created time.Time
}

// Pool hands out backends to sessions, bounded by Config.MaxSize. All
// synchronization is internal; callers share one Pool by reference.
type Pool struct {
	spawn SpawnFunc
	cfg   Config

	idle  chan *entry   // idle handles ready for checkout
	slots chan struct{} // live-handle capacity, send = reserve
	done  chan struct{}

	mu       sync.Mutex
	out      map[Backend]*entry // checked-out handles, by backend
	shutdown bool               // guarded by mu; no enqueues once set

	bg        sync.WaitGroup // async revalidations and background spawns
	closeOnce sync.Once
}

// New builds the pool and starts its background maintenance. The idle
// floor is filled asynchronously; New does not block on spawns.
func New(spawn SpawnFunc, cfg Config) *Pool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.MinIdle > cfg.MaxSize {
		cfg.MinIdle = cfg.MaxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	p := &Pool{
		spawn: spawn,
		cfg:   cfg,
		idle:  make(chan *entry, cfg.MaxSize),
		slots: make(chan struct{}, cfg.MaxSize),
		done:  make(chan struct{}),
		out:   make(map[Backend]*entry),
	}
	p.topUp()
	go p.maintain()
	return p
}

// Acquire returns a healthy backend for exclusive use by one session. It
// blocks while the pool is at capacity with nothing idle, until a handle
// is returned, a fresh spawn completes, or the pool closes.
func (p *Pool) Acquire() (Backend, error) {
	for {
		if p.closed() {
			return nil, ErrClosed
		}
		// Prefer an idle handle over spawning.
		select {
		case e := <-p.idle:
			if b, ok := p.checkout(e); ok {
				return b, nil
			}
			continue
		default:
		}
		select {
		case <-p.done:
			return nil, ErrClosed
		case e := <-p.idle:
			if b, ok := p.checkout(e); ok {
				return b, nil
			}
		case p.slots <- struct{}{}:
			if p.closed() {
				<-p.slots
				return nil, ErrClosed
			}
			// A handle may have been released between the fast path and
			// the slot reservation; use it and give the slot back.
			select {
			case e := <-p.idle:
				<-p.slots
				if b, ok := p.checkout(e); ok {
					return b, nil
				}
				continue
			default:
			}
			b, err := p.spawn()
			if err != nil {
				<-p.slots
				return nil, err
			}
			e := &entry{backend: b, created: time.Now()}
			p.mu.Lock()
			p.out[b] = e
			p.mu.Unlock()
			p.gauges()
			return b, nil
		}
	}
}

// checkout validates an idle entry and hands it out, or destroys it and
// reports failure so the caller retries.
func (p *Pool) checkout(e *entry) (Backend, bool) {
	if p.expired(e) {
		p.destroy(e, "expired")
		return nil, false
	}
	if p.cfg.TestOnCheckout && !e.backend.Healthy() {
		p.destroy(e, "unhealthy")
		return nil, false
	}
	p.mu.Lock()
	p.out[e.backend] = e
	p.mu.Unlock()
	p.gauges()
	return e.backend, true
}

// Release returns a checked-out backend. Re-validation happens
// asynchronously; an unhealthy or over-age handle is destroyed instead of
// going back on the idle queue. The revalidation goroutine is registered
// under the same lock as the shutdown flag, so Close either waits for it
// or the handle is destroyed right here.
func (p *Pool) Release(b Backend) {
	e := p.takeOut(b)
	if e == nil {
		return
	}
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.destroy(e, "shutdown")
		return
	}
	p.bg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.bg.Done()
		p.revalidate(e)
	}()
}

// Discard destroys a checked-out backend that a session found broken,
// without returning it to the pool.
func (p *Pool) Discard(b Backend) {
	e := p.takeOut(b)
	if e == nil {
		return
	}
	p.destroy(e, "broken")
}

func (p *Pool) takeOut(b Backend) *entry {
	p.mu.Lock()
	e := p.out[b]
	delete(p.out, b)
	p.mu.Unlock()
	if e == nil {
		obs.Warn("pool.release.unknown", obs.Fields{})
	}
	return e
}

func (p *Pool) revalidate(e *entry) {
	if p.closed() {
		p.destroy(e, "shutdown")
		return
	}
	if !e.backend.Healthy() {
		p.destroy(e, "unhealthy")
		return
	}
	if p.expired(e) {
		p.destroy(e, "expired")
		return
	}
	p.enqueueIdle(e)
}

// enqueueIdle puts an entry on the idle queue unless the pool has shut
// down, in which case the entry is destroyed instead. The shutdown flag
// and queue write share a lock with Close so no handle can slip onto the
// queue after Close drains it.
func (p *Pool) enqueueIdle(e *entry) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.destroy(e, "shutdown")
		return
	}
	p.idle <- e
	p.mu.Unlock()
	p.gauges()
}

func (p *Pool) expired(e *entry) bool {
	return p.cfg.MaxLifetime > 0 && time.Since(e.created) > p.cfg.MaxLifetime
}

// destroy tears the backend down and frees its capacity slot, which is
// what unblocks an Acquire waiting at the ceiling.
func (p *Pool) destroy(e *entry, reason string) {
	if err := e.backend.Close(); err != nil {
		obs.Warn("pool.destroy.close", obs.Fields{"reason": reason, "err": err.Error()})
	}
	<-p.slots
	obs.BackendsDestroyedTotal.WithLabelValues(reason).Inc()
	p.gauges()
}

// maintain runs the idle top-up and lifetime expiry passes.
func (p *Pool) maintain() {
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			p.sweepExpired()
			p.topUp()
		}
	}
}

// topUp spawns idle backends in the background until the idle floor is
// met, without exceeding capacity and without blocking.
func (p *Pool) topUp() {
	needed := p.cfg.MinIdle - len(p.idle)
	for i := 0; i < needed; i++ {
		select {
		case p.slots <- struct{}{}:
			p.mu.Lock()
			if p.shutdown {
				p.mu.Unlock()
				<-p.slots
				return
			}
			p.bg.Add(1)
			p.mu.Unlock()
			go func() {
				defer p.bg.Done()
				p.spawnIdle()
			}()
		default:
			return
		}
	}
}

func (p *Pool) spawnIdle() {
	b, err := p.spawn()
	if err != nil {
		<-p.slots
		obs.Error("pool.topup.spawn", obs.Fields{"err": err.Error()})
		return
	}
	p.enqueueIdle(&entry{backend: b, created: time.Now()})
}

// sweepExpired cycles the idle queue once, retiring handles past their
// lifetime or no longer healthy.
func (p *Pool) sweepExpired() {
	n := len(p.idle)
	for i := 0; i < n; i++ {
		select {
		case e := <-p.idle:
			switch {
			case p.expired(e):
				p.destroy(e, "expired")
			case !e.backend.Healthy():
				p.destroy(e, "unhealthy")
			default:
				p.idle <- e
			}
		default:
			return
		}
	}
}

// DrainIdle destroys every currently idle backend. Checked-out handles are
// untouched. Used when the backend jar changes on disk so new sessions get
// backends running the new code.
func (p *Pool) DrainIdle() int {
	drained := 0
	for {
		select {
		case e := <-p.idle:
			p.destroy(e, "drained")
			drained++
		default:
			p.gauges()
			return drained
		}
	}
}

// Stats reports the current idle and checked-out handle counts.
func (p *Pool) Stats() (idle, checkedOut int) {
	p.mu.Lock()
	checkedOut = len(p.out)
	p.mu.Unlock()
	return len(p.idle), checkedOut
}

func (p *Pool) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close stops maintenance and destroys all idle backends. Checked-out
// handles are destroyed as their sessions release them. It waits for
// in-flight revalidations and background spawns first, so a handle
// released just before shutdown is killed rather than orphaned when the
// process exits.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()
		close(p.done)
		p.bg.Wait()
		for {
			select {
			case e := <-p.idle:
				p.destroy(e, "shutdown")
			default:
				p.gauges()
				return
			}
		}
	})
}

func (p *Pool) gauges() {
	idle, out := p.Stats()
	obs.PoolIdle.Set(float64(idle))
	obs.PoolCheckedOut.Set(float64(out))
}
