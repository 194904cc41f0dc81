// Package collector runs collections: it stops the world and executes the
// engine's work on a pool of GC goroutines driven by one controller.
//
// The goroutines are started once, on first use, and park between
// collections. A panic on any of them is fatal: resuming mutators into a
// half collected heap is not an option.
package collector

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinygo-org/gcbind/diagnostics"
	"github.com/tinygo-org/gcbind/engine"
)

// Collector owns the GC goroutines of one heap.
type Collector struct {
	world *World
	pool  *engine.Pool
	log   *slog.Logger

	start    sync.Once
	stop     sync.Once
	requests chan func()
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(world *World, pool *engine.Pool, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		world:    world,
		pool:     pool,
		log:      log.With("component", "collector"),
		requests: make(chan func()),
		done:     make(chan struct{}),
	}
}

// World returns the stop-the-world state machine.
func (c *Collector) World() *World { return c.world }

// Start spawns the workers and the controller. Later calls do nothing.
func (c *Collector) Start() {
	c.start.Do(func() {
		n := c.pool.Workers()
		c.wg.Add(n + 1)
		for i := 0; i < n; i++ {
			go c.worker(i)
		}
		go c.controller()
		c.log.Debug("gc threads started", "workers", n)
	})
}

func (c *Collector) worker(ordinal int) {
	defer c.wg.Done()
	defer diagnostics.Recover(fmt.Sprintf("gc-worker-%d", ordinal))
	c.pool.Run(ordinal)
}

func (c *Collector) controller() {
	defer c.wg.Done()
	defer diagnostics.Recover("gc-controller")
	for fn := range c.requests {
		c.world.setState(Collecting)
		fn()
		c.done <- struct{}{}
	}
}

// Run executes fn on the controller and waits for it. The world must be
// stopped.
func (c *Collector) Run(fn func()) {
	if !c.world.HasStopped() {
		panic("collector: Run while the world is running")
	}
	c.Start()
	c.requests <- fn
	<-c.done
}

// Close stops the GC goroutines.
func (c *Collector) Close() {
	c.stop.Do(func() {
		c.Start()
		close(c.requests)
		c.pool.Close()
		c.wg.Wait()
	})
}
