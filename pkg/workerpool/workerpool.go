// Package workerpool implements a bounded task executor whose worker
// count auto-scales from host CPU utilization, with cooldowns guarding
// against scaling thrash: DynamicWorkerPool.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

const (
	cpuUtilizationThreshold = 80.0
	checkInterval           = 10 * time.Second
	scaleUpCooldown         = 15 * time.Second
	scaleDownCooldown       = 5 * time.Second
)

// Task is a unit of work submitted to the pool. Its return value and any
// error are delivered through the Future returned by Submit; a panic
// inside Task is recovered and reported as an error, never killing the
// worker that ran it.
type Task func(ctx context.Context) (any, error)

// Future is the handle to a submitted task's eventual outcome.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the task completes and returns its result and error.
func (f *Future) Wait() (any, error) {
	<-f.done
	return f.result, f.err
}

// Done reports whether the task has completed without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type job struct {
	task   Task
	future *Future
	shrink bool // poison pill: worker exits after observing this instead of running task
}

// cpuSampler abstracts host CPU sensing so tests can inject deterministic
// readings instead of depending on the real machine's load.
type cpuSampler func() (float64, error)

// Pool is a DynamicWorkerPool: a task queue drained by a scaling number of
// goroutines, governed by a background supervisor that samples CPU
// utilization every checkInterval and adjusts worker count accordingly.
type Pool struct {
	minWorkers int
	maxWorkers int

	logger *slog.Logger
	sample cpuSampler

	queue chan job

	mu           sync.Mutex
	current      int
	lastScaleUp  time.Time
	lastScaleDn  time.Time
	poisonPill   chan struct{} // unused: scale-down sends shrink jobs on queue
	stopSuper    chan struct{}
	superWG      sync.WaitGroup
	workerWG     sync.WaitGroup
	queueLen     int64
}

// New builds a pool with minWorkers..maxWorkers goroutines, starting at
// minWorkers and immediately launching the CPU-utilization supervisor.
// New uses maxWorkers as given; cmd/ragserver computes it as
// max(2, 0.8 * numCPU).
func New(minWorkers, maxWorkers int, logger *slog.Logger) *Pool {
	if minWorkers < 1 {
		minWorkers = 2
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		minWorkers: minWorkers,
		maxWorkers: maxWorkers,
		logger:     logger,
		sample:     sampleCPU,
		queue:      make(chan job, 1024),
		stopSuper:  make(chan struct{}),
	}
	for i := 0; i < minWorkers; i++ {
		p.spawnWorker()
	}
	p.superWG.Add(1)
	go p.supervise()
	return p
}

func sampleCPU() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

// Submit enqueues fn and returns a Future for its outcome.
func (p *Pool) Submit(fn Task) *Future {
	f := &Future{done: make(chan struct{})}
	atomic.AddInt64(&p.queueLen, 1)
	p.queue <- job{task: fn, future: f}
	return f
}

func (p *Pool) spawnWorker() {
	p.mu.Lock()
	p.current++
	p.mu.Unlock()

	p.workerWG.Add(1)
	go func() {
		defer p.workerWG.Done()
		defer func() {
			p.mu.Lock()
			p.current--
			p.mu.Unlock()
		}()
		for {
			select {
			case <-p.stopSuper:
				return
			case j, ok := <-p.queue:
				if !ok {
					return
				}
				atomic.AddInt64(&p.queueLen, -1)
				if j.shrink {
					close(j.future.done)
					return
				}
				p.runJob(j)
			}
		}
	}()
}

func (p *Pool) runJob(j job) {
	defer close(j.future.done)
	defer func() {
		if r := recover(); r != nil {
			j.future.err = panicError{r}
		}
	}()
	result, err := j.task(context.Background())
	j.future.result = result
	j.future.err = err
}

type panicError struct{ v any }

func (p panicError) Error() string { return "workerpool: task panicked" }

// stopWorkers asks n workers to exit by queuing n poison pills; each pill
// is consumed by exactly one worker, which drains no further tasks and
// exits. In-flight tasks on those workers finish first since a pill is
// only dequeued once a worker is free to pick up new work.
func (p *Pool) stopWorkers(n int) {
	for i := 0; i < n; i++ {
		p.queue <- job{shrink: true, future: &Future{done: make(chan struct{})}}
	}
}

// supervise samples CPU utilization every checkInterval and scales the
// worker count per the spec's fixed policy table, respecting independent
// scale-up/scale-down cooldowns.
func (p *Pool) supervise() {
	defer p.superWG.Done()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSuper:
			return
		case <-ticker.C:
			pct, err := p.sample()
			if err != nil {
				p.logger.Warn("workerpool: cpu sample failed", "error", err)
				continue
			}
			p.scale(pct)
		}
	}
}

func (p *Pool) scale(cpuPct float64) {
	p.mu.Lock()
	current := p.current
	queueLen := atomic.LoadInt64(&p.queueLen)
	now := time.Now()
	canScaleUp := now.Sub(p.lastScaleUp) >= scaleUpCooldown
	canScaleDown := now.Sub(p.lastScaleDn) >= scaleDownCooldown
	p.mu.Unlock()

	switch {
	case cpuPct >= 95:
		if !canScaleDown {
			return
		}
		n := (current - p.minWorkers) / 2
		if n < 2 {
			n = 2
		}
		p.shrinkBy(n, current)
	case cpuPct >= 90:
		if !canScaleDown {
			return
		}
		p.shrinkBy(2, current)
	case cpuPct >= 80:
		if !canScaleDown {
			return
		}
		p.shrinkBy(1, current)
	default:
		if !canScaleUp {
			return
		}
		target := int(float64(p.minWorkers) + float64(p.maxWorkers-p.minWorkers)*(cpuUtilizationThreshold-cpuPct)/cpuUtilizationThreshold)
		if target > p.maxWorkers {
			target = p.maxWorkers
		}
		if queueLen > int64(current) && cpuPct < 40 {
			grow := target - current
			if grow > 2 {
				grow = 2
			}
			if grow > 0 {
				p.growBy(grow)
			}
		} else if target > current {
			p.growBy(target - current)
		}
	}
}

func (p *Pool) shrinkBy(n, current int) {
	floor := p.minWorkers
	if current-n < floor {
		n = current - floor
	}
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.lastScaleDn = time.Now()
	p.mu.Unlock()
	p.stopWorkers(n)
	p.logger.Info("workerpool: scaling down", "count", n)
}

func (p *Pool) growBy(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.lastScaleUp = time.Now()
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.spawnWorker()
	}
	p.logger.Info("workerpool: scaling up", "count", n)
}

// Shutdown stops the supervisor and waits for every in-flight task to
// finish before returning; no new tasks may be submitted afterward.
func (p *Pool) Shutdown() {
	close(p.stopSuper)
	p.superWG.Wait()
	close(p.queue)
	p.workerWG.Wait()
}
