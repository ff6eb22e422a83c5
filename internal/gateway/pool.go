package gateway

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// job is a unit of dispatched work: run returns nothing (callers
// capture results through its closure), and done is closed after run
// has returned so Dispatch can block the caller until completion.
type job struct {
	run  func()
	done chan struct{}
}

// workerPool bounds the number of concurrently executing engine calls
// to size, adapted from saiputravu-Exchange's tomb-supervised worker
// pool. Per-ticker serialization is layered on top by Gateway's ticker
// locks, not by the pool itself: two jobs on different tickers may run
// on two different workers at once, but a job that needs a ticker lock
// already held simply blocks inside its worker until the lock frees,
// same as it would running on a bare goroutine.
type workerPool struct {
	t     *tomb.Tomb
	tasks chan job
	size  int
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{tasks: make(chan job, 256), size: size}
}

// Start launches size workers supervised by t. Call once.
func (p *workerPool) Start(t *tomb.Tomb) {
	p.t = t
	log.Info().Int("workers", p.size).Msg("starting gateway worker pool")
	for i := 0; i < p.size; i++ {
		t.Go(p.worker)
	}
}

func (p *workerPool) worker() error {
	for {
		select {
		case <-p.t.Dying():
			return nil
		case j := <-p.tasks:
			j.run()
			close(j.done)
		}
	}
}

// Dispatch enqueues fn and blocks until it has run to completion.
func (p *workerPool) Dispatch(fn func()) {
	j := job{run: fn, done: make(chan struct{})}
	p.tasks <- j
	<-j.done
}
