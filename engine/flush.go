package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/granite/memtable"
)

// maxFlushRetries bounds how often one memtable flush is retried before the
// file processor is marked failed and refuses further writes. Only that file
// processor is affected; the storage group keeps accepting writes to its
// other files.
const maxFlushRetries = 3

// initialFlushRetryDelay is the backoff seed between flush retries.
const initialFlushRetryDelay = time.Second

// maxFlushRetryDelay caps the backoff between flush retries.
const maxFlushRetryDelay = 30 * time.Second

// flushJob carries one frozen memtable to the flush pool. seal asks for the
// file to be closed after the memtable lands.
type flushJob struct {
	fp   *FileProcessor
	mem  *memtable.Memtable
	seal bool
	done chan error
}

// flushPool is the CPU-sized worker pool draining flush jobs; each job is a
// single-file flush.
type flushPool struct {
	jobs   chan *flushJob
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
}

func newFlushPool(workers int, logger *slog.Logger) *flushPool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &flushPool{
		jobs:   make(chan *flushJob, workers*8),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *flushPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		err := job.fp.runFlush(context.Background(), job)
		if job.done != nil {
			job.done <- err
		}
	}
}

func (p *flushPool) submit(job *flushJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.jobs <- job
	return true
}

func (p *flushPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
