package systems

import (
	"runtime"
	"sync"
)

// parallelThreshold is the minimum item count to use parallel processing.
// Below this, single-threaded is faster due to goroutine overhead.
const parallelThreshold = 64

// ChunkFunc processes items [start, end). chunk identifies the range and is
// stable for a given item count and worker count.
type ChunkFunc func(chunk, start, end int)

// workChunk represents a range of items for a worker to process.
type workChunk struct {
	chunk, start, end int
	fn                ChunkFunc
}

// WorkerPool is a persistent set of goroutines running data-parallel chunks.
// Run blocks until every chunk has completed, which makes it the barrier
// between simulation phases.
type WorkerPool struct {
	numWorkers int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

// NewWorkerPool creates a pool with n workers. n <= 0 uses GOMAXPROCS.
// Workers start lazily on the first parallel Run.
func NewWorkerPool(n int) *WorkerPool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &WorkerPool{numWorkers: n}
}

// Workers returns the number of workers, which is also the maximum number of
// chunks a Run can produce.
func (p *WorkerPool) Workers() int {
	if p == nil {
		return 1
	}
	return p.numWorkers
}

// Chunks returns how many chunks Run(n, ...) will dispatch.
func (p *WorkerPool) Chunks(n int) int {
	if p == nil || p.numWorkers == 1 || n < parallelThreshold {
		return 1
	}
	return min(p.numWorkers, n)
}

// startWorkers launches persistent worker goroutines.
func (p *WorkerPool) startWorkers() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop signals all workers to exit and waits for them. Safe to call twice.
func (p *WorkerPool) Stop() {
	if p == nil || !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(chunk.chunk, chunk.start, chunk.end)
			p.doneChan <- struct{}{}
		}
	}
}

// Run splits [0, n) into contiguous chunks and processes them. Chunk i always
// covers a lower range than chunk i+1. Run must not be called concurrently.
func (p *WorkerPool) Run(n int, fn ChunkFunc) {
	if n <= 0 {
		return
	}
	chunks := p.Chunks(n)
	if chunks == 1 {
		fn(0, 0, n)
		return
	}

	// Ensure workers are running
	if !p.running {
		p.startWorkers()
	}

	chunkSize := (n + chunks - 1) / chunks

	// Dispatch chunks to workers
	dispatched := 0
	for c := 0; c < chunks; c++ {
		start := c * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}
		p.workChan <- workChunk{chunk: c, start: start, end: end, fn: fn}
		dispatched++
	}

	// Wait for all chunks to complete
	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}
