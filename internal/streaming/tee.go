package streaming

import (
	"io"
	"sync"
)

const teeChunkSize = 32 * 1024

// Tee forks src into two readers that consume independently. A pump goroutine reads
// src into per-branch queues, so a slow or abandoned branch never stalls the other.
// Closing a branch detaches it; src is drained until both branches are closed or src
// ends, and is closed afterwards.
func Tee(src io.ReadCloser) (io.ReadCloser, io.ReadCloser) {
	a, b := newQueue(), newQueue()
	go pump(src, a, b)
	return a, b
}

func pump(src io.ReadCloser, branches ...*queue) {
	defer src.Close()

	buf := make([]byte, teeChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			live := 0
			for _, q := range branches {
				if q.push(buf[:n]) {
					live++
				}
			}
			if live == 0 {
				return
			}
		}
		if err != nil {
			for _, q := range branches {
				q.finish(err)
			}
			return
		}
	}
}

// queue is an unbounded byte queue with one producer and one consumer.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	err      error
	detached bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push copies p into the queue. It reports false once the consumer closed it.
func (q *queue) push(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.detached {
		return false
	}
	q.chunks = append(q.chunks, append([]byte(nil), p...))
	q.cond.Signal()
	return true
}

func (q *queue) finish(err error) {
	q.mu.Lock()
	q.err = err
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Read implements io.Reader. src errors other than io.EOF are passed through.
func (q *queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.chunks) == 0 && q.err == nil && !q.detached {
		q.cond.Wait()
	}
	if q.detached {
		return 0, io.ErrClosedPipe
	}
	if len(q.chunks) == 0 {
		return 0, q.err
	}

	n := copy(p, q.chunks[0])
	if n == len(q.chunks[0]) {
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
	} else {
		q.chunks[0] = q.chunks[0][n:]
	}
	return n, nil
}

// Close detaches the branch and drops anything buffered.
func (q *queue) Close() error {
	q.mu.Lock()
	q.detached = true
	q.chunks = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}
