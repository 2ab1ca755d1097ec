package channel

import "sync"

// serialQueue runs tasks for the same key one at a time, in submission order,
// on a worker that exits once the key's backlog is empty. Different keys run
// concurrently.
type serialQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newSerialQueue() *serialQueue {
	return &serialQueue{pending: make(map[string][]func())}
}

// Submit never blocks on the task itself.
func (q *serialQueue) Submit(key string, task func()) {
	q.mu.Lock()
	backlog, running := q.pending[key]
	q.pending[key] = append(backlog, task)
	q.mu.Unlock()

	if running {
		return
	}
	q.wg.Add(1)
	go q.drain(key)
}

func (q *serialQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		task := backlog[0]
		q.pending[key] = backlog[1:]
		q.mu.Unlock()

		task()
	}
}

// Wait blocks until every submitted task has finished.
func (q *serialQueue) Wait() {
	q.wg.Wait()
}
