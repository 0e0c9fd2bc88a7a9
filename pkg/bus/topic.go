package bus

import "sync"

// topicQueue is a lazily created, lifetime-retained single-worker task
// queue. Tasks for one topic run strictly in submission order and never
// concurrently with each other; distinct topics proceed independently.
type topicQueue struct {
	mu    sync.Mutex
	tasks []func()

	// Wake-up signal for the worker; buffered (size 1) to coalesce pushes.
	ready chan struct{}
	done  <-chan struct{}
}

func newTopicQueue(done <-chan struct{}) *topicQueue {
	q := &topicQueue{
		ready: make(chan struct{}, 1),
		done:  done,
	}
	go q.run()
	return q
}

// push appends a task and wakes the worker. It never blocks, so the server
// loop is never stalled by a slow callback.
func (q *topicQueue) push(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *topicQueue) run() {
	for {
		for {
			q.mu.Lock()
			if len(q.tasks) == 0 {
				q.mu.Unlock()
				break
			}
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			task()
		}

		select {
		case <-q.ready:
		case <-q.done:
			// Run down anything still queued so no pushed task is stranded;
			// after termination the endpoint suppresses the callbacks
			// themselves.
			q.mu.Lock()
			tasks := q.tasks
			q.tasks = nil
			q.mu.Unlock()
			for _, task := range tasks {
				task()
			}
			return
		}
	}
}
