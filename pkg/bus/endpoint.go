// Package bus implements the message-passing endpoint: one server loop per
// process draining the durable store for its own identity, plus the dispatch
// fanout that routes dequeued messages to reply continuations or local
// subscribers on per-topic serial workers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ipclab/ipcbus/internal/metrics"
	"github.com/ipclab/ipcbus/pkg/notify"
	"github.com/ipclab/ipcbus/pkg/store"
)

var (
	// ErrClosed is returned by operations on a terminated endpoint.
	ErrClosed = errors.New("endpoint is closed")
)

// Continuation is a callback registered at send time and invoked at most
// once, when the correlated reply is dequeued. Continuations live only in
// process memory; they do not survive a crash.
type Continuation func(msg *store.Message)

// Handler receives locally published messages for a subscribed name.
type Handler func(msg *store.Message)

// Endpoint is one process's connection to the bus. Construct it explicitly
// from the composition root with Open; the package-level facade in
// default.go wraps a single process-wide instance.
type Endpoint struct {
	log       *zap.SugaredLogger
	store     *store.Store
	transport *notify.Transport
	metrics   *metrics.Metrics

	identity string
	grace    time.Duration
	listener *notify.Listener

	mu      sync.Mutex
	closed  bool
	pending map[int64]Continuation
	subs    map[string]map[int64]Handler
	nextSub int64
	topics  map[string]*topicQueue

	// tasks counts callbacks handed to topic workers; Close joins it so no
	// callback outlives termination.
	tasks sync.WaitGroup

	done     chan struct{}
	loopDone chan struct{}
}

// Open registers the identity's wakeup listener and starts the server loop.
// The store and transport are owned by the caller; Close does not close
// them. Metrics may be nil.
func Open(
	cfg Config,
	st *store.Store,
	transport *notify.Transport,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) (*Endpoint, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if st == nil {
		return nil, errors.New("invalid store: must not be nil")
	}
	if transport == nil {
		return nil, errors.New("invalid transport: must not be nil")
	}
	if cfg.Identity == "" {
		return nil, errors.New("invalid identity: must not be empty")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}

	listener, err := transport.Listen(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to register wakeup listener: %w", err)
	}

	e := &Endpoint{
		log:       log,
		store:     st,
		transport: transport,
		metrics:   m,
		identity:  cfg.Identity,
		grace:     cfg.Grace,
		listener:  listener,
		pending:   make(map[int64]Continuation),
		subs:      make(map[string]map[int64]Handler),
		topics:    make(map[string]*topicQueue),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	go e.serverLoop()
	return e, nil
}

// Identity returns the endpoint's destination name.
func (e *Endpoint) Identity() string {
	return e.identity
}

// Send enqueues a fresh message for destination and posts its wakeup signal.
// When cont is non-nil it is registered under the new id before the signal
// is posted, so even an immediate reply finds it. Returns the store-assigned
// id.
func (e *Endpoint) Send(
	ctx context.Context,
	name string,
	payload []byte,
	destination string,
	cont Continuation,
) (int64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}

	msg := &store.Message{
		Name:        name,
		Source:      e.identity,
		Destination: destination,
		Payload:     payload,
		Timeout:     time.Now().Add(e.grace).Unix(),
	}
	id, err := e.store.Enqueue(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message: %w", err)
	}
	e.metrics.IncSent()

	if cont != nil {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			// The row stays durable for one grace interval, but no
			// continuation may fire after termination.
			return 0, ErrClosed
		}
		e.pending[id] = cont
		e.metrics.SetPendingResponses(len(e.pending))
		e.mu.Unlock()
	}

	e.transport.Post(destination)
	return id, nil
}

// Respond enqueues a reply to orig's source, correlated via response_to.
// Replies are terminal: a responder never attaches its own continuation.
func (e *Endpoint) Respond(ctx context.Context, orig *store.Message, payload []byte) (int64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	if orig == nil || orig.ID == 0 || orig.Source == "" {
		return 0, fmt.Errorf("%w: reply target needs id and source", store.ErrInvalidMessage)
	}

	msg := &store.Message{
		Name:        orig.Name,
		Source:      e.identity,
		Destination: orig.Source,
		Payload:     payload,
		Timeout:     time.Now().Add(e.grace).Unix(),
		ResponseTo:  orig.ID,
	}
	id, err := e.store.Enqueue(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue reply: %w", err)
	}
	e.metrics.IncSent()

	e.transport.Post(orig.Source)
	return id, nil
}

// Subscribe registers a handler for messages with exactly the given name.
// The returned function removes the subscription; it is safe to call more
// than once.
func (e *Endpoint) Subscribe(name string, h Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSub++
	id := e.nextSub
	if e.subs[name] == nil {
		e.subs[name] = make(map[int64]Handler)
	}
	e.subs[name][id] = h

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if handlers, ok := e.subs[name]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(e.subs, name)
			}
		}
	}
}

// Close terminates the endpoint: it wakes and stops the server loop,
// unregisters the wakeup listener, and releases all continuations. No
// callback fires after Close returns. Undelivered sends stay durable for one
// grace interval, then any process's sweep collects them.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = make(map[int64]Continuation)
	e.metrics.SetPendingResponses(0)
	e.mu.Unlock()

	close(e.done)
	err := e.listener.Close()
	<-e.loopDone
	// Join the topic workers: a callback already running finishes before
	// Close returns, and nothing scheduled but unstarted fires afterwards.
	e.tasks.Wait()
	return err
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// serverLoop is the dedicated per-process worker. It alternates between
// DRAINING, where it greedily dequeues its own messages (one wakeup may
// correspond to several rows), and WAITING, where it blocks with no timeout
// until a signal or termination arrives.
func (e *Endpoint) serverLoop() {
	defer close(e.loopDone)
	ctx := context.Background()

	for {
		// DRAINING
		for {
			if e.isClosed() {
				return
			}
			msg, err := e.store.DequeueOldestFor(ctx, e.identity)
			if err != nil {
				// Fatal for this drain attempt; the next signal retries.
				e.log.Errorw("failed to dequeue message", "identity", e.identity, "error", err)
				break
			}
			if msg == nil {
				break
			}
			e.dispatch(msg)
		}

		// WAITING
		select {
		case <-e.done:
			return
		case <-e.listener.C():
		}
	}
}

// dispatch routes a dequeued message: replies to their registered
// continuation (consumed exactly once), fresh messages to all local
// subscribers of their exact name. Callbacks run asynchronously on the
// message's topic queue, in store-assigned id order within a topic.
func (e *Endpoint) dispatch(msg *store.Message) {
	e.metrics.IncDelivered()

	if msg.ResponseTo != 0 {
		e.mu.Lock()
		cont, ok := e.pending[msg.ResponseTo]
		if ok {
			delete(e.pending, msg.ResponseTo)
			e.metrics.SetPendingResponses(len(e.pending))
		}
		e.mu.Unlock()

		if !ok {
			// Orphaned or duplicate reply; never an error.
			e.log.Debugw("dropping reply with no registered continuation",
				"name", msg.Name, "responseTo", msg.ResponseTo, "source", msg.Source)
			e.metrics.IncOrphanReply()
			return
		}
		e.schedule(msg.Topic(), func() {
			e.invoke(Handler(cont), msg)
		})
		return
	}

	e.mu.Lock()
	var handlers []Handler
	for _, h := range e.subs[msg.Name] {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	if len(handlers) == 0 {
		e.log.Debugw("no subscriber for message", "name", msg.Name, "source", msg.Source)
		e.metrics.IncDropped(metrics.DropReasonNoSubscriber)
		return
	}

	e.schedule(msg.Topic(), func() {
		for _, h := range handlers {
			e.invoke(h, msg)
		}
	})
}

// schedule enqueues a task on the topic's serial worker, creating the worker
// lazily. Workers are retained for the endpoint's lifetime. The whole
// operation holds the mutex (push never blocks), so no task slips in after
// Close has marked the endpoint closed.
func (e *Endpoint) schedule(topic string, task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	q, ok := e.topics[topic]
	if !ok {
		q = newTopicQueue(e.done)
		e.topics[topic] = q
		e.metrics.SetTopicQueues(len(e.topics))
	}

	e.tasks.Add(1)
	q.push(func() {
		defer e.tasks.Done()
		task()
	})
}

// invoke runs one callback on a topic worker. A callback scheduled before
// termination but not yet started is suppressed.
func (e *Endpoint) invoke(h Handler, msg *store.Message) {
	if e.isClosed() {
		e.metrics.IncDropped(metrics.DropReasonClosed)
		return
	}
	start := time.Now()
	h(msg)
	e.metrics.ObserveDispatchDuration(time.Since(start).Seconds())
}
