package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/chatrelay/internal/domain"
)

// ErrDispatcherClosed is returned by Submit after the dispatcher has stopped.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Handler processes one inbound message. A returned error is fatal.
type Handler interface {
	HandleMessage(ctx context.Context, in domain.Inbound, out Sender) error
}

type job struct {
	in  domain.Inbound
	out Sender
}

// Dispatcher runs one worker per chat so that messages of a chat are
// handled one at a time in arrival order while different chats proceed in
// parallel. Workers live until the dispatcher stops; the set of chats is
// bounded by the allow-list.
type Dispatcher struct {
	handler   Handler
	queueSize int
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]chan job
	closed bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	fatal  chan error
}

// NewDispatcher creates a dispatcher with queueSize pending messages per chat.
func NewDispatcher(handler Handler, queueSize int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Dispatcher{
		handler:   handler,
		queueSize: queueSize,
		logger:    logger,
		queues:    make(map[string]chan job),
		ctx:       ctx,
		cancel:    cancel,
		fatal:     make(chan error, 1),
	}
}

// Submit queues in for its chat. It blocks while the chat's queue is full
// until ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, in domain.Inbound, out Sender) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	q, ok := d.queues[in.ChatID]
	if !ok {
		q = make(chan job, d.queueSize)
		d.queues[in.ChatID] = q
		d.wg.Add(1)
		go d.worker(in.ChatID, q)
	}
	d.mu.Unlock()

	select {
	case q <- job{in: in, out: out}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrDispatcherClosed
	}
}

// Run blocks until ctx is done or a handler fails fatally, then stops all
// workers. It returns the fatal error, if any.
func (d *Dispatcher) Run(ctx context.Context) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-d.fatal:
	}
	d.Close()
	return err
}

// Close stops accepting messages, cancels in-flight handling and waits for
// all workers to exit. Queued messages are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel(ErrDispatcherClosed)
	d.wg.Wait()
}

// Chats returns the number of chats with a worker.
func (d *Dispatcher) Chats() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) worker(chatID string, q <-chan job) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-q:
			if d.ctx.Err() != nil {
				return
			}
			if err := d.handler.HandleMessage(d.ctx, j.in, j.out); err != nil {
				d.logger.Error("Fatal error handling message", "chat_id", chatID, "error", err)
				select {
				case d.fatal <- err:
				default:
				}
				d.cancel(err)
				return
			}
		}
	}
}
