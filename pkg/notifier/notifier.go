package notifier

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/hanfei1991/jobcoord/pkg/containers"
)

const defaultReceiverBufferSize = 16

type receiverID = int64

// Notifier is the sending endpoint of a single-producer-multiple-consumer
// notification mechanism. Events are delivered to every receiver in the
// order they were passed to Notify.
type Notifier[T any] struct {
	receivers sync.Map // receiverID -> *Receiver[T]
	nextID    atomic.Int64

	queue *containers.Deque[T]

	closeCh       chan struct{}
	synchronizeCh chan struct{}
	closeOnce     sync.Once
}

// Receiver is the receiving endpoint of a single-producer-multiple-consumer
// notification mechanism.
type Receiver[T any] struct {
	id receiverID
	C  chan T

	doneOnce  sync.Once
	doneCh    chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	notifier *Notifier[T]
}

func (r *Receiver[T]) markDone() {
	r.closed.Store(true)
	r.doneOnce.Do(func() {
		close(r.doneCh)
	})
}

func (r *Receiver[T]) close() {
	r.markDone()
	r.closeOnce.Do(
		func() {
			close(r.C)
		})
}

// Close closes the receiver. Events that are in flight may
// still be observed on C until it is closed.
func (r *Receiver[T]) Close() {
	// Unblocks a dispatch that is waiting on a full C.
	r.markDone()
	select {
	case <-r.notifier.synchronizeCh:
	case <-r.notifier.closeCh:
	}

	r.notifier.receivers.Delete(r.id)
	r.closeOnce.Do(
		func() {
			close(r.C)
		})
}

// NewNotifier creates a new Notifier.
func NewNotifier[T any]() *Notifier[T] {
	ret := &Notifier[T]{
		receivers:     sync.Map{},
		queue:         containers.NewDeque[T](),
		closeCh:       make(chan struct{}),
		synchronizeCh: make(chan struct{}),
	}

	go ret.run()
	return ret
}

// NewReceiver creates a new Receiver associated with
// the given Notifier.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	ch := make(chan T, defaultReceiverBufferSize)
	receiver := &Receiver[T]{
		id:       n.nextID.Add(1),
		C:        ch,
		doneCh:   make(chan struct{}),
		notifier: n,
	}

	n.receivers.Store(receiver.id, receiver)

	// A receiver created after Close is closed right away.
	select {
	case <-n.closeCh:
		for range n.synchronizeCh {
		}
		receiver.close()
	default:
	}
	return receiver
}

// Notify sends a new notification event. It never blocks.
func (n *Notifier[T]) Notify(event T) {
	n.queue.Add(event)
}

// Close closes the notifier and all receivers.
func (n *Notifier[T]) Close() {
	n.closeOnce.Do(func() {
		close(n.closeCh)

		var receivers []*Receiver[T]
		n.receivers.Range(func(_, value any) bool {
			receiver := value.(*Receiver[T])
			receivers = append(receivers, receiver)
			return true
		})

		// Wait for run to exit, so that no dispatch is in flight.
		for range n.synchronizeCh {
		}

		for _, receiver := range receivers {
			receiver.close()
		}
	})
}

// Flush waits until all pending notifications have been dispatched.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case _, ok := <-n.synchronizeCh:
			if !ok {
				// closed
				return nil
			}
		}

		if n.queue.Size() == 0 {
			return nil
		}
	}
}

func (n *Notifier[T]) run() {
	defer func() {
		close(n.synchronizeCh)
	}()

	for {
		select {
		case <-n.closeCh:
			return
		case n.synchronizeCh <- struct{}{}:
			// no-op here. Just a synchronization barrier.
		case <-n.queue.C:
			if !n.dispatchAll() {
				return
			}
		}
	}
}

// dispatchAll drains the queue. It returns false if the notifier
// has been closed in the meantime.
func (n *Notifier[T]) dispatchAll() bool {
	for {
		event, ok := n.queue.Pop()
		if !ok {
			return true
		}

		n.receivers.Range(func(_, value any) bool {
			receiver := value.(*Receiver[T])

			if receiver.closed.Load() {
				return true
			}

			select {
			case <-n.closeCh:
				return false
			case <-receiver.doneCh:
			case receiver.C <- event:
			}
			return true
		})

		select {
		case <-n.closeCh:
			return false
		default:
		}
	}
}
