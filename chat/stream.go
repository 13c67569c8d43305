package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sealchat/models"
)

// Stream delivers values produced by a single goroutine until it is cancelled
// or the producer stops. Only the latest undelivered value is kept.
type Stream[T any] struct {
	updates  chan T
	done     chan struct{}
	finished chan struct{}
	cancel   context.CancelFunc
	once     sync.Once

	mu  sync.Mutex
	err error
}

// Subscription streams full conversation snapshots, newest first.
type Subscription = Stream[[]models.SealedMessage]

// TypingSubscription streams typing records of one conversation.
type TypingSubscription = Stream[models.TypingState]

// NewStream starts run on its own goroutine. run must return once ctx is
// done or emit reports false.
func NewStream[T any](ctx context.Context, run func(ctx context.Context, emit func(T) bool) error) *Stream[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		updates:  make(chan T, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		cancel:   cancel,
	}

	go func() {
		defer close(s.finished)
		defer close(s.updates)
		defer cancel()

		err := run(ctx, s.emit)
		if err != nil && ctx.Err() == nil {
			if !errors.Is(err, ErrSubscription) {
				err = fmt.Errorf("%w: %w", ErrSubscription, err)
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()

	return s
}

// Updates returns the delivery channel. It is closed when the stream ends.
func (s *Stream[T]) Updates() <-chan T {
	return s.updates
}

// Done is closed once the producer goroutine has exited.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.finished
}

// Err returns the error that ended the stream, if any. It is wrapped in
// ErrSubscription and is nil after Cancel.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops the stream and waits for the producer to exit. Nothing is
// delivered after Cancel returns. It is safe to call more than once.
func (s *Stream[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	<-s.finished
	for range s.updates {
	}
}

func (s *Stream[T]) emit(value T) bool {
	for {
		select {
		case <-s.done:
			return false
		default:
		}

		select {
		case s.updates <- value:
			return true
		case <-s.done:
			return false
		default:
		}

		// Replace the pending value the consumer has not read yet.
		select {
		case <-s.updates:
		default:
		}
	}
}
