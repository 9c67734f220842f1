// Package realtime attaches a conversation's message buffer to the store's
// push feed.
//
// A Subscriber moves Disconnected -> Subscribing -> Subscribed, and to Error
// from either of the latter. Stop returns it to Disconnected for good; a new
// conversation gets a new Subscriber.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-sync/client/store"
	"chat-sync/client/storeerr"
	"chat-sync/logger"
	"chat-sync/models"
)

type State int

const (
	Disconnected State = iota
	Subscribing
	Subscribed
	Error
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Error:
		return "error"
	default:
		return "disconnected"
	}
}

var (
	ErrStarted = errors.New("realtime: subscriber already started")
	ErrStopped = errors.New("realtime: subscriber stopped")
)

type Source interface {
	Subscribe(ctx context.Context, conversationID string) (store.Feed, error)
}

// Sink receives every pushed message.
type Sink interface {
	Merge(m models.Message) bool
}

// Policy controls reconnection after the feed drops or the first subscribe
// times out. Attempts == 0 leaves the subscriber in Error until the owner
// reloads.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

type Option func(*Subscriber)

func WithReconnect(p Policy) Option {
	return func(s *Subscriber) { s.policy = p }
}

// WithResync registers fn to run after each successful reconnect, so pushes
// missed while disconnected are fetched and merged.
func WithResync(fn func(ctx context.Context) error) Option {
	return func(s *Subscriber) { s.resync = fn }
}

// WithErrorHandler registers fn to receive the error that moved the
// subscriber into Error.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Subscriber) { s.onError = fn }
}

func WithAckTimeout(d time.Duration) Option {
	return func(s *Subscriber) { s.ackTimeout = d }
}

type Subscriber struct {
	src            Source
	conversationID string
	sink           Sink

	policy     Policy
	resync     func(ctx context.Context) error
	onError    func(error)
	ackTimeout time.Duration

	mu      sync.Mutex
	state   State
	err     error
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(src Source, conversationID string, sink Sink, opts ...Option) *Subscriber {
	s := &Subscriber{
		src:            src,
		conversationID: conversationID,
		sink:           sink,
		ackTimeout:     10 * time.Second,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes and blocks until the store acknowledges or refuses. A
// retryable first failure goes through the reconnect policy before Start
// gives up. On success events are merged into the sink until Stop or ctx ends.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ErrStopped
	case s.started:
		s.mu.Unlock()
		return ErrStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.state = Subscribing
	s.mu.Unlock()

	feed, err := s.subscribe(runCtx)
	if err != nil && runCtx.Err() == nil && s.policy.Attempts > 0 && storeerr.KindOf(err).Retryable() {
		logger.Infof("realtime: subscribing to %s failed, retrying: %v", s.conversationID, err)
		feed, err = s.reconnect(runCtx)
	}
	if err != nil {
		defer close(s.done)
		if runCtx.Err() != nil {
			s.setState(Disconnected, nil)
			return runCtx.Err()
		}
		return s.fail(err)
	}

	s.setState(Subscribed, nil)
	go s.run(runCtx, feed)
	return nil
}

// Stop unsubscribes and waits for the event loop to exit.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, started := s.cancel, s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-s.done
	}
	s.setState(Disconnected, nil)
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the normalized error behind the Error state.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscriber stops delivering events.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) ConversationID() string { return s.conversationID }

func (s *Subscriber) subscribe(ctx context.Context) (store.Feed, error) {
	ackCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()
	feed, err := s.src.Subscribe(ackCtx, s.conversationID)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &storeerr.Error{Kind: storeerr.NetworkTimeout, Message: "subscription not acknowledged", Err: err}
	}
	return feed, err
}

func (s *Subscriber) run(ctx context.Context, feed store.Feed) {
	defer close(s.done)
	for {
		err := s.pump(ctx, feed)
		_ = feed.Close()
		if ctx.Err() != nil {
			return
		}

		n := storeerr.Normalize(err)
		logger.Infof("realtime: feed for %s ended: %v", s.conversationID, n)
		if n.Kind.SessionEnding() || s.policy.Attempts <= 0 {
			_ = s.fail(n)
			return
		}

		feed, err = s.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				_ = s.fail(err)
			}
			return
		}
		s.setState(Subscribed, nil)
		if s.resync != nil {
			if err := s.resync(ctx); err != nil {
				logger.Warningf("realtime: resync of %s failed: %v", s.conversationID, err)
			}
		}
	}
}

func (s *Subscriber) pump(ctx context.Context, feed store.Feed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-feed.Events():
			if !ok {
				if err := feed.Err(); err != nil {
					return err
				}
				return store.ErrFeedClosed
			}
			s.sink.Merge(m)
		}
	}
}

func (s *Subscriber) reconnect(ctx context.Context) (store.Feed, error) {
	s.setState(Subscribing, nil)
	var lastErr error
	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * s.policy.Backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		feed, err := s.subscribe(ctx)
		if err == nil {
			logger.Infof("realtime: resubscribed to %s after %d attempt(s)", s.conversationID, attempt)
			return feed, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if storeerr.KindOf(err).SessionEnding() {
			break
		}
		logger.Debugf("realtime: resubscribe %s attempt %d failed: %v", s.conversationID, attempt, err)
	}
	return nil, lastErr
}

func (s *Subscriber) fail(err error) error {
	n := storeerr.Normalize(err)
	s.setState(Error, n)
	if s.onError != nil {
		s.onError(n)
	}
	return n
}

func (s *Subscriber) setState(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.err = err
}
