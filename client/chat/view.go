package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-sync/client/messages"
	"chat-sync/client/optimistic"
	"chat-sync/client/profiles"
	"chat-sync/client/realtime"
	"chat-sync/client/reqguard"
	"chat-sync/client/session"
	"chat-sync/client/storeerr"
	"chat-sync/logger"
	"chat-sync/models"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// ErrViewClosed is returned for results that arrive after Close.
var ErrViewClosed = errors.New("chat: view closed")

type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "loading"
	}
}

// Entry is one rendered message. Pending entries are local sends the store
// has not confirmed yet.
type Entry struct {
	models.Message
	Pending bool
}

// View is one open conversation. It lives until Close; every result that
// arrives after Close is dropped.
type View struct {
	svc  *Service
	id   string
	self string
	buf  *messages.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	status    Status
	err       error
	peer      models.Profile
	peerKnown bool
	pending   []models.Message
	failed    map[string]models.Message
	sub       *realtime.Subscriber

	changes chan struct{}
	wg      sync.WaitGroup
}

func newView(s *Service, conversationID string) *View {
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		svc:     s,
		id:      conversationID,
		self:    s.identity.CurrentUserID(),
		buf:     messages.New(conversationID),
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusLoading,
		changes: make(chan struct{}, 1),
	}
	v.wg.Add(1)
	go v.forward()
	return v
}

func (v *View) ConversationID() string { return v.id }

// Messages returns confirmed messages in (created_at, id) order followed by
// pending sends.
func (v *View) Messages() []Entry {
	confirmed := v.buf.Snapshot()
	v.mu.Lock()
	pending := append([]models.Message(nil), v.pending...)
	v.mu.Unlock()

	out := make([]Entry, 0, len(confirmed)+len(pending))
	for _, m := range confirmed {
		out = append(out, Entry{Message: m})
	}
	for _, m := range pending {
		if !v.buf.Contains(m.ID) {
			out = append(out, Entry{Message: m, Pending: true})
		}
	}
	return out
}

func (v *View) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Err is the error behind StatusFailed.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// Peer is the other participant, or a placeholder when unknown.
func (v *View) Peer() (models.Profile, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peer, v.peerKnown
}

// RealtimeState reports the push feed state.
func (v *View) RealtimeState() realtime.State {
	v.mu.Lock()
	sub := v.sub
	v.mu.Unlock()
	if sub == nil {
		return realtime.Disconnected
	}
	return sub.State()
}

// Changes fires, coalesced, whenever Messages, Status or Peer may have
// changed.
func (v *View) Changes() <-chan struct{} { return v.changes }

// Close unsubscribes and marks every outstanding call stale.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub := v.sub
	v.mu.Unlock()

	v.cancel()
	if sub != nil {
		sub.Stop()
	}
	v.wg.Wait()
	v.svc.forget(v)
}

// SendMessage posts content as the current user. The message shows as
// pending until the store confirms it and is removed if the store refuses.
// When the failure is retryable the unconfirmed message is returned with the
// error and stays available to Retry under the same id.
func (v *View) SendMessage(ctx context.Context, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, storeerr.New(storeerr.InvalidArgument, "message is empty")
	}
	return v.send(ctx, models.Message{
		ID:             uuid.NewString(),
		ConversationID: v.id,
		SenderID:       v.self,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	})
}

// Retry resends a failed message under its original id. If the earlier
// attempt reached the store the retry is a no-op.
func (v *View) Retry(ctx context.Context, id string) (models.Message, error) {
	v.mu.Lock()
	local, ok := v.failed[id]
	v.mu.Unlock()
	if !ok {
		return models.Message{}, storeerr.New(storeerr.NotFound, "no failed send %s", id)
	}
	local.CreatedAt = time.Now().UTC()
	return v.send(ctx, local)
}

// FailedSends lists messages waiting for Retry, oldest first.
func (v *View) FailedSends() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Message, 0, len(v.failed))
	for _, m := range v.failed {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (v *View) send(ctx context.Context, local models.Message) (models.Message, error) {
	if v.isClosed() {
		return models.Message{}, ErrViewClosed
	}
	if v.svc.session.Ended() {
		return models.Message{}, session.ErrSessionEnded
	}

	var confirmed models.Message
	err := optimistic.Run(ctx, v.svc.guard, optimistic.Mutation{
		Key: reqguard.Key("send", v.self, v.id, contentHash(local.Content)),
		Apply: func() func() {
			v.addPending(local)
			return func() { v.removePending(local.ID) }
		},
		Commit: func(ctx context.Context) error {
			m, err := call(ctx, v.svc.cfg.CallTimeout, func(ctx context.Context) (models.Message, error) {
				return v.svc.backend.InsertMessage(ctx, local)
			})
			confirmed = m
			return err
		},
		Reconcile: func(ctx context.Context) error {
			defer v.removePending(local.ID)
			if confirmed.ID == "" {
				// the id already landed; take the stored row
				confirmed = local
				return v.resync(ctx)
			}
			_ = v.apply(func() { v.buf.Merge(confirmed) })
			return nil
		},
		Check: v.svc.session.Check,
	})

	if errors.Is(err, ErrBusy) {
		return models.Message{}, err
	}
	retryable := err != nil && storeerr.KindOf(err).Retryable()
	v.mu.Lock()
	if retryable && !v.closed {
		if v.failed == nil {
			v.failed = make(map[string]models.Message)
		}
		v.failed[local.ID] = local
	} else {
		delete(v.failed, local.ID)
	}
	v.mu.Unlock()

	switch {
	case retryable:
		return local, err
	case err != nil:
		return models.Message{}, err
	}
	return confirmed, nil
}

// Reload refetches history and replaces the buffer with it. If the push feed
// gave up, a fresh subscriber is attached first.
func (v *View) Reload(ctx context.Context) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	key := reqguard.Key("reload", v.self, v.id)
	if !v.svc.guard.Start(key) {
		return ErrBusy
	}
	defer v.svc.guard.Finish(key)

	v.setStatus(StatusLoading, nil)

	if st := v.RealtimeState(); st == realtime.Error || st == realtime.Disconnected {
		if err := v.svc.session.Protect(ctx, v.subscribe); err != nil {
			logger.Warningf("chat: resubscribing to %s: %v", v.id, err)
		}
	}

	err := v.svc.session.Protect(ctx, func(ctx context.Context) error {
		rows, err := v.history(ctx)
		if err != nil {
			return err
		}
		return v.apply(func() {
			newest := time.Time{}
			for _, m := range rows {
				if m.CreatedAt.After(newest) {
					newest = m.CreatedAt
				}
			}
			// keep pushes that landed after the fetch was answered
			for _, m := range v.buf.Snapshot() {
				if m.CreatedAt.After(newest) {
					rows = append(rows, m)
				}
			}
			v.buf.Seed(rows)
		})
	})
	v.settle(err)
	return err
}

// open subscribes first so no push is missed, then loads history and the
// peer profile in parallel.
func (v *View) open(ctx context.Context) error {
	subErr := v.svc.session.Protect(ctx, v.subscribe)
	if subErr != nil {
		logger.Warningf("chat: subscribing to %s: %v", v.id, subErr)
		if errors.Is(subErr, session.ErrSessionEnded) || storeerr.KindOf(subErr).SessionEnding() {
			v.settle(subErr)
			return subErr
		}
	}

	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		return v.svc.session.Protect(ctx, v.resync)
	})
	p.Go(func(ctx context.Context) error {
		return v.svc.session.Protect(ctx, v.loadPeer)
	})
	err := p.Wait()
	if err == nil && subErr != nil {
		// history is shown but nothing is pushed until Reload
		err = subErr
	}
	v.settle(err)
	return err
}

// subscribe attaches a fresh subscriber. The feed is bound to the view, not
// to the caller's context.
func (v *View) subscribe(_ context.Context) error {
	cfg := v.svc.cfg
	sub := realtime.New(v.svc.backend, v.id, v.buf,
		realtime.WithReconnect(cfg.Reconnect),
		realtime.WithResync(v.resync),
		realtime.WithAckTimeout(cfg.CallTimeout),
		realtime.WithErrorHandler(func(err error) {
			// runs on the subscriber's goroutine; the session hook closes
			// views asynchronously
			_ = v.svc.session.Check(v.ctx, err)
			v.notify()
		}),
	)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	old := v.sub
	v.sub = sub
	v.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	err := sub.Start(v.ctx)
	v.notify()
	return err
}

// resync merges the latest history into the buffer.
func (v *View) resync(ctx context.Context) error {
	rows, err := v.history(ctx)
	if err != nil {
		return err
	}
	return v.apply(func() { v.buf.MergeAll(rows) })
}

func (v *View) history(ctx context.Context) ([]models.Message, error) {
	ctx, cancel := v.bind(ctx)
	defer cancel()
	return call(ctx, v.svc.cfg.CallTimeout, func(ctx context.Context) ([]models.Message, error) {
		return v.svc.backend.MessagesByConversation(ctx, v.id, v.svc.cfg.HistoryLimit)
	})
}

func (v *View) loadPeer(ctx context.Context) error {
	ctx, cancel := v.bind(ctx)
	defer cancel()

	members, err := call(ctx, v.svc.cfg.CallTimeout, func(ctx context.Context) ([]models.ConversationParticipant, error) {
		return v.svc.backend.MembershipsByConversations(ctx, []string{v.id})
	})
	if err != nil {
		return err
	}
	peerID := ""
	for _, m := range members {
		if m.UserID != v.self {
			peerID = m.UserID
		}
	}
	if peerID == "" {
		return v.apply(func() { v.peerKnown = false })
	}

	found, err := v.svc.profiles.Load(ctx, []string{peerID})
	if err != nil {
		return err
	}
	return v.apply(func() {
		v.peer, v.peerKnown = profiles.Lookup(found, peerID)
	})
}

// bind derives a context that also ends when the view closes.
func (v *View) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(v.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// apply runs fn unless the view has been closed. Holding v.mu makes the
// liveness check and the update atomic with respect to Close.
func (v *View) apply(fn func()) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	fn()
	v.mu.Unlock()
	v.notify()
	return nil
}

// settle records the outcome of a load. A failure keeps whatever was loaded
// before.
func (v *View) settle(err error) {
	switch {
	case err == nil:
		v.setStatus(StatusReady, nil)
	case errors.Is(err, ErrViewClosed), errors.Is(err, context.Canceled):
	default:
		v.setStatus(StatusFailed, err)
	}
}

func (v *View) setStatus(st Status, err error) {
	_ = v.apply(func() {
		v.status = st
		v.err = err
	})
}

func (v *View) addPending(m models.Message) {
	v.mu.Lock()
	v.pending = append(v.pending, m)
	v.mu.Unlock()
	v.notify()
}

func (v *View) removePending(id string) {
	v.mu.Lock()
	for i, m := range v.pending {
		if m.ID == id {
			v.pending = append(v.pending[:i], v.pending[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	v.notify()
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// forward relays buffer changes until the view closes.
func (v *View) forward() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-v.buf.Changes():
			v.notify()
		}
	}
}

func (v *View) notify() {
	select {
	case v.changes <- struct{}{}:
	default:
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
