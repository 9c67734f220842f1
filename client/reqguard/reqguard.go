// Package reqguard implements single-flight exclusion keyed by operation
// identity.
//
// A key stays pending from Start until Finish. If Finish is never called a
// safety timer releases the key after the ceiling, so a rare duplicate run
// is possible once the ceiling has elapsed.
package reqguard

import (
	"strings"
	"sync"
	"time"

	"chat-sync/logger"
)

// DefaultCeiling is how long a key may stay pending without Finish.
const DefaultCeiling = 10 * time.Second

type pendingOp struct {
	startedAt time.Time
	timer     *time.Timer
}

// Guard is the pending-operation table. The zero value is not usable; use New.
type Guard struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
	ceiling time.Duration
	closed  bool
}

func New(ceiling time.Duration) *Guard {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Guard{
		pending: make(map[string]*pendingOp),
		ceiling: ceiling,
	}
}

// Key joins parts into an operation key, e.g. Key("follow", a, b) -> "follow:a:b".
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Start registers key and returns true, or returns false if key is already pending.
func (g *Guard) Start(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	if _, busy := g.pending[key]; busy {
		return false
	}
	op := &pendingOp{startedAt: time.Now()}
	op.timer = time.AfterFunc(g.ceiling, func() { g.expire(key, op) })
	g.pending[key] = op
	return true
}

// Finish unregisters key. Finishing a key that is not pending is a no-op.
func (g *Guard) Finish(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if op, ok := g.pending[key]; ok {
		op.timer.Stop()
		delete(g.pending, key)
	}
}

// Pending reports whether key is currently registered.
func (g *Guard) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[key]
	return ok
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close stops all safety timers and rejects further Starts.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, op := range g.pending {
		op.timer.Stop()
		delete(g.pending, key)
	}
	g.closed = true
}

func (g *Guard) expire(key string, op *pendingOp) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// the key may have been finished and started again since this timer was armed
	if cur, ok := g.pending[key]; ok && cur == op {
		delete(g.pending, key)
		logger.Warningf("⚠️ reqguard: force-released %q after %s", key, time.Since(op.startedAt).Round(time.Millisecond))
	}
}
