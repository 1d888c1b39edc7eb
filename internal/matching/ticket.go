package matching

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ticket is the engine's record of one user's outstanding wait for a match.
// A ticket lives in exactly one bucket queue until it is resolved, and its
// resolution is serialized through Claim: whichever of pairing, explicit
// cancel, timeout or disconnect claims the ticket first owns its outcome,
// everyone else backs off.
type Ticket struct {
	UserID     string
	Complexity Complexity

	resolved atomic.Bool
	outcome  chan Result

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewTicket creates an unresolved ticket for the given user and bucket.
// Alternative engine implementations (e.g. the Redis-brokered one) create
// tickets through this constructor and drive them with Claim/Deliver.
func NewTicket(userID string, c Complexity) *Ticket {
	return &Ticket{
		UserID:     userID,
		Complexity: c,
		outcome:    make(chan Result, 1),
	}
}

// Claim atomically marks the ticket as resolved. It returns true for exactly
// one caller; losers must treat the ticket as no longer theirs.
func (t *Ticket) Claim() bool {
	return t.resolved.CompareAndSwap(false, true)
}

// Deliver hands the terminal outcome to the connection handler waiting on
// Outcome. It must only be called after winning Claim, which guarantees the
// buffered send never blocks and never happens twice.
func (t *Ticket) Deliver(r Result) {
	t.outcome <- r
}

// Outcome receives the ticket's single terminal Result.
func (t *Ticket) Outcome() <-chan Result {
	return t.outcome
}

// ArmTimeout starts the ticket's one-shot deadline timer. The timer handle
// is guarded because StopTimeout may run from a different goroutine than
// the one that armed it.
func (t *Ticket) ArmTimeout(d time.Duration, onExpire func()) {
	t.timerMu.Lock()
	t.timer = time.AfterFunc(d, onExpire)
	t.timerMu.Unlock()
}

// StopTimeout cancels the deadline timer. Stopping a timer that already
// fired, or was never armed, is a no-op.
func (t *Ticket) StopTimeout() {
	t.timerMu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timerMu.Unlock()
}
