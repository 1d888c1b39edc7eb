package matching

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueTimeout is how long a user waits for a partner before being
// evicted from the queue.
const DefaultQueueTimeout = 30 * time.Second

// questionPickTimeout bounds the question lookup, which runs on the
// match-delivery path before either outcome is written.
const questionPickTimeout = 1 * time.Second

var (
	// ErrAlreadyQueued is returned when a user who already holds a waiting
	// ticket sends another queue request.
	ErrAlreadyQueued = errors.New("user is already queued")
	// ErrUnknownComplexity is returned for a queue request naming a
	// difficulty bucket the engine doesn't maintain.
	ErrUnknownComplexity = errors.New("unknown complexity")
)

// Matcher is the contract the connection handler drives. It is implemented
// by the in-process Engine below and by the Redis-brokered engine used when
// several matching-service instances share one logical queue.
type Matcher interface {
	// Enqueue either pairs the user with the oldest compatible waiter
	// (returning the caller's Result immediately) or parks the user on a
	// new Ticket whose Outcome resolves later.
	Enqueue(ctx context.Context, userID string, c Complexity) (*Ticket, *Result, error)
	// Cancel resolves the user's waiting ticket with a cancelled outcome.
	// It reports whether this call won the ticket's claim; losing the race
	// to a concurrent match or timeout is a silent no-op.
	Cancel(ctx context.Context, userID string) bool
	// Disconnect removes the ticket of a connection that vanished. No
	// outcome is delivered because there is nobody left to read it.
	Disconnect(ctx context.Context, t *Ticket)
}

// QuestionPicker selects a question for a freshly provisioned room.
// Implemented by the questions-service HTTP client.
type QuestionPicker interface {
	PickQuestion(ctx context.Context, c Complexity) (string, error)
}

// Engine is the in-process matchmaking engine: one FIFO queue per
// difficulty bucket, all guarded by a single mutex. Two concurrent queue
// requests for the same bucket therefore can never both observe an empty
// queue and wait past each other, and no ticket can be popped twice.
type Engine struct {
	mu      sync.Mutex
	buckets map[Complexity]*bucketQueue
	waiting map[string]*Ticket // all waiting tickets, keyed by user ID

	timeout   time.Duration
	questions QuestionPicker
	events    EventSink
}

// NewEngine creates an engine with empty queues. questions and events may
// be nil, in which case rooms start without a question and no events are
// published.
func NewEngine(timeout time.Duration, questions QuestionPicker, events EventSink) *Engine {
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	buckets := make(map[Complexity]*bucketQueue, len(Complexities))
	for _, c := range Complexities {
		buckets[c] = &bucketQueue{}
	}
	return &Engine{
		buckets:   buckets,
		waiting:   make(map[string]*Ticket),
		timeout:   timeout,
		questions: questions,
		events:    events,
	}
}

// Enqueue implements Matcher. Pairing always consumes the oldest waiter in
// the bucket; on an immediate match the caller's ticket never enters the
// queue at all.
func (e *Engine) Enqueue(ctx context.Context, userID string, c Complexity) (*Ticket, *Result, error) {
	if !c.Valid() {
		return nil, nil, ErrUnknownComplexity
	}

	e.mu.Lock()
	if _, dup := e.waiting[userID]; dup {
		e.mu.Unlock()
		return nil, nil, ErrAlreadyQueued
	}

	if partner, ok := e.buckets[c].popFront(); ok {
		// Tickets are only ever claimed together with their removal from
		// the queue, under this same lock, so a popped ticket is always
		// still claimable.
		partner.Claim()
		partner.StopTimeout()
		delete(e.waiting, partner.UserID)
		e.mu.Unlock()

		res, partnerRes := e.pairOutcomes(ctx, userID, partner.UserID, c)
		partner.Deliver(partnerRes)
		slog.Info("Users matched", "userID", userID, "partnerID", partner.UserID, "complexity", c)
		return nil, &res, nil
	}

	t := NewTicket(userID, c)
	e.buckets[c].push(t)
	e.waiting[userID] = t
	t.ArmTimeout(e.timeout, func() { e.expire(t) })
	e.mu.Unlock()

	slog.Info("User added to matchmaking queue", "userID", userID, "complexity", c)
	return t, nil, nil
}

// Cancel implements Matcher. The waiting map spans every bucket, so a user
// is found wherever they queued; a cancel for a user with no waiting ticket
// is a no-op.
func (e *Engine) Cancel(ctx context.Context, userID string) bool {
	e.mu.Lock()
	t, ok := e.waiting[userID]
	if !ok || !t.Claim() {
		e.mu.Unlock()
		return false
	}
	t.StopTimeout()
	e.buckets[t.Complexity].remove(userID)
	delete(e.waiting, userID)
	e.mu.Unlock()

	t.Deliver(Result{Reason: ReasonCancelled})
	slog.Info("User cancelled queuing", "userID", userID)
	return true
}

// Disconnect implements Matcher. Same cleanup as Cancel, but nothing is
// delivered: the connection is already gone.
func (e *Engine) Disconnect(ctx context.Context, t *Ticket) {
	if t == nil {
		return
	}
	e.mu.Lock()
	if !t.Claim() {
		e.mu.Unlock()
		return
	}
	t.StopTimeout()
	e.buckets[t.Complexity].remove(t.UserID)
	delete(e.waiting, t.UserID)
	e.mu.Unlock()

	slog.Info("Removed disconnected user from queue", "userID", t.UserID)
}

// expire is the deadline-timer callback. If the ticket was matched or
// cancelled while the timer was firing, the claim fails and this is a no-op.
func (e *Engine) expire(t *Ticket) {
	e.mu.Lock()
	if !t.Claim() {
		e.mu.Unlock()
		return
	}
	e.buckets[t.Complexity].remove(t.UserID)
	delete(e.waiting, t.UserID)
	e.mu.Unlock()

	t.Deliver(Result{Reason: ReasonTimedOut})
	slog.Info("User timed out waiting for a match", "userID", t.UserID, "complexity", t.Complexity)
}

// pairOutcomes provisions a room for a new pair and builds both terminal
// outcomes.
func (e *Engine) pairOutcomes(ctx context.Context, userID, partnerID string, c Complexity) (Result, Result) {
	return PairOutcomes(ctx, e.questions, e.events, userID, partnerID, c)
}

// PairOutcomes provisions a room for a freshly matched pair and builds both
// terminal outcomes. The question lookup holds up match delivery by at most
// questionPickTimeout; a slow or failing lookup degrades to a room without a
// preselected question and never fails the match. Shared by the in-process
// and the Redis-brokered engine.
func PairOutcomes(ctx context.Context, questions QuestionPicker, events EventSink, userID, partnerID string, c Complexity) (Result, Result) {
	roomID := uuid.NewString()

	var questionID string
	if questions != nil {
		qctx, cancel := context.WithTimeout(ctx, questionPickTimeout)
		qid, err := questions.PickQuestion(qctx, c)
		cancel()
		if err != nil {
			slog.Warn("Question lookup failed, room starts without one", "roomID", roomID, "error", err)
		} else {
			questionID = qid
		}
	}

	if events != nil {
		events.PublishMatchFound(ctx, MatchFoundEvent{
			MatchID:    uuid.NewString(),
			RoomID:     roomID,
			UserIDs:    []string{userID, partnerID},
			Complexity: string(c),
		})
	}

	res := Result{Reason: ReasonMatched, PartnerID: partnerID, RoomID: roomID, QuestionID: questionID}
	partnerRes := Result{Reason: ReasonMatched, PartnerID: userID, RoomID: roomID, QuestionID: questionID}
	return res, partnerRes
}

// depth reports the number of waiting tickets in a bucket.
func (e *Engine) depth(c Complexity) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buckets[c].len()
}
