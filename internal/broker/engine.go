// Package broker implements the multi-instance matchmaking topology: the
// bucket queues live in Redis so that several matching-service instances
// share one logical queue, and matched outcomes travel between instances
// over Redis pub/sub. It exposes the same Matcher contract as the
// in-process engine, so the connection handler doesn't know which one it
// is driving.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/peerprep/peerprep-backend/internal/matching"
)

const userChannelPrefix = "matching:user:"

func queueKey(c matching.Complexity) string {
	return fmt.Sprintf("matching:queue:%s", c)
}

func userChannel(userID string) string {
	return userChannelPrefix + userID
}

// pairScript is the atomic pair-or-enqueue decision. A caller already
// waiting in any bucket (typically through a second instance) is rejected
// by returning their own ID, mirroring the in-process engine's cross-bucket
// waiting map. Otherwise, if the caller's bucket holds a waiter, the oldest
// one (lowest score) is popped and returned; else the caller is added,
// scored by arrival time so FIFO order survives across instances. Running
// it as one script is what prevents two concurrent requests from both
// seeing an empty bucket and waiting past each other.
var pairScript = redis.NewScript(`
for i = 1, #KEYS do
    if redis.call('ZSCORE', KEYS[i], ARGV[1]) then
        return ARGV[1]
    end
end
local partner = redis.call('ZRANGE', KEYS[1], 0, 0)
if partner[1] then
    redis.call('ZREM', KEYS[1], partner[1])
    return partner[1]
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return ''
`)

// matchNotice is the pub/sub payload sent to the instance holding the
// matched partner's connection.
type matchNotice struct {
	PartnerID  string `json:"partnerID"`
	RoomID     string `json:"roomID"`
	QuestionID string `json:"questionID"`
}

// Engine is the Redis-brokered matching.Matcher. Queue membership in Redis
// is the distributed claim: whichever of pairing, cancel or timeout
// removes a user from the sorted set first wins, and the losers are
// no-ops. Deadline timers stay local to the instance that owns the
// connection.
type Engine struct {
	rdb       *redis.Client
	sub       *redis.PubSub
	timeout   time.Duration
	questions matching.QuestionPicker
	events    matching.EventSink

	mu    sync.Mutex
	local map[string]*matching.Ticket // tickets owned by this instance

	instanceID string
	stop       context.CancelFunc
	done       chan struct{}
}

// NewEngine subscribes to the match-notice channels and starts the
// delivery loop. Close must be called on shutdown.
func NewEngine(ctx context.Context, rdb *redis.Client, timeout time.Duration, questions matching.QuestionPicker, events matching.EventSink) (*Engine, error) {
	if timeout <= 0 {
		timeout = matching.DefaultQueueTimeout
	}

	sub := rdb.PSubscribe(ctx, userChannelPrefix+"*")
	// Wait for the subscription to be confirmed so no notice published
	// after NewEngine returns can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to match notices: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		rdb:        rdb,
		sub:        sub,
		timeout:    timeout,
		questions:  questions,
		events:     events,
		local:      make(map[string]*matching.Ticket),
		instanceID: uuid.NewString()[:8],
		stop:       stop,
		done:       make(chan struct{}),
	}
	go e.run(runCtx)

	slog.Info("Brokered matching engine started", "instance", e.instanceID)
	return e, nil
}

// Close stops the delivery loop and releases the subscription.
func (e *Engine) Close() error {
	e.stop()
	err := e.sub.Close()
	<-e.done
	return err
}

// Enqueue implements matching.Matcher against the shared Redis queue.
func (e *Engine) Enqueue(ctx context.Context, userID string, c matching.Complexity) (*matching.Ticket, *matching.Result, error) {
	if !c.Valid() {
		return nil, nil, matching.ErrUnknownComplexity
	}

	t := matching.NewTicket(userID, c)

	// Register locally before touching Redis: the moment the script adds
	// us to the shared queue, another instance may pair us and publish a
	// notice, and the delivery loop has to find the ticket.
	e.mu.Lock()
	if _, dup := e.local[userID]; dup {
		e.mu.Unlock()
		return nil, nil, matching.ErrAlreadyQueued
	}
	e.local[userID] = t
	e.mu.Unlock()

	// Arm before the script runs: the moment the caller lands in the
	// sorted set, the delivery loop may claim and stop this ticket, so
	// the timer has to exist by then.
	t.ArmTimeout(e.timeout, func() { e.expire(t) })

	// The caller's own bucket comes first; the script scans the rest only
	// for the duplicate check.
	keys := []string{queueKey(c)}
	for _, other := range matching.Complexities {
		if other != c {
			keys = append(keys, queueKey(other))
		}
	}

	score := float64(time.Now().UnixMicro())
	partnerID, err := pairScript.Run(ctx, e.rdb, keys, userID, score).Text()
	if err != nil {
		t.StopTimeout()
		e.forget(userID)
		return nil, nil, fmt.Errorf("matching queue unavailable: %w", err)
	}

	if partnerID == userID {
		// Already waiting in some bucket, through another instance.
		t.StopTimeout()
		e.forget(userID)
		return nil, nil, matching.ErrAlreadyQueued
	}

	if partnerID != "" {
		t.StopTimeout()
		e.forget(userID)
		res, partnerRes := matching.PairOutcomes(ctx, e.questions, e.events, userID, partnerID, c)
		e.notifyPartner(ctx, partnerID, partnerRes)
		slog.Info("Users matched", "instance", e.instanceID, "userID", userID, "partnerID", partnerID, "complexity", c)
		return nil, &res, nil
	}

	slog.Info("User added to shared matchmaking queue", "instance", e.instanceID, "userID", userID, "complexity", c)
	return t, nil, nil
}

// Cancel implements matching.Matcher. Removal from the sorted set is the
// claim: ZREM returning zero means a concurrent pairing or timeout already
// resolved the ticket and this cancel is a no-op.
func (e *Engine) Cancel(ctx context.Context, userID string) bool {
	e.mu.Lock()
	t := e.local[userID]
	e.mu.Unlock()
	if t == nil {
		return false
	}

	removed, err := e.rdb.ZRem(ctx, queueKey(t.Complexity), userID).Result()
	if err != nil {
		slog.Error("Failed to remove user from shared queue", "userID", userID, "error", err)
		return false
	}
	if removed == 0 || !t.Claim() {
		return false
	}

	t.StopTimeout()
	e.forget(userID)
	t.Deliver(matching.Result{Reason: matching.ReasonCancelled})
	slog.Info("User cancelled queuing", "instance", e.instanceID, "userID", userID)
	return true
}

// Disconnect implements matching.Matcher. Same removal as Cancel, but no
// outcome is delivered.
func (e *Engine) Disconnect(ctx context.Context, t *matching.Ticket) {
	if t == nil {
		return
	}

	removed, err := e.rdb.ZRem(ctx, queueKey(t.Complexity), t.UserID).Result()
	if err != nil {
		slog.Error("Failed to remove disconnected user from shared queue", "userID", t.UserID, "error", err)
	} else if removed == 0 {
		// Already paired or timed out; the losing side drops out here and
		// any notice for this ticket is discarded by the claim.
		return
	}
	if !t.Claim() {
		return
	}
	t.StopTimeout()
	e.forget(t.UserID)
	slog.Info("Removed disconnected user from shared queue", "instance", e.instanceID, "userID", t.UserID)
}

// expire is the local deadline-timer callback.
func (e *Engine) expire(t *matching.Ticket) {
	ctx := context.Background()
	removed, err := e.rdb.ZRem(ctx, queueKey(t.Complexity), t.UserID).Result()
	if err != nil {
		// Queue state is unreachable; evict locally so the client gets an
		// answer and can retry, rather than hanging forever.
		slog.Error("Failed to evict timed-out user from shared queue", "userID", t.UserID, "error", err)
	} else if removed == 0 {
		return
	}
	if !t.Claim() {
		return
	}

	e.forget(t.UserID)
	t.Deliver(matching.Result{Reason: matching.ReasonTimedOut})
	slog.Info("User timed out waiting for a match", "instance", e.instanceID, "userID", t.UserID, "complexity", t.Complexity)
}

// notifyPartner publishes the partner's side of a match to whichever
// instance holds their connection. If the publish fails, the partner's
// deadline timer eventually evicts them; the queue itself stays
// consistent.
func (e *Engine) notifyPartner(ctx context.Context, partnerID string, res matching.Result) {
	payload, err := json.Marshal(matchNotice{
		PartnerID:  res.PartnerID,
		RoomID:     res.RoomID,
		QuestionID: res.QuestionID,
	})
	if err != nil {
		slog.Error("Failed to marshal match notice", "partnerID", partnerID, "error", err)
		return
	}
	if err := e.rdb.Publish(ctx, userChannel(partnerID), payload).Err(); err != nil {
		slog.Error("Failed to publish match notice", "partnerID", partnerID, "error", err)
	}
}

// run delivers match notices to locally held tickets. Notices for users
// connected to other instances are ignored; their own delivery loops
// handle them.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ch := e.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID := strings.TrimPrefix(msg.Channel, userChannelPrefix)

			e.mu.Lock()
			t := e.local[userID]
			e.mu.Unlock()
			if t == nil {
				continue
			}

			var notice matchNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				slog.Error("Malformed match notice", "channel", msg.Channel, "error", err)
				continue
			}

			if !t.Claim() {
				continue
			}
			t.StopTimeout()
			e.forget(userID)
			t.Deliver(matching.Result{
				Reason:     matching.ReasonMatched,
				PartnerID:  notice.PartnerID,
				RoomID:     notice.RoomID,
				QuestionID: notice.QuestionID,
			})
			slog.Info("Delivered match notice", "instance", e.instanceID, "userID", userID, "partnerID", notice.PartnerID)
		}
	}
}

func (e *Engine) forget(userID string) {
	e.mu.Lock()
	delete(e.local, userID)
	e.mu.Unlock()
}

var _ matching.Matcher = (*Engine)(nil)
