package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerprep/peerprep-backend/internal/matching"
)

func newTestEngine(t *testing.T, mr *miniredis.Miniredis, timeout time.Duration) (*Engine, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e, err := NewEngine(context.Background(), rdb, timeout, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, rdb
}

func awaitOutcome(t *testing.T, tk *matching.Ticket) matching.Result {
	t.Helper()
	select {
	case res := <-tk.Outcome():
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no outcome delivered for %s", tk.UserID)
		return matching.Result{}
	}
}

func queueLen(t *testing.T, rdb *redis.Client, c matching.Complexity) int64 {
	t.Helper()
	n, err := rdb.ZCard(context.Background(), queueKey(c)).Result()
	require.NoError(t, err)
	return n
}

func TestBrokeredImmediateMatch(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e, rdb := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	aliceTicket, aliceRes, err := e.Enqueue(ctx, "alice", matching.ComplexityEasy)
	require.NoError(t, err)
	require.Nil(t, aliceRes)
	require.NotNil(t, aliceTicket)
	assert.Equal(t, int64(1), queueLen(t, rdb, matching.ComplexityEasy))

	_, bobRes, err := e.Enqueue(ctx, "bob", matching.ComplexityEasy)
	require.NoError(t, err)
	require.NotNil(t, bobRes)
	assert.Equal(t, "alice", bobRes.PartnerID)

	aliceOutcome := awaitOutcome(t, aliceTicket)
	assert.Equal(t, matching.ReasonMatched, aliceOutcome.Reason)
	assert.Equal(t, "bob", aliceOutcome.PartnerID)
	assert.Equal(t, bobRes.RoomID, aliceOutcome.RoomID)

	assert.Equal(t, int64(0), queueLen(t, rdb, matching.ComplexityEasy))
}

func TestBrokeredCrossInstanceMatch(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	// Two service instances sharing one logical queue.
	e1, _ := newTestEngine(t, mr, time.Minute)
	e2, rdb := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	aliceTicket, _, err := e1.Enqueue(ctx, "alice", matching.ComplexityHard)
	require.NoError(t, err)
	require.NotNil(t, aliceTicket)

	_, bobRes, err := e2.Enqueue(ctx, "bob", matching.ComplexityHard)
	require.NoError(t, err)
	require.NotNil(t, bobRes)
	assert.Equal(t, "alice", bobRes.PartnerID)

	// Alice's instance learns about the match over pub/sub.
	aliceOutcome := awaitOutcome(t, aliceTicket)
	assert.Equal(t, "bob", aliceOutcome.PartnerID)
	assert.Equal(t, bobRes.RoomID, aliceOutcome.RoomID)

	assert.Equal(t, int64(0), queueLen(t, rdb, matching.ComplexityHard))
}

func TestBrokeredCrossBucketIsolation(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e, rdb := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	_, _, err = e.Enqueue(ctx, "easy-user", matching.ComplexityEasy)
	require.NoError(t, err)

	hardTicket, hardRes, err := e.Enqueue(ctx, "hard-user", matching.ComplexityHard)
	require.NoError(t, err)
	require.Nil(t, hardRes, "users in different buckets must not pair")
	require.NotNil(t, hardTicket)

	assert.Equal(t, int64(1), queueLen(t, rdb, matching.ComplexityEasy))
	assert.Equal(t, int64(1), queueLen(t, rdb, matching.ComplexityHard))
}

func TestBrokeredCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e, rdb := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	tk, _, err := e.Enqueue(ctx, "alice", matching.ComplexityMedium)
	require.NoError(t, err)

	assert.True(t, e.Cancel(ctx, "alice"))
	assert.Equal(t, matching.ReasonCancelled, awaitOutcome(t, tk).Reason)
	assert.Equal(t, int64(0), queueLen(t, rdb, matching.ComplexityMedium))

	// Idempotent: the second cancel loses and stays silent.
	assert.False(t, e.Cancel(ctx, "alice"))

	// A later arrival waits instead of pairing with the stale ticket.
	bobTicket, bobRes, err := e.Enqueue(ctx, "bob", matching.ComplexityMedium)
	require.NoError(t, err)
	assert.Nil(t, bobRes)
	require.NotNil(t, bobTicket)
}

func TestBrokeredTimeout(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e, rdb := newTestEngine(t, mr, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	tk, _, err := e.Enqueue(ctx, "alice", matching.ComplexityHard)
	require.NoError(t, err)

	res := awaitOutcome(t, tk)
	assert.Equal(t, matching.ReasonTimedOut, res.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(0), queueLen(t, rdb, matching.ComplexityHard))
}

func TestBrokeredDisconnect(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e, rdb := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	tk, _, err := e.Enqueue(ctx, "alice", matching.ComplexityEasy)
	require.NoError(t, err)

	e.Disconnect(ctx, tk)
	assert.Equal(t, int64(0), queueLen(t, rdb, matching.ComplexityEasy))

	select {
	case res := <-tk.Outcome():
		t.Fatalf("no outcome expected after disconnect, got %v", res.Reason)
	case <-time.After(100 * time.Millisecond):
	}

	e.Disconnect(ctx, tk)
	e.Disconnect(ctx, nil)
}

func TestBrokeredDuplicateQueueRejected(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e, _ := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	_, _, err = e.Enqueue(ctx, "alice", matching.ComplexityEasy)
	require.NoError(t, err)

	_, _, err = e.Enqueue(ctx, "alice", matching.ComplexityEasy)
	assert.True(t, errors.Is(err, matching.ErrAlreadyQueued))
}

func TestBrokeredDuplicateQueueRejectedAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e1, rdb := newTestEngine(t, mr, time.Minute)
	e2, _ := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	aliceTicket, _, err := e1.Enqueue(ctx, "alice", matching.ComplexityEasy)
	require.NoError(t, err)
	require.NotNil(t, aliceTicket)

	score, err := rdb.ZScore(ctx, queueKey(matching.ComplexityEasy), "alice").Result()
	require.NoError(t, err)

	// Same user through a second instance: rejected, and the original
	// queue entry keeps its arrival score.
	dupTicket, dupRes, err := e2.Enqueue(ctx, "alice", matching.ComplexityEasy)
	assert.True(t, errors.Is(err, matching.ErrAlreadyQueued))
	assert.Nil(t, dupTicket)
	assert.Nil(t, dupRes)
	assert.Equal(t, int64(1), queueLen(t, rdb, matching.ComplexityEasy))

	after, err := rdb.ZScore(ctx, queueKey(matching.ComplexityEasy), "alice").Result()
	require.NoError(t, err)
	assert.Equal(t, score, after)

	// Waiting in one bucket blocks queuing in another too.
	_, _, err = e2.Enqueue(ctx, "alice", matching.ComplexityHard)
	assert.True(t, errors.Is(err, matching.ErrAlreadyQueued))
	assert.Equal(t, int64(0), queueLen(t, rdb, matching.ComplexityHard))

	// Exactly one connection gets the match: the one that actually queued.
	_, bobRes, err := e2.Enqueue(ctx, "bob", matching.ComplexityEasy)
	require.NoError(t, err)
	require.NotNil(t, bobRes)
	assert.Equal(t, "alice", bobRes.PartnerID)
	assert.Equal(t, "bob", awaitOutcome(t, aliceTicket).PartnerID)
}

func TestBrokeredFIFO(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	e, _ := newTestEngine(t, mr, time.Minute)
	ctx := context.Background()

	t1, _, err := e.Enqueue(ctx, "first", matching.ComplexityEasy)
	require.NoError(t, err)

	// Scores are arrival timestamps; make sure they differ even on a
	// coarse clock.
	time.Sleep(2 * time.Millisecond)

	_, res, err := e.Enqueue(ctx, "second", matching.ComplexityEasy)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "first", res.PartnerID, "the oldest waiter pairs first")
	assert.Equal(t, "second", awaitOutcome(t, t1).PartnerID)
}
