package matching

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTicketClaimIsExclusive(t *testing.T) {
	tk := NewTicket("alice", ComplexityEasy)

	const claimers = 8
	wins := make(chan struct{}, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tk.Claim() {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one resolver may claim a ticket")
}

// The brokered engine arms the deadline timer on the enqueueing goroutine
// while the pub/sub delivery loop may claim and stop the same ticket; the
// two must be safe to run concurrently.
func TestTicketTimerConcurrentArmAndStop(t *testing.T) {
	for i := 0; i < 200; i++ {
		tk := NewTicket("alice", ComplexityEasy)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tk.ArmTimeout(time.Hour, func() {})
		}()
		go func() {
			defer wg.Done()
			if tk.Claim() {
				tk.StopTimeout()
			}
		}()
		wg.Wait()
		tk.StopTimeout()
	}
}
