package matching

// bucketQueue is the FIFO of waiting tickets for one difficulty bucket.
// It is not safe for concurrent use on its own; the Engine guards all
// queues with a single mutex, which is plenty at interactive queue depths.
type bucketQueue struct {
	tickets []*Ticket
}

func (q *bucketQueue) push(t *Ticket) {
	q.tickets = append(q.tickets, t)
}

// popFront removes and returns the oldest waiting ticket.
func (q *bucketQueue) popFront() (*Ticket, bool) {
	if len(q.tickets) == 0 {
		return nil, false
	}
	t := q.tickets[0]
	q.tickets = q.tickets[1:]
	return t, true
}

// remove deletes the ticket with the given user ID, preserving the arrival
// order of everything else. Removing an absent ticket is a no-op.
func (q *bucketQueue) remove(userID string) bool {
	for i, t := range q.tickets {
		if t.UserID == userID {
			q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
			return true
		}
	}
	return false
}

func (q *bucketQueue) len() int {
	return len(q.tickets)
}
