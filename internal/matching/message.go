package matching

// Complexity identifies the difficulty bucket a user queues into.
// Pairing only ever happens between users in the same bucket.
type Complexity string

const (
	ComplexityEasy   Complexity = "easy"
	ComplexityMedium Complexity = "medium"
	ComplexityHard   Complexity = "hard"
)

// Complexities lists all difficulty buckets the engine maintains.
var Complexities = []Complexity{ComplexityEasy, ComplexityMedium, ComplexityHard}

func (c Complexity) Valid() bool {
	switch c {
	case ComplexityEasy, ComplexityMedium, ComplexityHard:
		return true
	}
	return false
}

// Actions a client can request over the matching websocket.
const (
	ActionQueue  = "queue"
	ActionCancel = "cancel"
)

// Request is the payload received from a client over the matching websocket.
// Complexity is required for "queue" and ignored for "cancel".
type Request struct {
	UserID     string     `json:"user_id"`
	Action     string     `json:"action"`
	Complexity Complexity `json:"complexity,omitempty"`
}

// Response is the payload sent back to a client. UserID carries the partner's
// ID on a successful match. RoomID and QuestionID identify the collaboration
// room provisioned for the pair; both are empty on non-match outcomes.
type Response struct {
	IsMatched  bool   `json:"is_matched"`
	Detail     string `json:"detail"`
	UserID     string `json:"user_id,omitempty"`
	RoomID     string `json:"room_id,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
}

// Detail strings the frontend displays for each terminal outcome.
const (
	DetailMatched   = "Match found!"
	DetailCancelled = "Queuing cancelled."
	DetailTimedOut  = "Timed out. Couldn't find a match."
)

// Reason classifies how a ticket was resolved.
type Reason int

const (
	ReasonMatched Reason = iota
	ReasonCancelled
	ReasonTimedOut
)

// Result is the terminal outcome of one ticket. Exactly one Result is ever
// produced per ticket, by whichever of {pairing, cancel, timeout} claims it.
type Result struct {
	Reason     Reason
	PartnerID  string
	RoomID     string
	QuestionID string
}

// Response converts a terminal outcome into its wire representation.
func (r Result) Response() Response {
	switch r.Reason {
	case ReasonMatched:
		return Response{
			IsMatched:  true,
			Detail:     DetailMatched,
			UserID:     r.PartnerID,
			RoomID:     r.RoomID,
			QuestionID: r.QuestionID,
		}
	case ReasonCancelled:
		return Response{IsMatched: false, Detail: DetailCancelled}
	default:
		return Response{IsMatched: false, Detail: DetailTimedOut}
	}
}
