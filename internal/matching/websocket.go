package matching

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader is used to upgrade an HTTP connection to a persistent WebSocket connection.
var upgrader = websocket.Upgrader{
	// The reference deployment sits behind the API gateway, which owns the
	// origin policy; restrict this when exposing the service directly.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Rejection details for protocol errors. These never resolve a ticket; the
// connection stays open so the client can retry.
const (
	detailBadPayload        = "Invalid request payload."
	detailBadComplexity     = "Unknown complexity. Expected easy, medium or hard."
	detailAlreadyQueuing    = "Already queuing. Cancel first to queue again."
	detailUnknownAction     = "Unknown action. Expected queue or cancel."
	detailUserMismatch      = "user_id does not match the authenticated session."
	detailEngineUnavailable = "Matchmaking is temporarily unavailable. Please retry."
)

// TokenVerifier validates the session token presented on the websocket
// upgrade and returns the user ID it was issued to.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// WebsocketHandler drives one client's matchmaking session: it upgrades the
// connection, reads queue/cancel requests, delegates to the Matcher and
// writes back the single terminal outcome before closing.
type WebsocketHandler struct {
	matcher  Matcher
	verifier TokenVerifier // nil disables the session-token gate
}

func NewWebsocketHandler(matcher Matcher, verifier TokenVerifier) *WebsocketHandler {
	return &WebsocketHandler{matcher: matcher, verifier: verifier}
}

// ServeHTTP is the entry point for an HTTP request. It authenticates when a
// verifier is configured, upgrades the connection and handles it until a
// terminal outcome is delivered or the client goes away.
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var authID string
	if h.verifier != nil {
		uid, err := h.verifier.Verify(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "Invalid session token", http.StatusUnauthorized)
			return
		}
		authID = uid
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	slog.Info("Matching WebSocket connection established", "remote", conn.RemoteAddr())

	h.handleConnection(conn, authID)
}

// inbound is one message off the wire. bad marks a payload that failed to
// parse; the read pump keeps the connection alive in that case.
type inbound struct {
	req Request
	bad bool
}

// readPump forwards client messages to the handler loop and reports the
// first read error, which is how a disconnect is detected. Every send
// selects on done: once the handler loop has returned, nobody drains msgs,
// and a plain send would park this goroutine forever.
func readPump(conn *websocket.Conn, msgs chan<- inbound, errs chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in.req); err != nil {
			in = inbound{bad: true}
		}
		select {
		case msgs <- in:
		case <-done:
			return
		}
	}
}

// handleConnection is the per-connection state machine. The connection is
// IDLE until a queue request parks it on a ticket (WAITING); the first of
// match, cancel or timeout to claim that ticket produces the one terminal
// outcome, after which the connection is closed. All writes to the socket
// happen on this goroutine.
func (h *WebsocketHandler) handleConnection(conn *websocket.Conn, authID string) {
	defer conn.Close()

	msgs := make(chan inbound)
	readErrs := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readPump(conn, msgs, readErrs, done)

	ctx := context.Background()
	var ticket *Ticket
	var outcome <-chan Result // nil while IDLE, so the select ignores it

	for {
		select {
		case in := <-msgs:
			if h.handleRequest(ctx, conn, in, authID, &ticket) {
				return
			}
			if ticket != nil {
				outcome = ticket.Outcome()
			}

		case err := <-readErrs:
			// Client went away. Implicit cancel: same cleanup as an
			// explicit cancel, but no outcome is delivered.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("Matching WebSocket closed unexpectedly", "error", err)
			}
			h.matcher.Disconnect(ctx, ticket)
			return

		case res := <-outcome:
			h.writeResponse(conn, res.Response())
			return
		}
	}
}

// handleRequest processes one inbound request. It returns true when the
// connection has received its terminal outcome and must be closed.
func (h *WebsocketHandler) handleRequest(ctx context.Context, conn *websocket.Conn, in inbound, authID string, ticket **Ticket) bool {
	if in.bad {
		h.reject(conn, detailBadPayload)
		return false
	}
	req := in.req

	switch req.Action {
	case ActionQueue:
		if req.UserID == "" {
			h.reject(conn, detailBadPayload)
			return false
		}
		if authID != "" && req.UserID != authID {
			h.reject(conn, detailUserMismatch)
			return false
		}
		if *ticket != nil {
			// Second queue while WAITING is a protocol violation; the
			// existing ticket is left untouched.
			h.reject(conn, detailAlreadyQueuing)
			return false
		}

		t, res, err := h.matcher.Enqueue(ctx, req.UserID, req.Complexity)
		switch {
		case err == nil && res != nil:
			// Immediate match; the partner's handler delivers their side.
			h.writeResponse(conn, res.Response())
			return true
		case err == nil:
			*ticket = t
		case errors.Is(err, ErrUnknownComplexity):
			h.reject(conn, detailBadComplexity)
		case errors.Is(err, ErrAlreadyQueued):
			h.reject(conn, detailAlreadyQueuing)
		default:
			slog.Error("Enqueue failed", "userID", req.UserID, "error", err)
			h.reject(conn, detailEngineUnavailable)
		}
		return false

	case ActionCancel:
		if req.UserID == "" {
			h.reject(conn, detailBadPayload)
			return false
		}
		if authID != "" && req.UserID != authID {
			h.reject(conn, detailUserMismatch)
			return false
		}
		if h.matcher.Cancel(ctx, req.UserID) {
			// The cancelled outcome arrives on the ticket's channel and is
			// written by the main select.
			return false
		}
		if *ticket == nil {
			// Nothing is waiting on this connection; there is no outcome
			// to deliver, so just release the connection.
			return true
		}
		// Lost the race against a match or timeout that is already in
		// flight for our ticket; its outcome will arrive shortly.
		return false

	default:
		h.reject(conn, detailUnknownAction)
		return false
	}
}

// reject reports a protocol error on the connection without touching any
// queue state.
func (h *WebsocketHandler) reject(conn *websocket.Conn, detail string) {
	h.writeResponse(conn, Response{IsMatched: false, Detail: detail})
}

// writeResponse delivers a payload to the client. A send to a connection
// that already disconnected is logged and swallowed; cleanup then proceeds
// through the read pump's error path.
func (h *WebsocketHandler) writeResponse(conn *websocket.Conn, resp Response) {
	if err := conn.WriteJSON(resp); err != nil {
		slog.Warn("Failed to write matching response", "error", err)
	}
}
