package questions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/peerprep/peerprep-backend/internal/matching"
)

// Client fetches questions from the question-bank CRUD service over its
// HTTP/JSON API. The matching engine uses it to preselect a question for a
// freshly provisioned room.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the questions service at baseURL
// (e.g. "http://questions-service:8002").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		// The lookup sits on the match-delivery path, so keep it short;
		// on expiry the room simply starts without a question.
		http: &http.Client{Timeout: 3 * time.Second},
	}
}

// PickQuestion implements matching.QuestionPicker. It asks the questions
// service for a random question of the given complexity.
func (c *Client) PickQuestion(ctx context.Context, complexity matching.Complexity) (string, error) {
	endpoint := fmt.Sprintf("%s/questions/random?complexity=%s", c.baseURL, url.QueryEscape(string(complexity)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("questions service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("questions service returned status %d", resp.StatusCode)
	}

	var body struct {
		QuestionID string `json:"question_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("malformed questions service response: %w", err)
	}
	if body.QuestionID == "" {
		return "", fmt.Errorf("questions service returned no question for complexity %q", complexity)
	}
	return body.QuestionID, nil
}
