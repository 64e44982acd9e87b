// Package api is the client side of the session service REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/victornm/peerprep/internal/domain"
	"github.com/victornm/peerprep/internal/errors"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

type Client struct {
	url   string
	token string
	http  *http.Client
}

func New(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		url:   strings.TrimSuffix(c.URL, "/"),
		token: c.Token,
		http:  hc,
	}
}

type MatchResponse struct {
	Success   bool       `json:"success"`
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	Removed   bool       `json:"removed"`
	SessionID string     `json:"session_id"`
	PeerID    string     `json:"peer_id"`
	Deadline  *time.Time `json:"deadline"`
}

func (c *Client) RequestMatch(ctx context.Context, req domain.MatchRequest) (*MatchResponse, error) {
	var resp MatchResponse
	if err := c.do(ctx, http.MethodPost, "/match/request", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CancelMatch(ctx context.Context, req domain.MatchRequest) (*MatchResponse, error) {
	var resp MatchResponse
	if err := c.do(ctx, http.MethodPost, "/match/cancel", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActiveSession returns the id of the session the user is in, or "" when none.
func (c *Client) ActiveSession(ctx context.Context, userID string) (string, error) {
	var resp struct {
		InSession bool    `json:"in_session"`
		SessionID *string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", url.Values{"user_id": {userID}}, nil, &resp); err != nil {
		return "", err
	}
	if !resp.InSession || resp.SessionID == nil {
		return "", nil
	}
	return *resp.SessionID, nil
}

func (c *Client) SessionMetadata(ctx context.Context, sessionID, userID string) (*domain.SessionMetadata, error) {
	var md domain.SessionMetadata
	path := "/sessions/" + url.PathEscape(sessionID) + "/metadata"
	if err := c.do(ctx, http.MethodGet, path, url.Values{"user_id": {userID}}, nil, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

func (c *Client) SessionQuestion(ctx context.Context, sessionID, userID string) (*domain.Question, error) {
	var q domain.Question
	path := "/sessions/" + url.PathEscape(sessionID) + "/question"
	if err := c.do(ctx, http.MethodGet, path, url.Values{"user_id": {userID}}, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) SubmitAttempt(ctx context.Context, a domain.AttemptRecord) error {
	return c.do(ctx, http.MethodPost, "/questions/attempt", nil, a, nil)
}

func (c *Client) QuestionCount(ctx context.Context, topic, difficulty string) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	q := url.Values{"topic": {topic}, "difficulty": {difficulty}}
	if err := c.do(ctx, http.MethodGet, "/questions/count", q, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Progress(ctx context.Context, userID string) (*domain.Progress, error) {
	var p domain.Progress
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/progress", nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// do sends the request and decodes the JSON response into out. Error responses come back
// as *errors.Error with the code the server rendered.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.url + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("api: new request %s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("%s %s: %v", method, path, err), errors.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var e errors.Error
	if err := json.Unmarshal(b, &e); err == nil && e.Message != "" {
		if e.Code == 0 {
			e.Code = errors.FromHTTPStatusCode(resp.StatusCode)
		}
		return &e
	}

	return errors.New(errors.FromHTTPStatusCode(resp.StatusCode),
		errors.WithMessagef("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
}
