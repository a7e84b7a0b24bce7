package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"media-pipeline/internal/models"
)

// Client calls the pipeline HTTP API.
type Client struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
}

func NewClient(baseURL, clientID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		ClientID: clientID,
		// Drain passes may run for minutes.
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// EnqueueResult mirrors the POST /jobs response.
type EnqueueResult struct {
	Job        models.Job `json:"job"`
	MessageID  string     `json:"messageId"`
	Idempotent bool       `json:"idempotent"`
}

// PassResult mirrors the POST /passes response.
type PassResult struct {
	models.PassSummary
	Error string `json:"error"`
}

// DeadLetter is one archived message from GET /dlq.
type DeadLetter struct {
	ID         string          `json:"id"`
	ReadCount  int             `json:"readCount"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

func (c *Client) Enqueue(p models.Payload) (*EnqueueResult, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	var out EnqueueResult
	if err := c.do(http.MethodPost, "/jobs", bytes.NewReader(body), &out, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RunPass(drain bool, maxMessages int, maxWallClock time.Duration) (*PassResult, error) {
	q := url.Values{}
	if drain {
		q.Set("mode", "drain")
	}
	if maxMessages > 0 {
		q.Set("max_messages", strconv.Itoa(maxMessages))
	}
	if maxWallClock > 0 {
		q.Set("max_wall_clock", maxWallClock.String())
	}
	path := "/passes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out PassResult
	if err := c.do(http.MethodPost, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetJob(id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job, http.StatusOK); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) FindJob(key string) (*models.Job, error) {
	var job models.Job
	if err := c.do(http.MethodGet, "/jobs?idempotency_key="+url.QueryEscape(key), nil, &job, http.StatusOK); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) DeadLetters(limit int) ([]DeadLetter, error) {
	var out struct {
		Items []DeadLetter `json:"items"`
	}
	if err := c.do(http.MethodGet, fmt.Sprintf("/dlq?limit=%d", limit), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(method, path string, body io.Reader, out any, okCodes ...int) error {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ClientID != "" {
		req.Header.Set("X-Client-ID", c.ClientID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := string(bytes.TrimSpace(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
