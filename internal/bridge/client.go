package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client invokes bridge operations over HTTP.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a client for baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			// Create and restore wait for the database to stop and restart.
			Timeout: 5 * time.Minute,
		},
	}
}

// NewClientFromTokenFile reads a host token file.
func NewClientFromTokenFile(path string) (*Client, error) {
	tf, err := ReadTokenFile(path)
	if err != nil {
		return nil, err
	}
	return NewClient(tf.URL, tf.Token), nil
}

// RawResult is a Result whose data is left undecoded.
type RawResult struct {
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	Code         string          `json:"code,omitempty"`
	NeedsRestart bool            `json:"needsRestart,omitempty"`
}

// InvocationError is returned by Call for unsuccessful results.
type InvocationError struct {
	Operation string
	Code      string
	Message   string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Operation, e.Code, e.Message)
}

// Invoke posts args (may be nil) to op and returns the decoded envelope.
// Unsuccessful results are returned without error.
func (c *Client) Invoke(ctx context.Context, op Operation, args any) (*RawResult, error) {
	var body io.Reader
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode arguments: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+invokePrefix+string(op), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var res RawResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}
	return &res, nil
}

// Call invokes op and decodes the data of a successful result into out,
// which may be nil.
func (c *Client) Call(ctx context.Context, op Operation, args, out any) (*RawResult, error) {
	res, err := c.Invoke(ctx, op, args)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, &InvocationError{Operation: string(op), Code: res.Code, Message: res.Error}
	}
	if out != nil && len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, out); err != nil {
			return res, fmt.Errorf("failed to decode %s result: %w", op, err)
		}
	}
	return res, nil
}

// Operations lists the operations the host accepts.
func (c *Client) Operations(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/operations", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var body struct {
		Operations []string `json:"operations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body.Operations, nil
}
