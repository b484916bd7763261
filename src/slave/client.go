// Package slave implements a build slave: a client of the build master's slave
// protocol and a runner that executes recipe steps locally.
package slave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bitten-master/src/contracts"
	"bitten-master/src/master"
)

// slaveHeader must match the header the master reads the slave name from.
const slaveHeader = "X-Bitten-Slave"

// StatusError is a non-success response from the master.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("master responded %d: %s", e.Status, e.Message)
}

// Unwrap maps the status code back to the domain error the master reported.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return contracts.ErrNotFound
	case http.StatusConflict:
		return contracts.ErrConflict
	case http.StatusForbidden:
		return contracts.ErrForbidden
	case http.StatusBadRequest:
		return contracts.ErrInvalid
	case http.StatusUnprocessableEntity:
		return contracts.ErrInvalidRecipe
	default:
		return nil
	}
}

// Client speaks the slave protocol to one build master.
type Client struct {
	baseURL    string
	name       string
	httpClient *http.Client
}

// NewClient creates a client for the master at baseURL acting as slave name.
func NewClient(baseURL, name string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    name,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the slave name sent with every request.
func (c *Client) Name() string {
	return c.name
}

// RequestBuild asks for a pending build. It returns nil when there is none.
func (c *Client) RequestBuild(ctx context.Context, info contracts.SlaveInfo) (*contracts.Build, error) {
	info.Name = c.name
	var b contracts.Build
	status, err := c.do(ctx, http.MethodPost, "/builds", info, &b, http.StatusCreated, http.StatusNoContent)
	if status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %w", contracts.ErrNoMatchingPlatform, err)
	}
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &b, nil
}

// Initiate fetches the recipe of a claimed build and marks it started.
func (c *Client) Initiate(ctx context.Context, id int64) (*master.Envelope, error) {
	var env master.Envelope
	if _, err := c.do(ctx, http.MethodGet, buildPath(id), nil, &env, http.StatusOK); err != nil {
		return nil, err
	}
	return &env, nil
}

// SubmitStep reports a finished step and returns the build as updated by the master.
func (c *Client) SubmitStep(ctx context.Context, id int64, step contracts.Step) (*contracts.Build, error) {
	var b contracts.Build
	if _, err := c.do(ctx, http.MethodPost, buildPath(id)+"/steps", step, &b, http.StatusCreated); err != nil {
		return nil, err
	}
	return &b, nil
}

// Keepalive tells the master the build is still running.
func (c *Client) Keepalive(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, buildPath(id)+"/keepalive", nil, nil, http.StatusNoContent)
	return err
}

// Cancel returns a claimed build to the master's queue.
func (c *Client) Cancel(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, buildPath(id), nil, nil, http.StatusOK, http.StatusNoContent)
	return err
}

func buildPath(id int64) string {
	return fmt.Sprintf("/builds/%d", id)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(slaveHeader, c.name)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode != code {
			continue
		}
		if out != nil && code != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return code, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return code, nil
	}

	var e struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: e.Error}
}

// IsGone reports whether err means the build no longer belongs to this slave.
func IsGone(err error) bool {
	return errors.Is(err, contracts.ErrForbidden) || errors.Is(err, contracts.ErrNotFound)
}
