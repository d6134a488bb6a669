// Package frontendclient is a thin HTTP client over the manager's
// front-end API, used by the CLI: a shared http.Client, a generic
// doJSON helper, and one typed method per endpoint.
package frontendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/simfleet/manager/internal/frontend"
)

const DefaultTimeout = 10 * time.Second

// Client talks to one manager's front-end API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// New returns a Client pointed at baseURL (e.g. "http://127.0.0.1:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSimulation submits a new simulation and returns its id.
func (c *Client) CreateSimulation(ctx context.Context, req frontend.CreateRequest) (string, error) {
	var resp frontend.CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/simulations", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ListSimulations returns every known simulation.
func (c *Client) ListSimulations(ctx context.Context) ([]frontend.SimulationView, error) {
	var resp []frontend.SimulationView
	if err := c.doJSON(ctx, http.MethodGet, "/simulations", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSimulation fetches one simulation's current status.
func (c *Client) GetSimulation(ctx context.Context, id string) (frontend.SimulationView, error) {
	var resp frontend.SimulationView
	if err := c.doJSON(ctx, http.MethodGet, "/simulations/"+id, nil, &resp); err != nil {
		return frontend.SimulationView{}, err
	}
	return resp, nil
}

// GetFrame fetches one persisted timestep frame.
func (c *Client) GetFrame(ctx context.Context, id string, seq int) (frontend.FrameResponse, error) {
	var resp frontend.FrameResponse
	path := fmt.Sprintf("/simulations/%s/frames/%d", id, seq)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return frontend.FrameResponse{}, err
	}
	return resp, nil
}

// ListSimulators returns every simulator currently registered with
// the manager.
func (c *Client) ListSimulators(ctx context.Context) ([]frontend.SimulatorView, error) {
	var resp []frontend.SimulatorView
	if err := c.doJSON(ctx, http.MethodGet, "/simulators", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Watch streams status changes, invoking onEvent for each one until
// the simulation reaches a terminal status or ctx is cancelled.
func (c *Client) Watch(ctx context.Context, id string, onEvent func(frontend.WatchEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simulations/"+id+"/watch", nil)
	if err != nil {
		return fmt.Errorf("failed to create watch request; %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to manager; %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch request failed; status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var event frontend.WatchEvent
		if err := dec.Decode(&event); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to decode watch event; %w", err)
		}
		if err := onEvent(event); err != nil {
			return err
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("failed to encode request; %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request; %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to manager; %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error != "" {
			return fmt.Errorf("manager request failed; %s", errResp.Error)
		}
		return fmt.Errorf("manager request failed; status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response; %w", err)
	}

	return nil
}
