package ptapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Body       Error
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%s (%s, status %d, http %d)", e.Body.Error, e.Body.Code, e.Body.Status, e.StatusCode)
	}

	return fmt.Sprintf("%s (http %d)", e.Body.Error, e.StatusCode)
}

// Client talks to the admin API of an mptpass daemon.
type Client struct {
	http *http.Client
	base string
}

// NewClient creates a client for the daemon at baseURL, for example
// "http://127.0.0.1:9310". A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		http: httpClient,
		base: strings.TrimRight(baseURL, "/") + "/api/v1",
	}
}

// ListAdapters lists all adapters.
func (c *Client) ListAdapters(ctx context.Context) ([]Adapter, error) {
	var out []Adapter
	return out, c.do(ctx, http.MethodGet, "/adapters", nil, &out)
}

// Adapter describes one adapter.
func (c *Client) Adapter(ctx context.Context, id int) (*Adapter, error) {
	var out Adapter
	return &out, c.do(ctx, http.MethodGet, adapterPath(id, ""), nil, &out)
}

// Targets returns the target table of an adapter.
func (c *Client) Targets(ctx context.Context, id int) ([]Target, error) {
	var out []Target
	return out, c.do(ctx, http.MethodGet, adapterPath(id, "/targets"), nil, &out)
}

// ChangeCount returns the topology change count of an adapter.
func (c *Client) ChangeCount(ctx context.Context, id int) (uint16, error) {
	var out ChangeCount
	return out.ChangeCount, c.do(ctx, http.MethodGet, adapterPath(id, "/changecount"), nil, &out)
}

// EnableLogData turns on log data caching and returns the cache geometry.
func (c *Client) EnableLogData(ctx context.Context, id int) (*LogData, error) {
	var out LogData
	return &out, c.do(ctx, http.MethodPost, adapterPath(id, "/logdata"), nil, &out)
}

// LogData reads cached log data; capacity <= 0 reads everything.
func (c *Client) LogData(ctx context.Context, id, capacity int) (*LogData, error) {
	path := adapterPath(id, "/logdata")
	if capacity > 0 {
		path += "?" + url.Values{"capacity": {strconv.Itoa(capacity)}}.Encode()
	}

	var out LogData

	return &out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// EnablePEL enables persistent event log delivery.
func (c *Client) EnablePEL(ctx context.Context, id int, req PELRequest) (*PELState, error) {
	var out PELState
	return &out, c.do(ctx, http.MethodPut, adapterPath(id, "/pel"), req, &out)
}

// RaiseEvent raises a firmware event.
func (c *Client) RaiseEvent(ctx context.Context, id int, ev Event) (bool, error) {
	var out EventResult
	return out.Delivered, c.do(ctx, http.MethodPost, adapterPath(id, "/events"), ev, &out)
}

// Reset resets an adapter.
func (c *Client) Reset(ctx context.Context, id int, resetType string) (*Adapter, error) {
	var out Adapter
	return &out, c.do(ctx, http.MethodPost, adapterPath(id, "/reset"), ResetRequest{Type: resetType}, &out)
}

// Block stops an adapter from accepting commands.
func (c *Client) Block(ctx context.Context, id int) (*Adapter, error) {
	var out Adapter
	return &out, c.do(ctx, http.MethodPost, adapterPath(id, "/block"), nil, &out)
}

// Unblock lets an adapter accept commands again.
func (c *Client) Unblock(ctx context.Context, id int) (*Adapter, error) {
	var out Adapter
	return &out, c.do(ctx, http.MethodPost, adapterPath(id, "/unblock"), nil, &out)
}

// Passthrough runs a passthrough command.
func (c *Client) Passthrough(ctx context.Context, id int, req *PassthroughRequest) (*PassthroughResponse, error) {
	var out PassthroughResponse
	return &out, c.do(ctx, http.MethodPost, adapterPath(id, "/passthrough"), req, &out)
}

// Driver runs a raw driver command.
func (c *Client) Driver(ctx context.Context, id int, req *DriverRequest) (*DriverResponse, error) {
	var out DriverResponse
	return &out, c.do(ctx, http.MethodPost, adapterPath(id, "/driver"), req, &out)
}

// InjectFaults queues firmware faults.
func (c *Client) InjectFaults(ctx context.Context, id int, faults ...Fault) error {
	if faults == nil {
		faults = []Fault{}
	}

	return c.do(ctx, http.MethodPost, adapterPath(id, "/faults"), faults, nil)
}

func adapterPath(id int, suffix string) string {
	return "/adapters/" + strconv.Itoa(id) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody

	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		body = bytes.NewReader(b)
	} else if method != http.MethodGet {
		body = strings.NewReader("{}")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
		}

		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
