// Package ecmwf implements the remote job adapter against the ECMWF Web
// API: request submission, status polling, result download and
// cancellation over HTTPS, with retries for transient transport failures.
package ecmwf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/chpolste/ecmwf-api-futures/pkg/futures"
	"github.com/chpolste/ecmwf-api-futures/pkg/request"
)

// ErrMissingCredentials is returned by NewClient when no API key or email
// is configured.
var ErrMissingCredentials = errors.New("ecmwf: api key and email must be configured")

// Options configures the API client.
type Options struct {
	// BaseURL is the API root, e.g. "https://api.ecmwf.int/v1".
	BaseURL string

	// Key and Email authenticate requests.
	Key   string
	Email string

	// Timeout for individual metadata requests. Downloads are not
	// subject to it. Default: 60s.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retries for transient
	// failures. Default: 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff duration. Default: 1s.
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration. Default: 30s.
	RetryMaxBackoff time.Duration
}

func (o *Options) withDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 60 * time.Second
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = time.Second
	}
	if o.RetryMaxBackoff == 0 {
		o.RetryMaxBackoff = 30 * time.Second
	}
}

// Client talks to the ECMWF Web API. One client is shared by all workers
// of an executor; it is safe for concurrent use and implements
// futures.Adapter.
type Client struct {
	baseURL string
	key     string
	email   string
	http    *http.Client
	opts    Options

	// offsets tracks, per remote handle, how many server messages have
	// already been delivered, so each poll only reports new ones.
	offsets *haxmap.Map[string, int]
}

// NewClient creates an API client. Credentials must be set in opts.
func NewClient(opts Options) (*Client, error) {
	if opts.Key == "" || opts.Email == "" {
		return nil, ErrMissingCredentials
	}
	opts.withDefaults()
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		key:     opts.Key,
		email:   opts.Email,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: opts.Timeout,
		},
		opts:    opts,
		offsets: haxmap.New[string, int](),
	}, nil
}

// requestState mirrors the JSON body the API returns for a request
// resource.
type requestState struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Code     int      `json:"code"`
	Messages []string `json:"messages"`
	Href     string   `json:"href"`
	Size     int64    `json:"size"`
	Type     string   `json:"type"`
	Error    string   `json:"error"`
}

// Submit posts the request parameters to the service endpoint derived
// from the dataset/service parameter and returns the handle under which
// the server tracks the request.
func (c *Client) Submit(ctx context.Context, spec map[string]string) (futures.JobHandle, error) {
	servicePath, err := request.ServicePath(spec)
	if err != nil {
		return "", &futures.AdapterError{Op: "submit", Err: err}
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return "", &futures.AdapterError{Op: "submit", Err: err}
	}

	url := c.baseURL + "/" + servicePath + "/requests"
	state, err := c.doJSON(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", &futures.AdapterError{Op: "submit", Err: err}
	}
	if state.Name == "" {
		return "", &futures.AdapterError{Op: "submit", Err: errors.New("server response carries no request name")}
	}

	handle := futures.JobHandle(url + "/" + state.Name)
	c.offsets.Set(string(handle), 0)
	return handle, nil
}

// Poll fetches the current state of a request and translates it to the
// executor's remote status enum. Server messages are delivered once; the
// client keeps a per-handle offset.
func (c *Client) Poll(ctx context.Context, handle futures.JobHandle) (futures.JobUpdate, error) {
	offset, _ := c.offsets.Get(string(handle))

	url := fmt.Sprintf("%s?offset=%d&limit=500", handle, offset)
	state, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return futures.JobUpdate{}, &futures.AdapterError{Op: "poll", Err: err}
	}

	c.offsets.Set(string(handle), offset+len(state.Messages))

	status, err := translateStatus(state.Status)
	if err != nil {
		return futures.JobUpdate{}, &futures.AdapterError{Op: "poll", Err: err}
	}
	return futures.JobUpdate{Status: status, Messages: state.Messages}, nil
}

// Fetch downloads the output of a completed request to target. The
// download location is taken from the request resource.
func (c *Client) Fetch(ctx context.Context, handle futures.JobHandle, target string) (*futures.Result, error) {
	state, err := c.doJSON(ctx, http.MethodGet, string(handle), nil)
	if err != nil {
		return nil, &futures.AdapterError{Op: "fetch", Err: err}
	}
	if state.Href == "" {
		return nil, &futures.AdapterError{Op: "fetch", Err: errors.New("request has no result to download")}
	}

	size, err := c.download(ctx, state.Href, target)
	if err != nil {
		return nil, &futures.AdapterError{Op: "fetch", Err: err}
	}
	if state.Size > 0 && size != state.Size {
		return nil, &futures.AdapterError{
			Op:  "fetch",
			Err: fmt.Errorf("incomplete download: got %d of %d bytes", size, state.Size),
		}
	}

	// The request is finished; nothing polls this handle again.
	c.offsets.Del(string(handle))

	return &futures.Result{
		Path:        target,
		Href:        state.Href,
		Size:        size,
		ContentType: state.Type,
	}, nil
}

// Cancel deletes the request resource on the server.
func (c *Client) Cancel(ctx context.Context, handle futures.JobHandle) error {
	if _, err := c.doJSON(ctx, http.MethodDelete, string(handle), nil); err != nil {
		return &futures.AdapterError{Op: "cancel", Err: err}
	}
	c.offsets.Del(string(handle))
	return nil
}

func translateStatus(status string) (futures.JobStatus, error) {
	switch strings.ToLower(status) {
	case "queued":
		return futures.JobStatusQueued, nil
	case "active", "running":
		return futures.JobStatusActive, nil
	case "complete":
		return futures.JobStatusComplete, nil
	case "aborted", "failed", "rejected":
		return futures.JobStatusFailed, nil
	}
	return "", fmt.Errorf("unknown request status %q", status)
}

// doJSON issues a request with authentication headers, retrying transient
// failures, and decodes the JSON response body.
func (c *Client) doJSON(ctx context.Context, method, url string, body []byte) (*requestState, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		c.authenticate(req)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		// Server errors are retryable, client errors are not.
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d %s", resp.StatusCode, resp.Status)
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, httpError(resp.StatusCode, raw)
		}

		state := &requestState{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, state); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return state, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// download streams a result file to target, writing through a temporary
// file so a failed download never leaves a truncated target behind.
func (c *Client) download(ctx context.Context, href, target string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	c.authenticate(req)

	// Use a transport without the metadata timeout: large results take
	// longer than any sensible request timeout.
	client := &http.Client{Transport: c.http.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, httpError(resp.StatusCode, nil)
	}

	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return size, nil
}

func (c *Client) authenticate(req *http.Request) {
	req.Header.Set("X-ECMWF-KEY", c.key)
	req.Header.Set("From", c.email)
	req.Header.Set("Accept", "application/json")
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
	select {
	case <-time.After(backoff/2 + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func httpError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("http status %d %s", code, http.StatusText(code))
	}
	// Error bodies are JSON with error/messages fields when the API is
	// involved; fall back to the raw body otherwise.
	var detail struct {
		Error    string   `json:"error"`
		Messages []string `json:"messages"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && detail.Error != "" {
		if len(detail.Messages) > 0 {
			return fmt.Errorf("http status %d: %s: %s", code, detail.Error, strings.Join(detail.Messages, "; "))
		}
		return fmt.Errorf("http status %d: %s", code, detail.Error)
	}
	return fmt.Errorf("http status %d: %s", code, msg)
}
