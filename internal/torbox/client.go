package torbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	requestTimeout = 30 * time.Second

	// Per-user request budget against the external API. The scheduler already
	// spaces polls out; this guards the burst inside a single cycle.
	requestsPerSecond = 5
	requestBurst      = 5
)

// Operations accepted by the control endpoints.
const (
	OpDelete      = "delete"
	OpStopSeeding = "stop_seeding"
	OpResume      = "resume"
)

// Client is a typed wrapper around the external API for one user's key.
type Client struct {
	baseURL    string
	version    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient builds a client for one user. baseURL is the API origin without a
// trailing slash; version is the path segment (e.g. "v1").
func NewClient(baseURL, version, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		logger:  logger,
	}
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/%s%s", c.baseURL, c.version, path)
}

// do runs one request and classifies failures. Returns the decoded envelope
// for 2xx responses.
func (c *Client) do(ctx context.Context, op, method, urlStr string, body any) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isNetworkError(err) {
			return nil, &TransientError{Op: op, Err: err}
		}
		return nil, fmt.Errorf("torbox %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}

	var env envelope
	// Some error bodies are not JSON; classification below only needs the
	// status code in that case.
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Status: resp.StatusCode, Code: env.Error}
	case resp.StatusCode == http.StatusForbidden && authErrorCodes[env.Error]:
		return nil, &AuthError{Status: resp.StatusCode, Code: env.Error}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("torbox %s: HTTP %d: %s %s", op, resp.StatusCode, env.Error, env.Detail)
	}

	return &env, nil
}

// GetItems fetches the live item inventory: the main list concatenated with
// the queued list. Transient failures on either endpoint degrade to an empty
// contribution from that endpoint so a blip never produces spurious diffs.
func (c *Client) GetItems(ctx context.Context, bypassCache bool) ([]Item, error) {
	listURL := c.endpoint("/api/torrents/mylist") + "?bypass_cache=" + url.QueryEscape(fmt.Sprintf("%t", bypassCache))
	env, err := c.do(ctx, "mylist", http.MethodGet, listURL, nil)
	var items []Item
	switch {
	case err == nil:
		if len(env.Data) > 0 {
			if uerr := json.Unmarshal(env.Data, &items); uerr != nil {
				return nil, fmt.Errorf("torbox mylist: decode: %w", uerr)
			}
		}
	case IsTransient(err):
		c.logger.Warn("item list fetch failed, substituting empty list", "error", err)
		return []Item{}, nil
	default:
		return nil, err
	}

	queuedURL := c.endpoint("/api/queued/getqueued") + "?type=torrent"
	qenv, err := c.do(ctx, "getqueued", http.MethodGet, queuedURL, nil)
	switch {
	case err == nil:
		var queued []Item
		if len(qenv.Data) > 0 {
			if uerr := json.Unmarshal(qenv.Data, &queued); uerr != nil {
				return nil, fmt.Errorf("torbox getqueued: decode: %w", uerr)
			}
		}
		for i := range queued {
			queued[i].Queued = true
		}
		items = append(items, queued...)
	case IsTransient(err):
		c.logger.Warn("queued list fetch failed, substituting empty list", "error", err)
	default:
		return nil, err
	}

	return items, nil
}

// ControlItem issues a control operation against a live item.
func (c *Client) ControlItem(ctx context.Context, itemID string, operation string) error {
	body := map[string]any{
		"torrent_id": itemID,
		"operation":  operation,
	}
	_, err := c.do(ctx, "controltorrent", http.MethodPost, c.endpoint("/api/torrents/controltorrent"), body)
	return err
}

// ControlQueued issues a control operation against a queued item.
func (c *Client) ControlQueued(ctx context.Context, itemID string, operation string) error {
	body := map[string]any{
		"queued_id": itemID,
		"operation": operation,
		"type":      "torrent",
	}
	_, err := c.do(ctx, "controlqueued", http.MethodPost, c.endpoint("/api/queued/controlqueued"), body)
	return err
}

// DeleteItem removes the item from the external service.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	return c.ControlItem(ctx, itemID, OpDelete)
}
