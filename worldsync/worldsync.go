// Package worldsync talks to the world-state service that owns authoritative
// player state.
package worldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
)

const (
	syncInitialBackoff = 100 * time.Millisecond
	syncMaxBackoff     = 2 * time.Second
)

// Result is the outcome of a forced synchronization.
type Result struct {
	Success       bool      `json:"success"`
	ServerVersion string    `json:"serverVersion"`
	Timestamp     time.Time `json:"timestamp"`
}

// Client forces a world-state synchronization for a player.
type Client interface {
	ForceSynchronization(ctx context.Context, playerID string) (Result, error)
}

// Noop is used when no world-state service is configured. It always succeeds
// without changing the session's version.
type Noop struct{}

func (Noop) ForceSynchronization(_ context.Context, _ string) (Result, error) {
	return Result{Success: true, Timestamp: time.Now()}, nil
}

// HTTPClient calls POST <baseURL>/players/<id>/sync.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(baseURL string, timeout time.Duration, maxRetries int) *HTTPClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
	}
}

// ForceSynchronization retries transport failures and 5xx responses with
// exponential backoff. 4xx responses fail immediately.
func (c *HTTPClient) ForceSynchronization(ctx context.Context, playerID string) (Result, error) {
	endpoint := fmt.Sprintf("%s/players/%s/sync", c.baseURL, url.PathEscape(playerID))
	var result Result

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("world sync returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("world sync rejected player %s: %d", playerID, resp.StatusCode))
		}

		if err := json.Unmarshal(body, &result); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode world sync response: %w", err))
		}
		return nil
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(syncInitialBackoff),
				backoff.WithMaxInterval(syncMaxBackoff),
			),
			c.maxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		logger.L.Debug("retrying world sync",
			zap.String("player_id", playerID),
			zap.Duration("next_attempt_in", d),
			zap.Error(err),
		)
	})
	if err != nil {
		return Result{}, err
	}
	if !result.Success {
		return result, fmt.Errorf("world sync reported failure for player %s", playerID)
	}
	return result, nil
}
