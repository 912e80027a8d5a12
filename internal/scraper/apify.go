package scraper

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

	"go.uber.org/zap"

	"vidsearch/internal/fetcher"
	"vidsearch/internal/models"
)

// ActorClient drives actor runs on an Apify-compatible scraping API:
// start a run, poll until it settles, then read the run's dataset.
type ActorClient struct {
	baseURL      string
	token        string
	fetcher      *fetcher.Fetcher
	retry        fetcher.RetryConfig
	pollInterval time.Duration
	maxPolls     int
	logger       *zap.Logger
}

// ClientConfig configures an ActorClient.
type ClientConfig struct {
	BaseURL      string
	Token        string
	Retry        fetcher.RetryConfig
	PollInterval time.Duration
	MaxPolls     int
	Logger       *zap.Logger
}

// NewActorClient builds a client that sends every call through f.
func NewActorClient(f *fetcher.Fetcher, cfg ClientConfig) *ActorClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 40
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = fetcher.DefaultRetryConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ActorClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		fetcher:      f,
		retry:        cfg.Retry,
		pollInterval: cfg.PollInterval,
		maxPolls:     cfg.MaxPolls,
		logger:       cfg.Logger,
	}
}

// RunActor starts actorID with input and returns the raw dataset items once the
// run succeeds. The poll loop is capped at maxPolls cycles.
func (c *ActorClient) RunActor(ctx context.Context, actorID string, input map[string]any) ([]map[string]any, error) {
	runID, err := c.startRun(ctx, actorID, input)
	if err != nil {
		return nil, err
	}
	datasetID, err := c.waitForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return c.datasetItems(ctx, datasetID)
}

func (c *ActorClient) startRun(ctx context.Context, actorID string, input map[string]any) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode actor input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/acts/%s/runs?token=%s", c.baseURL, url.PathEscape(actorID), url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, req, &result, http.StatusCreated, http.StatusOK); err != nil {
		return "", fmt.Errorf("start actor %s: %w", actorID, err)
	}
	if result.Data.ID == "" {
		return "", fmt.Errorf("start actor %s: %w: empty run id", actorID, models.ErrProviderFailure)
	}
	return result.Data.ID, nil
}

func (c *ActorClient) waitForRun(ctx context.Context, runID string) (string, error) {
	endpoint := fmt.Sprintf("%s/actor-runs/%s?token=%s", c.baseURL, url.PathEscape(runID), url.QueryEscape(c.token))
	for poll := 0; poll < c.maxPolls; poll++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", fmt.Errorf("build status request: %w", err)
		}
		var status struct {
			Data struct {
				Status           string `json:"status"`
				DefaultDatasetID string `json:"defaultDatasetId"`
			} `json:"data"`
		}
		if err := c.doJSON(ctx, req, &status, http.StatusOK); err != nil {
			return "", fmt.Errorf("poll run %s: %w", runID, err)
		}
		switch status.Data.Status {
		case "SUCCEEDED":
			return status.Data.DefaultDatasetID, nil
		case "FAILED", "ABORTED", "TIMED-OUT":
			return "", fmt.Errorf("run %s: %w: status %s", runID, models.ErrProviderFailure, status.Data.Status)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return "", fmt.Errorf("run %s: %w: still running after %d polls", runID, models.ErrProviderFailure, c.maxPolls)
}

func (c *ActorClient) datasetItems(ctx context.Context, datasetID string) ([]map[string]any, error) {
	endpoint := fmt.Sprintf("%s/datasets/%s/items?token=%s&clean=true", c.baseURL, url.PathEscape(datasetID), url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset request: %w", err)
	}
	var items []map[string]any
	if err := c.doJSON(ctx, req, &items, http.StatusOK); err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", datasetID, err)
	}
	return items, nil
}

func (c *ActorClient) doJSON(ctx context.Context, req *http.Request, out any, okCodes ...int) error {
	resp, err := c.fetcher.Do(ctx, req, c.retry)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", models.ErrProviderFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: retries exhausted", models.ErrProviderRateLimited)
	}
	accepted := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", models.ErrProviderFailure, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", models.ErrProviderFailure, err)
	}
	return nil
}
