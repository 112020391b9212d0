package bulletin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/emerry-tsun/JMA/pkg/taxonomy"
)

// Client fetches the feed and bulletin documents over HTTP.
type Client struct {
	feedURL     string
	warningType string
	userAgent   string
	tax         *taxonomy.Taxonomy
	client      *http.Client
	logger      *slog.Logger
}

// Options configures a Client. Zero values fall back to the JMA defaults.
type Options struct {
	FeedURL     string
	WarningType string
	UserAgent   string
	Timeout     time.Duration
}

// NewClient creates a bulletin client.
func NewClient(opts Options, tax *taxonomy.Taxonomy, logger *slog.Logger) *Client {
	if opts.FeedURL == "" {
		opts.FeedURL = DefaultFeedURL
	}
	if opts.WarningType == "" {
		opts.WarningType = DefaultWarningType
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "jmaalert/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if tax == nil {
		tax = taxonomy.Default()
	}
	return &Client{
		feedURL:     opts.FeedURL,
		warningType: opts.WarningType,
		userAgent:   opts.UserAgent,
		tax:         tax,
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      logger,
	}
}

// FeedURL returns the feed location.
func (c *Client) FeedURL() string { return c.feedURL }

// LastModified issues a HEAD request for the feed. A missing header yields
// the zero time and no error.
func (c *Client) LastModified(ctx context.Context) (time.Time, error) {
	resp, err := c.do(ctx, http.MethodHead, c.feedURL)
	if err != nil {
		return time.Time{}, err
	}
	resp.Body.Close()

	header := resp.Header.Get("Last-Modified")
	if header == "" {
		return time.Time{}, nil
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse Last-Modified %q: %w", header, err)
	}
	return t, nil
}

// FetchFeed downloads and parses the feed.
func (c *Client) FetchFeed(ctx context.Context) (*Feed, error) {
	resp, err := c.do(ctx, http.MethodGet, c.feedURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ParseFeed(resp.Body)
}

// FetchBulletin downloads one bulletin and extracts observations for areas.
func (c *Client) FetchBulletin(ctx context.Context, url string, areas []string) (*Bulletin, error) {
	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ParseBulletin(resp.Body, c.warningType, areas, c.tax, c.logger)
}

func (c *Client) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	return resp, nil
}
