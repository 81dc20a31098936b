// Package adminapi fetches usage records from the provider's organization
// usage endpoints under the shared admission bucket.
package adminapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/theirongolddev/usagesync/internal/model"
	"github.com/theirongolddev/usagesync/internal/ratelimit"
	"github.com/theirongolddev/usagesync/internal/transport"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultPageLimit      = 31
	maxBodySize           = 8 << 20 // 8 MB
	maxErrorBody          = 512
	userAgent             = "github.com/theirongolddev/usagesync/1.0"
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	CompletionsPath string
	StandardPath    string
	RequestTimeout  time.Duration
	PageLimit       int
	MaxPages        int
	Logger          *slog.Logger
}

// Client reads usage for credentials from the admin API.
type Client struct {
	base            *url.URL
	completionsPath string
	standardPath    string
	requestTimeout  time.Duration
	pageLimit       int

	http   *transport.Transport
	bucket *ratelimit.Bucket
	walker Walker
	logger *slog.Logger
}

// NewClient returns a client sending through tr and admitting every page
// request through bucket.
func NewClient(opts Options, tr *transport.Transport, bucket *ratelimit.Bucket) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("adminapi: base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("adminapi: base url %q is not absolute", opts.BaseURL)
	}
	if tr == nil || bucket == nil {
		return nil, errors.New("adminapi: transport and bucket are required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.CompletionsPath == "" {
		opts.CompletionsPath = "/v1/organization/usage/completions"
	}
	if opts.StandardPath == "" {
		opts.StandardPath = "/v1/usage"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:            base,
		completionsPath: opts.CompletionsPath,
		standardPath:    opts.StandardPath,
		requestTimeout:  opts.RequestTimeout,
		pageLimit:       opts.PageLimit,
		http:            tr,
		bucket:          bucket,
		walker:          Walker{MaxPages: opts.MaxPages, Logger: logger},
		logger:          logger,
	}, nil
}

// FetchUsage returns every raw record for cred within w. Admin credentials
// are read with one paginated organization query; standard credentials are
// read one day at a time.
func (c *Client) FetchUsage(ctx context.Context, cred model.Credential, w model.Window) ([]Record, error) {
	if cred.Usage.Mode == model.ModeAdmin {
		return c.fetch(ctx, cred, c.completionsURL(cred, w), model.DayStart(w.Start))
	}

	var records []Record
	for _, day := range w.Days() {
		recs, err := c.fetch(ctx, cred, c.standardURL(day), day)
		if err != nil {
			return records, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (c *Client) fetch(ctx context.Context, cred model.Credential, first *url.URL, day time.Time) ([]Record, error) {
	get := func(ctx context.Context, u *url.URL) ([]byte, error) {
		return c.get(ctx, cred, u)
	}

	bodies, err := c.walker.Walk(ctx, first, get)
	if err != nil {
		return nil, err
	}

	var records []Record
	for i, body := range bodies {
		page, err := DecodePage(body, day)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %w", ErrProvider, i+1, err)
		}
		records = append(records, page.Records...)
	}
	c.logger.Debug("fetched usage pages",
		"credential", cred.Ref,
		"endpoint", first.Path,
		"pages", len(bodies),
		"records", len(records),
	)
	return records, nil
}

func (c *Client) completionsURL(cred model.Credential, w model.Window) *url.URL {
	u := c.base.JoinPath(c.completionsPath)
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(w.Start.Unix(), 10))
	q.Set("end_time", strconv.FormatInt(w.End.Unix(), 10))
	q.Set("bucket_width", "1d")
	q.Set("limit", strconv.Itoa(c.pageLimit))
	q.Add("group_by", "model")
	q.Add("group_by", "project_id")
	q.Add("group_by", "api_key_id")
	if cred.Usage.ProjectID != "" {
		q.Set("project_ids", cred.Usage.ProjectID)
	}
	u.RawQuery = q.Encode()
	return u
}

func (c *Client) standardURL(day time.Time) *url.URL {
	u := c.base.JoinPath(c.standardPath)
	q := url.Values{}
	q.Set("date", day.UTC().Format(time.DateOnly))
	u.RawQuery = q.Encode()
	return u
}

// get admits, sends and reads one page request.
func (c *Client) get(ctx context.Context, cred model.Credential, u *url.URL) ([]byte, error) {
	if err := c.bucket.Acquire(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("adminapi: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if cred.Usage.Mode == model.ModeAdmin {
		req.Header.Set("OpenAI-Organization", cred.Usage.OrganizationID)
		req.Header.Set("OpenAI-Project", cred.Usage.ProjectID)
	}

	resp, err := c.http.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("adminapi: %w: %w", ErrProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Status: resp.StatusCode,
			URL:    u.Redacted(),
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("adminapi: %w: reading response: %w", ErrProvider, err)
	}
	return body, nil
}
