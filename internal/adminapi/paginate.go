package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// DefaultMaxPages bounds a single walk.
const DefaultMaxPages = 20

// PageGetter fetches one page body.
type PageGetter func(ctx context.Context, u *url.URL) ([]byte, error)

// Walker follows next_page continuations, refusing any continuation that
// leaves the origin endpoint.
type Walker struct {
	MaxPages int
	Logger   *slog.Logger
}

type cursor struct {
	HasMore  bool    `json:"has_more"`
	NextPage *string `json:"next_page"`
}

// Walk returns page bodies in order, starting at first. An untrusted
// continuation stops the walk without error, keeping the pages already
// fetched.
func (w Walker) Walk(ctx context.Context, first *url.URL, get PageGetter) ([][]byte, error) {
	maxPages := w.MaxPages
	if maxPages < 1 {
		maxPages = DefaultMaxPages
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var pages [][]byte
	current := first
	for {
		body, err := get(ctx, current)
		if err != nil {
			return pages, err
		}
		pages = append(pages, body)

		var c cursor
		if err := json.Unmarshal(body, &c); err != nil {
			return pages, fmt.Errorf("adminapi: %w: page %d is not JSON: %w", ErrProvider, len(pages), err)
		}
		if !c.HasMore || c.NextPage == nil || strings.TrimSpace(*c.NextPage) == "" {
			return pages, nil
		}

		if len(pages) >= maxPages {
			logger.Warn("pagination stopped at page cap",
				"endpoint", first.Path,
				"max_pages", maxPages,
			)
			return pages, nil
		}

		next, err := resolveNext(current, strings.TrimSpace(*c.NextPage))
		if err != nil {
			logger.Warn("pagination stopped: unparseable continuation",
				"endpoint", first.Path,
				"err", err,
			)
			return pages, nil
		}
		if reason := untrusted(first, next); reason != "" {
			logger.Warn("pagination stopped: untrusted continuation",
				"endpoint", first.Path,
				"host", next.Host,
				"path", next.Path,
				"reason", reason,
			)
			return pages, nil
		}
		current = next
	}
}

// resolveNext turns a next_page value into an absolute URL. URL references
// resolve against the current page; bare cursor tokens become the page
// query parameter of the current URL.
func resolveNext(current *url.URL, next string) (*url.URL, error) {
	if strings.ContainsAny(next, "/?") || strings.Contains(next, "://") {
		ref, err := url.Parse(next)
		if err != nil {
			return nil, err
		}
		return current.ResolveReference(ref), nil
	}

	u := *current
	q := u.Query()
	q.Set("page", next)
	u.RawQuery = q.Encode()
	return &u, nil
}

// untrusted returns why next may not be followed, or "" if it may.
func untrusted(origin, next *url.URL) string {
	if next.Scheme != "https" {
		return "scheme " + next.Scheme
	}
	if next.Host != origin.Host {
		return "host mismatch"
	}
	if next.User != nil {
		return "userinfo present"
	}
	prefix := strings.TrimSuffix(origin.Path, "/")
	if next.Path != prefix && !strings.HasPrefix(next.Path, prefix+"/") {
		return "path outside " + prefix
	}
	return ""
}
