package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/theirongolddev/usagesync/internal/clock"
	"github.com/theirongolddev/usagesync/internal/model"
	"github.com/theirongolddev/usagesync/internal/ratelimit"
	"github.com/theirongolddev/usagesync/internal/transport"

	"github.com/stretchr/testify/require"
)

const completionsPath = "/v1/organization/usage/completions"

var window = model.Window{
	Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
}

var adminCred = model.Credential{
	Ref:    "cred-1",
	Secret: "sk-admin-test",
	Usage: model.UsageModeConfiguration{
		Mode:           model.ModeAdmin,
		OrganizationID: "org_1",
		ProjectID:      "proj_1",
	},
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	clk := clock.NewFake(window.Start)
	tr := transport.New(srv.Client(), transport.Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Jitter:      func(time.Duration) time.Duration { return 0 },
	}, transport.WithClock(clk))
	c, err := NewClient(Options{BaseURL: srv.URL}, tr, ratelimit.New(ratelimit.Config{}, clk))
	require.NoError(t, err)
	return c
}

func TestFetchUsageFollowsTwoPages(t *testing.T) {
	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, completionsPath, r.URL.Path)
		require.Equal(t, "Bearer sk-admin-test", r.Header.Get("Authorization"))
		require.Equal(t, "org_1", r.Header.Get("OpenAI-Organization"))
		require.Equal(t, "proj_1", r.Header.Get("OpenAI-Project"))

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "" {
			q := r.URL.Query()
			require.Equal(t, "1d", q.Get("bucket_width"))
			require.Equal(t, []string{"model", "project_id", "api_key_id"}, q["group_by"])
			require.Equal(t, "proj_1", q.Get("project_ids"))
			fmt.Fprintf(w, `{"data":[{"start_time":1740787200,"end_time":1740873600,"results":[
				{"model":"gpt-4o","input_tokens":100,"output_tokens":50}]}],
				"has_more":true,"next_page":%q}`, srv.URL+completionsPath+"?page=2")
			return
		}
		fmt.Fprint(w, `{"data":[{"start_time":1740787200,"end_time":1740873600,"results":[
			{"model":"gpt-4o-mini","input_tokens":100,"output_tokens":50}]}],
			"has_more":false,"next_page":null}`)
	}))
	defer srv.Close()

	recs, err := newTestClient(t, srv).FetchUsage(context.Background(), adminCred, window)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int32(2), calls.Load())

	for _, r := range recs {
		cr := r.(*CompletionRecord)
		require.Equal(t, int64(100), cr.InputTokens.Count())
		require.Equal(t, int64(50), cr.OutputTokens.Count())
	}
}

func TestFetchUsageHaltsOnForeignContinuation(t *testing.T) {
	for name, next := range map[string]string{
		"attacker host": "https://attacker.invalid" + completionsPath + "?page=2",
		"wrong path":    "/v1/auth/me",
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				fmt.Fprintf(w, `{"data":[{"model":"gpt-4o","input_tokens":1,"output_tokens":1}],
					"has_more":true,"next_page":%q}`, next)
			}))
			defer srv.Close()

			recs, err := newTestClient(t, srv).FetchUsage(context.Background(), adminCred, window)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			require.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestFetchUsageStandardModeQueriesEachDay(t *testing.T) {
	var (
		mu    sync.Mutex
		dates []string
	)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/usage", r.URL.Path)
		require.Empty(t, r.Header.Get("OpenAI-Organization"))
		mu.Lock()
		dates = append(dates, r.URL.Query().Get("date"))
		mu.Unlock()
		fmt.Fprint(w, `{"data":[{"aggregation_timestamp":1740787200,"snapshot_id":"gpt-4o","n_context_tokens_total":5,"n_generated_tokens_total":2}]}`)
	}))
	defer srv.Close()

	cred := model.Credential{Ref: "std", Secret: "sk-std"}
	w := model.Window{Start: window.Start, End: window.Start.AddDate(0, 0, 2)}

	recs, err := newTestClient(t, srv).FetchUsage(context.Background(), cred, w)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"2025-03-01", "2025-03-02"}, dates)
	require.Len(t, recs, 2)
	require.Equal(t, w.Start.AddDate(0, 0, 1), recs[1].(*CompletionRecord).Day)
}

func TestFetchUsageUnauthorized(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"insufficient scope"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchUsage(context.Background(), adminCred, window)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, http.StatusForbidden, HTTPStatus(err))
}

func TestFetchUsageRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":[],"has_more":false}`)
	}))
	defer srv.Close()

	recs, err := newTestClient(t, srv).FetchUsage(context.Background(), adminCred, window)
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Equal(t, int32(2), calls.Load())
}

func TestFetchUsageExhaustedIsProviderError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchUsage(context.Background(), adminCred, window)
	require.ErrorIs(t, err, ErrProvider)
	require.ErrorIs(t, err, transport.ErrRetriesExhausted)
	require.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}

func TestNewClientRejectsRelativeBase(t *testing.T) {
	tr := transport.New(nil, transport.Policy{})
	_, err := NewClient(Options{BaseURL: "/v1"}, tr, ratelimit.New(ratelimit.Config{}, nil))
	require.Error(t, err)
}
