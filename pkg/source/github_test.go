package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageBody = `{
  "data": {
    "rateLimit": {"limit": 5000, "cost": 1, "remaining": 4321, "resetAt": "2026-10-17T12:00:00Z"},
    "search": {
      "repositoryCount": 2,
      "pageInfo": {"hasNextPage": true, "endCursor": "Y3Vyc29yOjI="},
      "nodes": [
        {
          "id": "R_1", "nameWithOwner": "acme/rocket", "name": "rocket", "url": "https://github.com/acme/rocket",
          "isFork": false, "isArchived": false, "isPrivate": false, "stargazerCount": 1200,
          "createdAt": "2015-01-02T03:04:05Z", "updatedAt": "2026-10-01T00:00:00Z", "pushedAt": "2026-09-30T00:00:00Z",
          "owner": {"login": "acme"}, "primaryLanguage": {"name": "Go"}, "defaultBranchRef": {"name": "main"}
        },
        {
          "id": "R_2", "nameWithOwner": "acme/empty", "name": "empty", "url": "https://github.com/acme/empty",
          "isFork": true, "isArchived": true, "isPrivate": false, "stargazerCount": 3,
          "createdAt": "2020-01-02T03:04:05Z", "updatedAt": "2020-01-02T03:04:05Z", "pushedAt": null,
          "owner": {"login": "acme"}, "primaryLanguage": null, "defaultBranchRef": null
        },
        {}
      ]
    }
  }
}`

func newTestGitHub(t *testing.T, h http.HandlerFunc) (*GitHub, *prometheus.Registry) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	reg := prometheus.NewRegistry()
	gh := NewGitHub(GitHubOptions{
		Token:           "test-token",
		Endpoint:        srv.URL,
		Timeout:         5 * time.Second,
		BreakerFailures: 3,
		BreakerCooldown: time.Hour,
		Registerer:      reg,
	})
	return gh, reg
}

func TestMetricsRegistered(t *testing.T) {
	gh, reg := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pageBody))
	})
	_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 1})
	require.NoError(t, err)
	n, err := testutil.GatherAndCount(reg, "starcrawler_github_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearchDecodesPage(t *testing.T) {
	var got struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(pageBody))
	})

	page, err := gh.Search(context.Background(), SearchRequest{Query: "stars:0..10", First: 100, After: "abc"})
	require.NoError(t, err)

	assert.Equal(t, "stars:0..10", got.Variables["q"])
	assert.Equal(t, float64(100), got.Variables["first"])
	assert.Equal(t, "abc", got.Variables["after"])
	assert.Contains(t, got.Query, "repositoryCount")

	assert.Equal(t, 2, page.TotalCount)
	assert.True(t, page.HasNextPage)
	assert.Equal(t, "Y3Vyc29yOjI=", page.EndCursor)
	require.NotNil(t, page.RateLimit)
	assert.Equal(t, 4321, page.RateLimit.Remaining)
	assert.Equal(t, time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), page.RateLimit.ResetAt)

	require.Len(t, page.Repositories, 2, "empty nodes are skipped")
	rocket := page.Repositories[0]
	assert.Equal(t, "R_1", rocket.NodeID)
	assert.Equal(t, "acme", rocket.Owner)
	assert.Equal(t, 1200, rocket.Stars)
	require.NotNil(t, rocket.PrimaryLanguage)
	assert.Equal(t, "Go", *rocket.PrimaryLanguage)
	require.NotNil(t, rocket.DefaultBranch)
	assert.Equal(t, "main", *rocket.DefaultBranch)
	require.NotNil(t, rocket.PushedAt)
	assert.Contains(t, rocket.RawPayload, `"nameWithOwner": "acme/rocket"`)

	empty := page.Repositories[1]
	assert.True(t, empty.IsFork)
	assert.True(t, empty.IsArchived)
	assert.Nil(t, empty.PrimaryLanguage)
	assert.Nil(t, empty.DefaultBranch)
	assert.Nil(t, empty.PushedAt)

	assert.Equal(t, float64(1), testutil.ToFloat64(gh.metrics.requests.WithLabelValues("ok")))
}

func TestSearchOmitsAfterOnFirstPage(t *testing.T) {
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, ok := body.Variables["after"]
		assert.False(t, ok)
		w.Write([]byte(pageBody))
	})
	_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 1})
	require.NoError(t, err)
}

func TestSearchClassifiesErrors(t *testing.T) {
	reset := time.Now().Add(90 * time.Second).Unix()

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		transient bool
		retryHint bool
		unauth    bool
	}{
		{
			name: "bad gateway",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			transient: true,
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"message":"Bad credentials"}`))
			},
			unauth: true,
		},
		{
			name: "forbidden without rate limit signal",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"message":"Resource not accessible by integration"}`))
			},
		},
		{
			name: "forbidden with exhausted quota",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
				w.WriteHeader(http.StatusForbidden)
			},
			transient: true,
			retryHint: true,
		},
		{
			name: "secondary rate limit",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`))
			},
			transient: true,
			retryHint: true,
		},
		{
			name: "graphql rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded"}]}`))
			},
			transient: true,
		},
		{
			name: "truncated body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"data":{"search":{"repositoryCount":`))
			},
			transient: true,
		},
		{
			name: "graphql syntax error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"errors":[{"message":"Parse error on \"}\""}]}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gh, _ := newTestGitHub(t, tt.handler)
			_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 10})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			_, hinted := RetryAfterHint(err)
			assert.Equal(t, tt.retryHint, hinted)
			assert.Equal(t, tt.unauth, errors.Is(err, ErrUnauthorized))
		})
	}
}

func TestSearchRateLimitedErrorUsesInBandReset(t *testing.T) {
	resetAt := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.Write([]byte(`{"data":{"rateLimit":{"limit":5000,"cost":1,"remaining":0,"resetAt":"` +
			resetAt.Format(time.RFC3339) + `"}},"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded"}]}`))
	})
	_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 10})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	hint, ok := RetryAfterHint(err)
	require.True(t, ok)
	assert.Greater(t, hint, 9*time.Minute)
	assert.LessOrEqual(t, hint, 10*time.Minute)

	rl, ok := RateLimitOf(err)
	require.True(t, ok)
	assert.Equal(t, 0, rl.Remaining)
	assert.Equal(t, 5000, rl.Limit)
	assert.Equal(t, resetAt, rl.ResetAt)
}

func TestSearchTransientErrorKeepsHeaderHint(t *testing.T) {
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.Write([]byte(`{"data":{"rateLimit":{"limit":5000,"cost":1,"remaining":4000,"resetAt":"2099-01-01T00:00:00Z"}},` +
			`"errors":[{"type":"SERVICE_UNAVAILABLE","message":"something went wrong"}]}`))
	})
	_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 10})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	hint, ok := RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, hint)
	rl, ok := RateLimitOf(err)
	require.True(t, ok)
	assert.Equal(t, 4000, rl.Remaining)
}

func TestSearchBreakerOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 3; i++ {
		_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 1})
		require.Error(t, err)
	}
	_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 1})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(gh.metrics.requests.WithLabelValues("breaker_open")))
}

func TestSearchBreakerIgnoresPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"errors":[{"message":"Field 'bogus' doesn't exist"}]}`))
	})
	for i := 0; i < 5; i++ {
		_, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 1})
		require.Error(t, err)
		assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestRateLimitFallsBackToHeaders(t *testing.T) {
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "17")
		w.Header().Set("X-RateLimit-Reset", "1790000000")
		w.Write([]byte(`{"data":{"search":{"repositoryCount":0,"pageInfo":{"hasNextPage":false,"endCursor":null},"nodes":[]}}}`))
	})
	page, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 1})
	require.NoError(t, err)
	require.NotNil(t, page.RateLimit)
	assert.Equal(t, 17, page.RateLimit.Remaining)
	assert.Equal(t, 5000, page.RateLimit.Limit)
	assert.Equal(t, time.Unix(1790000000, 0).UTC(), page.RateLimit.ResetAt)
	assert.Empty(t, page.Repositories)
	assert.False(t, page.HasNextPage)
}

func TestRateLimitAbsent(t *testing.T) {
	gh, _ := newTestGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"search":{"repositoryCount":0,"pageInfo":{"hasNextPage":false},"nodes":[]}}}`))
	})
	page, err := gh.Search(context.Background(), SearchRequest{Query: "q", First: 1})
	require.NoError(t, err)
	assert.Nil(t, page.RateLimit)
}
