package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultEndpoint is the public GraphQL API.
	DefaultEndpoint = "https://api.github.com/graphql"

	tracerName = "github.com/elonfeng/starcrawler/pkg/source"
)

const searchQuery = `query($q: String!, $first: Int!, $after: String) {
  rateLimit { limit cost remaining resetAt }
  search(query: $q, type: REPOSITORY, first: $first, after: $after) {
    repositoryCount
    pageInfo { hasNextPage endCursor }
    nodes {
      ... on Repository {
        id
        nameWithOwner
        name
        url
        isFork
        isArchived
        isPrivate
        stargazerCount
        createdAt
        updatedAt
        pushedAt
        owner { login }
        primaryLanguage { name }
        defaultBranchRef { name }
      }
    }
  }
}`

// GitHubOptions configures the GraphQL search client.
type GitHubOptions struct {
	Token     string
	Endpoint  string
	Timeout   time.Duration
	UserAgent string

	// BreakerFailures consecutive transient failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Registerer prometheus.Registerer
	HTTPClient *http.Client
}

// GitHub searches repositories through the GraphQL API.
type GitHub struct {
	client    *http.Client
	endpoint  string
	token     string
	userAgent string
	breaker   *gobreaker.CircuitBreaker
	metrics   *clientMetrics
	now       func() time.Time
}

// NewGitHub creates a GraphQL search client.
func NewGitHub(opts GitHubOptions) *GitHub {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 40 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "starcrawler/1.0"
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github-graphql",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Permanent errors say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})

	return &GitHub{
		client:    client,
		endpoint:  opts.Endpoint,
		token:     opts.Token,
		userAgent: opts.UserAgent,
		breaker:   breaker,
		metrics:   newClientMetrics(opts.Registerer),
		now:       time.Now,
	}
}

// Search fetches one page of repositories matching req.Query.
func (g *GitHub) Search(ctx context.Context, req SearchRequest) (*SearchPage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "github.search", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("github.query", req.Query),
		attribute.Int("github.first", req.First),
		attribute.Bool("github.resumed", req.After != ""),
	)

	start := g.now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.do(ctx, req)
	})
	g.metrics.observe(err, g.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	page := out.(*SearchPage)
	span.SetAttributes(
		attribute.Int("github.total_count", page.TotalCount),
		attribute.Int("github.nodes", len(page.Repositories)),
	)
	span.SetStatus(codes.Ok, "")
	return page, nil
}

func (g *GitHub) do(ctx context.Context, req SearchRequest) (*SearchPage, error) {
	vars := map[string]any{"q": req.Query, "first": req.First}
	if req.After != "" {
		vars["after"] = req.After
	}
	body, err := json.Marshal(map[string]any{"query": searchQuery, "variables": vars})
	if err != nil {
		return nil, fmt.Errorf("marshal github query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create github request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("User-Agent", g.userAgent)
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search github: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read github response: %w", err)
	}

	now := g.now()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, data, now)
	}

	var env gqlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// A truncated or garbled body from a proxy is worth another attempt.
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Type:       "INVALID_JSON",
			Message:    err.Error(),
			Transient:  true,
		}
	}
	if len(env.Errors) > 0 {
		var rl *gqlRateLimit
		if env.Data != nil {
			rl = env.Data.RateLimit
		}
		return nil, graphQLError(env.Errors, rl, resp.Header, now)
	}
	if env.Data == nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "empty data", Transient: true}
	}

	page := &SearchPage{
		TotalCount:  env.Data.Search.RepositoryCount,
		HasNextPage: env.Data.Search.PageInfo.HasNextPage,
		EndCursor:   env.Data.Search.PageInfo.EndCursor,
		RateLimit:   rateLimitFrom(env.Data.RateLimit, resp.Header),
	}
	for _, raw := range env.Data.Search.Nodes {
		repo, ok, err := decodeNode(raw, now)
		if err != nil {
			return nil, err
		}
		if ok {
			page.Repositories = append(page.Repositories, repo)
		}
	}
	return page, nil
}

func decodeNode(raw json.RawMessage, seenAt time.Time) (Repository, bool, error) {
	var n gqlRepo
	if err := json.Unmarshal(raw, &n); err != nil {
		return Repository{}, false, fmt.Errorf("decode repository node: %w", err)
	}
	if n.ID == "" {
		return Repository{}, false, nil
	}
	repo := Repository{
		NodeID:        n.ID,
		NameWithOwner: n.NameWithOwner,
		Owner:         n.Owner.Login,
		Name:          n.Name,
		URL:           n.URL,
		IsFork:        n.IsFork,
		IsArchived:    n.IsArchived,
		IsPrivate:     n.IsPrivate,
		Stars:         n.StargazerCount,
		CreatedAt:     n.CreatedAt.UTC(),
		UpdatedAt:     n.UpdatedAt.UTC(),
		LastSeenAt:    seenAt.UTC(),
		RawPayload:    string(raw),
	}
	if n.PushedAt != nil {
		t := n.PushedAt.UTC()
		repo.PushedAt = &t
	}
	if n.PrimaryLanguage != nil && n.PrimaryLanguage.Name != "" {
		repo.PrimaryLanguage = &n.PrimaryLanguage.Name
	}
	if n.DefaultBranchRef != nil && n.DefaultBranchRef.Name != "" {
		repo.DefaultBranch = &n.DefaultBranchRef.Name
	}
	return repo, true, nil
}

// rateLimitFrom prefers the in-band GraphQL quota and falls back to headers.
func rateLimitFrom(rl *gqlRateLimit, h http.Header) *RateLimit {
	if rl != nil {
		return &RateLimit{Limit: rl.Limit, Cost: rl.Cost, Remaining: rl.Remaining, ResetAt: rl.ResetAt.UTC()}
	}
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return nil
	}
	reset, ok := parseEpoch(h.Get("X-RateLimit-Reset"))
	if !ok {
		return nil
	}
	limit, _ := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	return &RateLimit{Limit: limit, Remaining: remaining, ResetAt: reset}
}

func parseEpoch(v string) (time.Time, bool) {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

type gqlEnvelope struct {
	Data   *gqlData   `json:"data"`
	Errors []gqlError `json:"errors"`
}

type gqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type gqlData struct {
	RateLimit *gqlRateLimit `json:"rateLimit"`
	Search    struct {
		RepositoryCount int `json:"repositoryCount"`
		PageInfo        struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
		Nodes []json.RawMessage `json:"nodes"`
	} `json:"search"`
}

type gqlRateLimit struct {
	Limit     int       `json:"limit"`
	Cost      int       `json:"cost"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type gqlRepo struct {
	ID              string     `json:"id"`
	NameWithOwner   string     `json:"nameWithOwner"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	IsFork          bool       `json:"isFork"`
	IsArchived      bool       `json:"isArchived"`
	IsPrivate       bool       `json:"isPrivate"`
	StargazerCount  int        `json:"stargazerCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	PushedAt        *time.Time `json:"pushedAt"`
	Owner           struct {
		Login string `json:"login"`
	} `json:"owner"`
	PrimaryLanguage *struct {
		Name string `json:"name"`
	} `json:"primaryLanguage"`
	DefaultBranchRef *struct {
		Name string `json:"name"`
	} `json:"defaultBranchRef"`
}
