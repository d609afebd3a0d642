package source

import (
	"context"
	"time"
)

// Repository is one search hit. NodeID is the upstream's opaque, never reused identity.
type Repository struct {
	NodeID          string     `json:"node_id" db:"repo_node_id"`
	NameWithOwner   string     `json:"name_with_owner" db:"name_with_owner"`
	Owner           string     `json:"owner" db:"owner_login"`
	Name            string     `json:"name" db:"repo_name"`
	URL             string     `json:"url" db:"url"`
	IsFork          bool       `json:"is_fork" db:"is_fork"`
	IsArchived      bool       `json:"is_archived" db:"is_archived"`
	IsPrivate       bool       `json:"is_private" db:"is_private"`
	DefaultBranch   *string    `json:"default_branch,omitempty" db:"default_branch"`
	PrimaryLanguage *string    `json:"primary_language,omitempty" db:"primary_language"`
	Stars           int        `json:"stars" db:"stargazer_count"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	PushedAt        *time.Time `json:"pushed_at,omitempty" db:"pushed_at"`
	LastSeenAt      time.Time  `json:"last_seen_at" db:"last_seen_at"`
	RawPayload      string     `json:"-" db:"raw_payload"`
}

// SearchRequest asks for one page of a search query.
type SearchRequest struct {
	Query string
	First int
	After string
}

// RateLimit is the quota state reported alongside a response.
type RateLimit struct {
	Limit     int
	Cost      int
	Remaining int
	ResetAt   time.Time
}

// SearchPage is one page of search results.
type SearchPage struct {
	Repositories []Repository
	TotalCount   int
	HasNextPage  bool
	EndCursor    string
	// RateLimit is nil when the response carried no quota information.
	RateLimit *RateLimit
}

// Searcher runs paginated repository searches.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (*SearchPage, error)
}
