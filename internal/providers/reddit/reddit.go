// Package reddit is the adapter for the Reddit OAuth API. It trades
// client credentials for a bearer token cached on the adapter instance,
// fetches posts with their comment trees, and flattens each tree
// depth-first with siblings ordered by descending score.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/retry"
)

// DefaultBaseURL is the OAuth-authenticated Reddit API endpoint.
const DefaultBaseURL = "https://oauth.reddit.com"

// DefaultTokenURL is Reddit's client-credentials token endpoint.
const DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"

// DefaultUserAgent identifies this client to Reddit, which rejects
// requests without a descriptive agent string.
const DefaultUserAgent = "scout-research/1.0"

const providerName = "reddit"

// maxCommentDepth bounds the comment tree both in the request and in
// the walk of whatever the provider sends back.
const maxCommentDepth = 10

// deletedAuthor marks comments whose author removed their account.
const deletedAuthor = "[deleted]"

const maxErrorBody = 512

// Config configures the Reddit client.
type Config struct {
	// ClientID and ClientSecret are the script-app credentials used for
	// the client-credentials token exchange.
	ClientID     string
	ClientSecret string
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
	// TokenURL overrides the token endpoint, used by tests.
	TokenURL string
	// UserAgent overrides the agent string sent on every request.
	UserAgent string
	// HTTPClient overrides the transport. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
	// Logger receives request-level debug logs.
	Logger *slog.Logger
	// Metrics records request outcomes and retry attempts. May be nil.
	Metrics *observability.Metrics
	// RetryPolicy overrides the provider retry policy; tests use it to
	// shrink backoff delays.
	RetryPolicy *retry.Policy
}

// Client calls the Reddit API with a cached OAuth token.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	tokenHTTP *http.Client
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	policy    retry.Policy

	creds        *clientcredentials.Config
	tokenBackoff func() backoff.BackOff

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// New creates a Reddit client from the config, applying defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.TokenURL == "" {
		config.TokenURL = DefaultTokenURL
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	policy := retry.DefaultPolicy()
	if config.RetryPolicy != nil {
		policy = *config.RetryPolicy
	}
	return &Client{
		baseURL:   config.BaseURL,
		userAgent: config.UserAgent,
		http:      config.HTTPClient,
		tokenHTTP: &http.Client{
			Timeout:   config.HTTPClient.Timeout,
			Transport: &userAgentTransport{agent: config.UserAgent, base: config.HTTPClient.Transport},
		},
		logger:       config.Logger.With("provider", providerName),
		metrics:      config.Metrics,
		tracer:       otel.Tracer("scout/providers/reddit"),
		policy:       policy,
		creds:        newTokenConfig(config.ClientID, config.ClientSecret, config.TokenURL),
		tokenBackoff: defaultTokenBackoff,
	}
}

// Post is the metadata of one Reddit post.
type Post struct {
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Subreddit   string    `json:"subreddit"`
	SelfText    string    `json:"self_text,omitempty"`
	URL         string    `json:"url"`
	Permalink   string    `json:"permalink"`
	Score       int       `json:"score"`
	UpvoteRatio float64   `json:"upvote_ratio"`
	NumComments int       `json:"num_comments"`
	Created     time.Time `json:"created"`
}

// Comment is one flattened comment. Depth is 0 for top-level comments
// and grows by one per reply level.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Score  int    `json:"score"`
	Depth  int    `json:"depth"`
}

// PostResult is the outcome of fetching one post: its metadata plus the
// comment tree flattened parent-before-child with siblings in
// descending score order. Allocated echoes the comment budget the fetch
// was given; Attempts counts the HTTP attempts the fetch consumed.
type PostResult struct {
	Post      Post      `json:"post"`
	Comments  []Comment `json:"comments"`
	Allocated int       `json:"allocated"`
	Attempts  int       `json:"-"`
}

// ParsePostURL extracts the subreddit and post id from a Reddit post
// URL such as https://www.reddit.com/r/golang/comments/abc123/title/.
// Unparseable URLs are rejected as invalid input.
func ParsePostURL(rawURL string) (subreddit, postID string, fault *faults.Fault) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", "", faults.Newf(faults.KindInvalidInput, "not a valid URL: %q", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host != "reddit.com" && !strings.HasSuffix(host, ".reddit.com") {
		return "", "", faults.Newf(faults.KindInvalidInput, "not a reddit URL: %q", rawURL)
	}
	// Expected path shape: /r/{subreddit}/comments/{post_id}[/{slug}].
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "r" || parts[2] != "comments" || parts[1] == "" || parts[3] == "" {
		return "", "", faults.Newf(faults.KindInvalidInput, "not a reddit post URL: %q", rawURL)
	}
	return parts[1], parts[3], nil
}

// FetchPost fetches one post and up to maxComments of its comment tree,
// sorted by top score and depth-capped.
func (c *Client) FetchPost(ctx context.Context, postURL string, maxComments int) (*PostResult, *faults.Fault) {
	subreddit, postID, fault := ParsePostURL(postURL)
	if fault != nil {
		return nil, fault
	}
	if maxComments < 0 {
		maxComments = 0
	}

	ctx, span := c.tracer.Start(ctx, "reddit.fetch_post", trace.WithAttributes(
		attribute.String("reddit.subreddit", subreddit),
		attribute.String("reddit.post_id", postID),
		attribute.Int("reddit.max_comments", maxComments),
	))
	defer span.End()

	query := url.Values{
		"sort":     {"top"},
		"depth":    {strconv.Itoa(maxCommentDepth)},
		"limit":    {strconv.Itoa(maxComments)},
		"raw_json": {"1"},
	}
	data, attempts, fault := c.get(ctx, fmt.Sprintf("/r/%s/comments/%s", subreddit, postID), query)
	if fault != nil {
		observability.RecordSpanError(span, fault)
		c.logger.Warn("post fetch failed",
			"subreddit", subreddit,
			"post_id", postID,
			"kind", fault.Kind,
		)
		return nil, fault
	}

	post, comments, fault := parsePostListing(data, maxComments)
	if fault != nil {
		observability.RecordSpanError(span, fault)
		return nil, fault
	}

	c.logger.Debug("post fetched",
		"subreddit", subreddit,
		"post_id", postID,
		"comments", len(comments),
	)
	return &PostResult{Post: *post, Comments: comments, Allocated: maxComments, Attempts: attempts}, nil
}

// Search runs Reddit's native post search. Empty queries return empty
// results without an HTTP call.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Post, *faults.Fault) {
	if strings.TrimSpace(query) == "" {
		return []Post{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	ctx, span := c.tracer.Start(ctx, "reddit.search", trace.WithAttributes(
		attribute.Int("reddit.limit", limit)))
	defer span.End()

	values := url.Values{
		"q":        {query},
		"limit":    {strconv.Itoa(limit)},
		"sort":     {"relevance"},
		"type":     {"link"},
		"raw_json": {"1"},
	}
	data, _, fault := c.get(ctx, "/search", values)
	if fault != nil {
		observability.RecordSpanError(span, fault)
		return nil, fault
	}

	var root thing
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, faults.Wrap(faults.KindParse, err)
	}
	var list listing
	if err := json.Unmarshal(root.Data, &list); err != nil {
		return nil, faults.Wrap(faults.KindParse, err)
	}

	posts := make([]Post, 0, len(list.Children))
	for _, child := range list.Children {
		if child.Kind != "t3" {
			continue
		}
		var pd postData
		if err := json.Unmarshal(child.Data, &pd); err != nil {
			continue
		}
		posts = append(posts, pd.toPost())
	}
	return posts, nil
}

// get issues one authenticated GET under the retry policy, reporting
// how many HTTP attempts it took. A 401 invalidates the cached token so
// the next call re-authenticates.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, int, *faults.Fault) {
	token, fault := c.accessToken(ctx)
	if fault != nil {
		c.metrics.RecordProviderRequest(providerName, fault.Kind.String())
		return nil, 0, fault
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var data []byte
	result := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return faults.Wrap(faults.KindInternal, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		if resp.StatusCode != http.StatusOK {
			return faults.FromStatus(resp.StatusCode,
				fmt.Sprintf("reddit returned %d for %s: %s", resp.StatusCode, path, trimBody(body)))
		}
		data = body
		return nil
	})

	c.metrics.AddRetryAttempts(providerName, result.Attempts)
	if result.Fault != nil {
		c.metrics.RecordProviderRequest(providerName, result.Fault.Kind.String())
		return nil, result.Attempts, result.Fault
	}
	c.metrics.RecordProviderRequest(providerName, "success")
	return data, result.Attempts, nil
}

// thing is Reddit's generic node wrapper: a kind tag plus a
// kind-specific payload. Posts are "t3", comments "t1".
type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listing struct {
	Children []thing `json:"children"`
}

type postData struct {
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	SelfText    string  `json:"selftext"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
}

func (pd postData) toPost() Post {
	permalink := pd.Permalink
	if permalink != "" && strings.HasPrefix(permalink, "/") {
		permalink = "https://www.reddit.com" + permalink
	}
	return Post{
		Title:       pd.Title,
		Author:      pd.Author,
		Subreddit:   pd.Subreddit,
		SelfText:    pd.SelfText,
		URL:         pd.URL,
		Permalink:   permalink,
		Score:       pd.Score,
		UpvoteRatio: pd.UpvoteRatio,
		NumComments: pd.NumComments,
		Created:     time.Unix(int64(pd.CreatedUTC), 0).UTC(),
	}
}

type commentData struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Score  int    `json:"score"`
	// Replies is a nested listing, or the empty string on leaves.
	Replies json.RawMessage `json:"replies"`
}

// parsePostListing decodes the two-listing response of a comments
// endpoint: element 0 holds the post, element 1 the comment tree. An
// unparseable tree degrades to a post with no comments rather than
// failing the fetch.
func parsePostListing(data []byte, maxComments int) (*Post, []Comment, *faults.Fault) {
	var pair []thing
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, nil, faults.Wrap(faults.KindParse, err)
	}
	if len(pair) < 2 {
		return nil, nil, faults.New(faults.KindParse, "post listing: expected a [post, comments] pair")
	}

	var postListing listing
	if err := json.Unmarshal(pair[0].Data, &postListing); err != nil {
		return nil, nil, faults.Wrap(faults.KindParse, err)
	}
	if len(postListing.Children) == 0 {
		return nil, nil, faults.New(faults.KindNotFound, "post listing is empty")
	}
	var pd postData
	if err := json.Unmarshal(postListing.Children[0].Data, &pd); err != nil {
		return nil, nil, faults.Wrap(faults.KindParse, err)
	}
	post := pd.toPost()

	var commentListing listing
	if err := json.Unmarshal(pair[1].Data, &commentListing); err != nil {
		return &post, []Comment{}, nil
	}
	return &post, flattenComments(commentListing.Children, maxComments), nil
}

// flattenComments walks the tree depth-first, parents before children.
// Siblings at each level are ordered by descending score before the
// walk, the walk stops once max comments are collected, and nodes whose
// author deleted their account are skipped (their replies are kept).
func flattenComments(children []thing, max int) []Comment {
	out := make([]Comment, 0, min(max, len(children)))
	appendComments(&out, children, 0, max)
	return out
}

func appendComments(out *[]Comment, children []thing, depth, max int) {
	if depth > maxCommentDepth || len(*out) >= max {
		return
	}

	nodes := make([]commentData, 0, len(children))
	for _, child := range children {
		// Non-comment nodes ("more" stubs) are dropped.
		if child.Kind != "t1" {
			continue
		}
		var cd commentData
		if err := json.Unmarshal(child.Data, &cd); err != nil {
			continue
		}
		nodes = append(nodes, cd)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Score > nodes[j].Score })

	for _, node := range nodes {
		if len(*out) >= max {
			return
		}
		if node.Author != "" && node.Author != deletedAuthor {
			*out = append(*out, Comment{
				Author: node.Author,
				Body:   node.Body,
				Score:  node.Score,
				Depth:  depth,
			})
		}
		if len(node.Replies) == 0 {
			continue
		}
		var replies thing
		if err := json.Unmarshal(node.Replies, &replies); err != nil || len(replies.Data) == 0 {
			continue
		}
		var sub listing
		if err := json.Unmarshal(replies.Data, &sub); err != nil {
			continue
		}
		appendComments(out, sub.Children, depth+1, max)
	}
}

func trimBody(data []byte) string {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return strings.TrimSpace(string(data))
}
