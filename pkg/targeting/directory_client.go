package targeting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
)

// HTTPDirectoryClient implements DirectoryClient against the external user
// directory's REST API, grounded on the teacher's pkg/runbook GitHubClient
// shape (bearer-token http.Client with a fixed timeout, one method per
// remote operation).
//
// ALL expansion is paginated: the directory returns at most BatchSize ids
// per page (spec.md §4.4's "streamed and batched, 1000 per batch"), and
// AllUserIDs walks every page before returning.
type HTTPDirectoryClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	batchSize  int
}

// NewHTTPDirectoryClient builds a directory client from cfg.
func NewHTTPDirectoryClient(cfg config.DirectoryConfig) *HTTPDirectoryClient {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &HTTPDirectoryClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		batchSize:  batchSize,
	}
}

type directoryPage struct {
	UserIDs    []int64 `json:"userIds"`
	NextCursor string  `json:"nextCursor"`
}

// AllUserIDs walks /users in pages of batchSize and returns the full id set.
func (c *HTTPDirectoryClient) AllUserIDs(ctx context.Context) ([]int64, error) {
	return c.paginate(ctx, "/users", nil)
}

// UsersByRole returns every user id holding role.
func (c *HTTPDirectoryClient) UsersByRole(ctx context.Context, role string) ([]int64, error) {
	return c.paginate(ctx, "/users", url.Values{"role": {role}})
}

// UsersByProduct returns every user id entitled to product.
func (c *HTTPDirectoryClient) UsersByProduct(ctx context.Context, product string) ([]int64, error) {
	return c.paginate(ctx, "/users", url.Values{"product": {product}})
}

func (c *HTTPDirectoryClient) paginate(ctx context.Context, path string, filter url.Values) ([]int64, error) {
	var ids []int64
	cursor := ""
	for {
		page, err := c.fetchPage(ctx, path, filter, cursor)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page.UserIDs...)
		if page.NextCursor == "" {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}

func (c *HTTPDirectoryClient) fetchPage(ctx context.Context, path string, filter url.Values, cursor string) (*directoryPage, error) {
	q := url.Values{}
	for k, v := range filter {
		q[k] = v
	}
	q.Set("limit", fmt.Sprintf("%d", c.batchSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	reqURL := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("targeting: build directory request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("targeting: directory request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("targeting: directory returned HTTP %d for %s", resp.StatusCode, path)
	}

	var page directoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("targeting: decode directory response: %w", err)
	}
	return &page, nil
}

func (c *HTTPDirectoryClient) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
