// Package peripheral removes records that hang off a page but live outside
// the tree, such as attachments and task links. Cleanup is best-effort:
// callers log failures and carry on.
package peripheral

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Cleaner deletes everything associated with a page outside the tree.
type Cleaner interface {
	CleanupPage(ctx context.Context, ownerID, pageID string) error
}

// Noop is a Cleaner for deployments without peripheral services.
type Noop struct{}

func (Noop) CleanupPage(context.Context, string, string) error { return nil }

// Func adapts a function to Cleaner.
type Func func(ctx context.Context, ownerID, pageID string) error

func (f Func) CleanupPage(ctx context.Context, ownerID, pageID string) error {
	return f(ctx, ownerID, pageID)
}

// HTTPCleaner asks a remote service to drop a page's peripherals with
//
//	DELETE {endpoint}/owners/{owner}/pages/{page}
//
// Any 2xx or 404 response counts as success.
type HTTPCleaner struct {
	endpoint   string
	httpClient *http.Client
	authToken  string
}

// NewHTTPCleaner creates a cleaner for endpoint with a 10 second timeout.
func NewHTTPCleaner(endpoint string) *HTTPCleaner {
	return &HTTPCleaner{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetAuthToken sets the bearer token sent with every request
func (c *HTTPCleaner) SetAuthToken(token string) {
	c.authToken = token
}

func (c *HTTPCleaner) CleanupPage(ctx context.Context, ownerID, pageID string) error {
	u := fmt.Sprintf("%s/owners/%s/pages/%s", c.endpoint, url.PathEscape(ownerID), url.PathEscape(pageID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peripheral cleanup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("peripheral cleanup: status=%d, body=%s", resp.StatusCode, string(body))
}
