package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Directory answers whether a participant id exists on the platform. Call
// creation validates both endpoints against it.
type Directory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// AllowAll returns a Directory that accepts every non-empty id. Used when no
// directory service is configured.
func AllowAll() Directory { return allowAll{} }

type allowAll struct{}

func (allowAll) Exists(_ context.Context, userID string) (bool, error) {
	return userID != "", nil
}

// HTTPDirectory resolves participant ids against the platform's user
// service: 200 means the id exists, 404 means it does not.
type HTTPDirectory struct {
	base   string
	client *http.Client
}

// NewHTTPDirectory builds a directory client for the given base URL.
func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (d *HTTPDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return false, fmt.Errorf("building directory request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying directory: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("directory returned status %d for user %s", resp.StatusCode, userID)
	}
}
