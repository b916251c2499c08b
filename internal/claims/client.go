// Package claims looks up the insurance claim a call is attached to.
// Claims are read-only from the call's point of view.
package claims

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Context is the claim metadata carried by a call session and attached to
// everything it uploads.
type Context struct {
	ClaimID      string `json:"id"`
	ClaimNumber  string `json:"claimNumber"`
	PolicyNumber string `json:"policyNumber,omitempty"`
	Insured      string `json:"insured,omitempty"`
}

// Metadata returns the upload metadata keys for the claim.
func (c Context) Metadata() map[string]string {
	m := make(map[string]string, 2)
	if c.ClaimID != "" {
		m["claimId"] = c.ClaimID
	}
	if c.ClaimNumber != "" {
		m["claimNumber"] = c.ClaimNumber
	}
	return m
}

var ErrNotFound = errors.New("claim not found")

// Client fetches claim context from the claims service.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// Get returns the claim with id.
func (c *Client) Get(ctx context.Context, id string) (Context, error) {
	var out Context
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/claims/{id}")
	if err != nil {
		return Context{}, fmt.Errorf("failed to fetch claim %s: %w", id, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return Context{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.IsError():
		return Context{}, fmt.Errorf("claims service returned %d for %s", resp.StatusCode(), id)
	}

	if out.ClaimID == "" {
		out.ClaimID = id
	}
	return out, nil
}
