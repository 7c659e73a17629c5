package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/juusnet/juus"
)

// APIError is a failed registry request other than not found.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("registry: status %d", e.Status)
	}
	return fmt.Sprintf("registry: status %d: %s: %s", e.Status, e.Message, e.Details)
}

// Client talks to a registry Server.
type Client struct {
	base  *url.URL
	http  *http.Client
	cache *expirable.LRU[string, juus.PublicKey]
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default client, which has a 10 second timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithCache caches resolved names, up to size entries each for ttl. A size of
// zero disables the cache.
func WithCache(size int, ttl time.Duration) ClientOption {
	return func(c *Client) {
		if size <= 0 {
			c.cache = nil
			return
		}
		c.cache = expirable.NewLRU[string, juus.PublicKey](size, nil, ttl)
	}
}

// NewClient returns a client for the registry at baseURL, e.g.
// "http://127.0.0.1:8081". Resolve caches 256 names for a minute unless
// WithCache says otherwise.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("registry url: %w", err)
	}
	c := &Client{
		base:  u,
		http:  &http.Client{Timeout: 10 * time.Second},
		cache: expirable.NewLRU[string, juus.PublicKey](256, nil, time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get fetches the key published for name, bypassing the cache. Names never
// published give ErrNotFound.
func (c *Client) Get(ctx context.Context, name string) (juus.PublicKey, error) {
	var key juus.PublicKey
	if name == "" {
		return key, ErrInvalidName
	}
	resp, err := c.do(ctx, http.MethodGet, "/get", MemberStub{Name: name})
	if err != nil {
		return key, err
	}
	defer resp.Body.Close()

	var buf []byte
	if err := json.NewDecoder(resp.Body).Decode(&buf); err != nil {
		return key, fmt.Errorf("registry: decoding key for %q: %w", name, err)
	}
	if len(buf) != juus.KeySize {
		return key, fmt.Errorf("registry: key for %q is %d bytes", name, len(buf))
	}
	copy(key[:], buf)
	if c.cache != nil {
		c.cache.Add(name, key)
	}
	return key, nil
}

// Resolve is Get answered from the cache when possible.
func (c *Client) Resolve(ctx context.Context, name string) (juus.PublicKey, error) {
	if c.cache != nil {
		if key, ok := c.cache.Get(name); ok {
			return key, nil
		}
	}
	return c.Get(ctx, name)
}

// Set publishes key under name.
func (c *Client) Set(ctx context.Context, name string, key juus.PublicKey) error {
	if name == "" {
		return ErrInvalidName
	}
	resp, err := c.do(ctx, http.MethodPost, "/set", Member{Name: name, PubKey: key})
	if err != nil {
		return err
	}
	resp.Body.Close()
	if c.cache != nil {
		c.cache.Add(name, key)
	}
	return nil
}

// do sends body as JSON and turns non-2xx responses into errors.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry %s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()

	var er ErrorResponse
	json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&er)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, er.Details)
	}
	return nil, &APIError{Status: resp.StatusCode, Message: er.Error, Details: er.Details}
}
