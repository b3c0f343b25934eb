// Package neutron implements remote.Client against the OpenStack Networking
// (Neutron) v2.0 API, authenticating through Keystone v3.
package neutron

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/sgmanager/internal/logging"
	"grimm.is/sgmanager/internal/remote"
)

// DefaultPageSize is the number of groups requested per listing page.
const DefaultPageSize = 100

// APIError is an unsuccessful response of an OpenStack API.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Is maps 404 responses to remote.ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == remote.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client talks to Neutron on behalf of one project.
type Client struct {
	cfg        CloudConfig
	httpClient *http.Client
	log        *logging.Logger
	pageSize   int

	mu   sync.Mutex
	sess *session
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithInsecure disables TLS certificate verification.
func WithInsecure() ClientOption {
	return func(c *Client) {
		c.cfg.Insecure = true
	}
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// New returns a client for cfg. No request is made until the first call.
func New(cfg CloudConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pageSize:   DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.WithComponent("neutron")
	}
	if c.cfg.Insecure && c.httpClient.Transport == nil {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return c, nil
}

func (c *Client) currentSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess, nil
	}
	s, err := c.authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	c.sess = s
	return s, nil
}

func (c *Client) dropSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == s {
		c.sess = nil
	}
}

// do performs a Neutron request and decodes the JSON response. An expired
// token is renewed once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		s, err := c.currentSession(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, s, method, path, query, payload, result)
		var apiErr *APIError
		if attempt == 0 && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && c.cfg.Password != "" {
			c.log.Debug("token rejected, authenticating again")
			c.dropSession(s)
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, s *session, method, path string, query url.Values, payload []byte, result any) error {
	u := s.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := "req-" + uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Auth-Token", s.token)
	req.Header.Set("X-Openstack-Request-Id", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if id := resp.Header.Get("X-Openstack-Request-Id"); id != "" {
		requestID = id
	}
	c.log.Debug("neutron request", "method", method, "path", path, "status", resp.StatusCode,
		"request_id", requestID, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody), RequestID: requestID}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ListGroups returns the security groups of the authenticated project,
// following marker pagination.
func (c *Client) ListGroups(ctx context.Context) ([]remote.Group, error) {
	s, err := c.currentSession(ctx)
	if err != nil {
		return nil, err
	}

	var groups []remote.Group
	marker := ""
	for {
		query := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
		if s.project != "" {
			query.Set("project_id", s.project)
		}
		if marker != "" {
			query.Set("marker", marker)
		}

		var page struct {
			Groups []remote.Group `json:"security_groups"`
		}
		if err := c.do(ctx, http.MethodGet, "/security-groups", query, nil, &page); err != nil {
			return nil, err
		}
		groups = append(groups, page.Groups...)
		if len(page.Groups) < c.pageSize {
			return groups, nil
		}
		marker = page.Groups[len(page.Groups)-1].ID
	}
}

// CreateGroup implements remote.Client.
func (c *Client) CreateGroup(ctx context.Context, name, description string) (remote.Group, error) {
	body := map[string]any{"security_group": map[string]string{"name": name, "description": description}}
	var resp struct {
		Group remote.Group `json:"security_group"`
	}
	if err := c.do(ctx, http.MethodPost, "/security-groups", nil, body, &resp); err != nil {
		return remote.Group{}, err
	}
	return resp.Group, nil
}

// UpdateGroup implements remote.Client.
func (c *Client) UpdateGroup(ctx context.Context, id, description string) error {
	body := map[string]any{"security_group": map[string]string{"description": description}}
	return c.do(ctx, http.MethodPut, "/security-groups/"+url.PathEscape(id), nil, body, nil)
}

// DeleteGroup implements remote.Client.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/security-groups/"+url.PathEscape(id), nil, nil, nil)
}

// CreateRule implements remote.Client.
func (c *Client) CreateRule(ctx context.Context, r remote.CreateRuleRequest) (remote.Rule, error) {
	body := map[string]any{"security_group_rule": r}
	var resp struct {
		Rule remote.Rule `json:"security_group_rule"`
	}
	if err := c.do(ctx, http.MethodPost, "/security-group-rules", nil, body, &resp); err != nil {
		return remote.Rule{}, err
	}
	return resp.Rule, nil
}

// DeleteRule implements remote.Client.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/security-group-rules/"+url.PathEscape(id), nil, nil, nil)
}

var _ remote.Client = (*Client)(nil)
