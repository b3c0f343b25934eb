package neutron

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// session is an authenticated Keystone token with the network endpoint
// taken from its catalog.
type session struct {
	token    string
	endpoint string
	project  string
}

type authRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name     string `json:"name"`
					Password string `json:"password"`
					Domain   struct {
						Name string `json:"name"`
					} `json:"domain"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				ID     string `json:"id,omitempty"`
				Name   string `json:"name,omitempty"`
				Domain *struct {
					Name string `json:"name"`
				} `json:"domain,omitempty"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

func newAuthRequest(cfg CloudConfig) authRequest {
	var req authRequest
	req.Auth.Identity.Methods = []string{"password"}
	req.Auth.Identity.Password.User.Name = cfg.Username
	req.Auth.Identity.Password.User.Password = cfg.Password
	req.Auth.Identity.Password.User.Domain.Name = cfg.UserDomainName

	p := &req.Auth.Scope.Project
	if cfg.ProjectID != "" {
		p.ID = cfg.ProjectID
	} else {
		p.Name = cfg.ProjectName
		p.Domain = &struct {
			Name string `json:"name"`
		}{Name: cfg.ProjectDomainName}
	}
	return req
}

// authenticate obtains a project-scoped token with the password method.
func (c *Client) authenticate(ctx context.Context) (*session, error) {
	if c.cfg.Token != "" && c.cfg.Endpoint != "" {
		return &session{token: c.cfg.Token, endpoint: networkEndpoint(c.cfg.Endpoint), project: c.cfg.ProjectID}, nil
	}

	body, err := json.Marshal(newAuthRequest(c.cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokensURL(c.cfg.AuthURL), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keystone request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystone response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	s := &session{
		token:   resp.Header.Get("X-Subject-Token"),
		project: gjson.GetBytes(respBody, "token.project.id").String(),
	}
	if s.token == "" {
		return nil, fmt.Errorf("keystone response carries no X-Subject-Token")
	}

	if c.cfg.Endpoint != "" {
		s.endpoint = networkEndpoint(c.cfg.Endpoint)
	} else {
		url, err := catalogEndpoint(respBody, "network", c.cfg.Interface, c.cfg.RegionName)
		if err != nil {
			return nil, err
		}
		s.endpoint = networkEndpoint(url)
	}
	c.log.Debug("authenticated", "project", s.project, "endpoint", s.endpoint)
	return s, nil
}

// catalogEndpoint finds the URL of a service in a token catalog.
func catalogEndpoint(token []byte, serviceType, iface, region string) (string, error) {
	var url string
	services := gjson.GetBytes(token, "token.catalog")
	services.ForEach(func(_, svc gjson.Result) bool {
		if svc.Get("type").String() != serviceType {
			return true
		}
		svc.Get("endpoints").ForEach(func(_, ep gjson.Result) bool {
			if ep.Get("interface").String() != iface {
				return true
			}
			if region != "" && ep.Get("region_id").String() != region && ep.Get("region").String() != region {
				return true
			}
			url = ep.Get("url").String()
			return false
		})
		return url == ""
	})
	if url == "" {
		return "", fmt.Errorf("no %s endpoint for interface %q in region %q", serviceType, iface, region)
	}
	return url, nil
}

func tokensURL(authURL string) string {
	u := strings.TrimRight(authURL, "/")
	if !strings.HasSuffix(u, "/v3") {
		u += "/v3"
	}
	return u + "/auth/tokens"
}

func networkEndpoint(url string) string {
	u := strings.TrimRight(url, "/")
	if !strings.HasSuffix(u, "/v2.0") {
		u += "/v2.0"
	}
	return u
}

// errorMessage extracts the message of an OpenStack error body.
func errorMessage(body []byte) string {
	for _, path := range []string{"NeutronError.message", "error.message", "message"} {
		if m := gjson.GetBytes(body, path); m.Exists() {
			return m.String()
		}
	}
	return strings.TrimSpace(string(body))
}
