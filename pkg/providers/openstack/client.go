package openstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrServerNotFound is returned when Nova does not know a server.
var ErrServerNotFound = errors.New("server not found")

// client is a minimal Keystone v3 and Nova client. The token and the compute
// endpoint from the service catalog are cached until shortly before expiry.
type client struct {
	cfg  Config
	http *http.Client

	mu         sync.Mutex
	token      string
	expiresAt  time.Time
	computeURL string
}

func newClient(cfg Config, hc *http.Client) *client {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &client{cfg: cfg, http: hc}
}

type authRequest struct {
	Auth struct {
		Identity identity `json:"identity"`
		Scope    *scope   `json:"scope,omitempty"`
	} `json:"auth"`
}

type identity struct {
	Methods               []string               `json:"methods"`
	Password              *passwordMethod        `json:"password,omitempty"`
	ApplicationCredential *applicationCredential `json:"application_credential,omitempty"`
}

type passwordMethod struct {
	User struct {
		Name     string `json:"name"`
		Password string `json:"password"`
		Domain   struct {
			Name string `json:"name"`
		} `json:"domain"`
	} `json:"user"`
}

type applicationCredential struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

type scope struct {
	Project struct {
		ID string `json:"id"`
	} `json:"project"`
}

type authResponse struct {
	Token struct {
		ExpiresAt time.Time `json:"expires_at"`
		Catalog   []struct {
			Type      string `json:"type"`
			Endpoints []struct {
				Interface string `json:"interface"`
				Region    string `json:"region"`
				URL       string `json:"url"`
			} `json:"endpoints"`
		} `json:"catalog"`
	} `json:"token"`
}

func (c *client) authenticate(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.expiresAt) > time.Minute {
		return c.token, c.computeURL, nil
	}

	var req authRequest
	if c.cfg.ApplicationCredentialID != "" {
		req.Auth.Identity.Methods = []string{"application_credential"}
		req.Auth.Identity.ApplicationCredential = &applicationCredential{
			ID:     c.cfg.ApplicationCredentialID,
			Secret: c.cfg.ApplicationCredentialSecret,
		}
	} else {
		pw := &passwordMethod{}
		pw.User.Name = c.cfg.Username
		pw.User.Password = c.cfg.Password
		pw.User.Domain.Name = c.cfg.DomainName
		req.Auth.Identity.Methods = []string{"password"}
		req.Auth.Identity.Password = pw
		req.Auth.Scope = &scope{}
		req.Auth.Scope.Project.ID = c.cfg.ProjectID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", "", err
	}

	url := strings.TrimSuffix(c.cfg.AuthURL, "/") + "/auth/tokens"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("failed to reach identity service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", "", statusError("authentication", resp)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", "", fmt.Errorf("failed to decode token: %w", err)
	}
	computeURL := c.cfg.ComputeURL
	if computeURL == "" {
		computeURL = auth.computeEndpoint(c.cfg.Region)
	}
	if computeURL == "" {
		return "", "", fmt.Errorf("no public compute endpoint for region %q", c.cfg.Region)
	}

	c.token = resp.Header.Get("X-Subject-Token")
	c.expiresAt = auth.Token.ExpiresAt
	c.computeURL = strings.TrimSuffix(computeURL, "/")
	return c.token, c.computeURL, nil
}

func (a *authResponse) computeEndpoint(region string) string {
	for _, svc := range a.Token.Catalog {
		if svc.Type != "compute" {
			continue
		}
		for _, ep := range svc.Endpoints {
			if ep.Interface == "public" && (region == "" || ep.Region == region) {
				return ep.URL
			}
		}
	}
	return ""
}

// do sends a compute API request and decodes a JSON response into out.
func (c *client) do(ctx context.Context, method, path string, in, out interface{}) error {
	token, base, err := c.authenticate(ctx)
	if err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach compute service: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrServerNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return statusError(method+" "+path, resp)
	case resp.StatusCode >= 300:
		return statusError(method+" "+path, resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// serverAction posts a Nova server action such as os-start.
func (c *client) serverAction(ctx context.Context, serverID string, action interface{}) error {
	return c.do(ctx, http.MethodPost, "/servers/"+serverID+"/action", action, nil)
}

type server struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	PowerState int    `json:"OS-EXT-STS:power_state"`
}

func (c *client) getServer(ctx context.Context, serverID string) (*server, error) {
	var out struct {
		Server server `json:"server"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers/"+serverID, nil, &out); err != nil {
		return nil, err
	}
	return &out.Server, nil
}

func statusError(what string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%s: %s: %s", what, resp.Status, strings.TrimSpace(string(msg)))
}
