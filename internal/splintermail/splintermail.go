// Package splintermail is an HTTP client for the splintermail DNS-01
// provisioning API (prepare/unprepare), built around a functional-options
// constructor and printf-style logf/errf hooks. It exists to give
// acmecore.Collaborator's Prepare/Unprepare a concrete, swappable body.
package splintermail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Client talks to the splintermail API's prepare/unprepare endpoints.
// subdomain/secret come from installation.json, which the account holder
// can edit or recreate while the process runs, so they're read and written
// under mu rather than fixed at construction.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logf       func(string, ...interface{})
	errf       func(string, ...interface{})

	mu        sync.RWMutex
	subdomain string
	secret    string
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogf(f func(string, ...interface{})) Option {
	return func(c *Client) { c.logf = f }
}

func WithErrorf(f func(string, ...interface{})) Option {
	return func(c *Client) { c.errf = f }
}

// New creates a Client for the given base URL. subdomain and secret are
// optional at construction time (installation.json may not exist yet) and
// are supplied later via Configure, typically as soon as it's loaded.
func New(baseURL, subdomain, secret string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("splintermail client requires a base url")
	}
	c := &Client{
		baseURL:    baseURL,
		subdomain:  subdomain,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logf:       func(string, ...interface{}) {},
	}
	for _, o := range opts {
		o(c)
	}
	if c.errf == nil {
		c.errf = func(s string, v ...interface{}) { c.logf("ERROR: "+s, v...) }
	}
	return c, nil
}

// Configure (re)sets the subdomain and secret used by subsequent Prepare
// and Unprepare calls, so callers can wire this up once installation.json
// has actually been read rather than at New time.
func (c *Client) Configure(subdomain, secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subdomain = subdomain
	c.secret = secret
}

func (c *Client) creds() (subdomain, secret string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subdomain, c.secret
}

// Result mirrors acmecore.PrepareResult's JSON shape, kept independent here
// so this package has no import-time dependency on the core.
type Result struct {
	Status   string `json:"status"`
	Contents struct {
		Result string `json:"result"`
	} `json:"contents"`
}

// Prepare publishes a DNS-01 TXT record for token with the given proof
// value.
func (c *Client) Prepare(token, proof string) (*Result, error) {
	subdomain, secret := c.creds()
	if subdomain == "" {
		return nil, fmt.Errorf("splintermail client has no subdomain configured")
	}
	return c.call(subdomain, "prepare", url.Values{
		"subdomain": {subdomain},
		"secret":    {secret},
		"token":     {token},
		"proof":     {proof},
	})
}

// Unprepare tears down the DNS-01 TXT record previously published for
// token.
func (c *Client) Unprepare(token string) (*Result, error) {
	subdomain, secret := c.creds()
	if subdomain == "" {
		return nil, fmt.Errorf("splintermail client has no subdomain configured")
	}
	return c.call(subdomain, "unprepare", url.Values{
		"subdomain": {subdomain},
		"secret":    {secret},
		"token":     {token},
	})
}

func (c *Client) call(subdomain, action string, form url.Values) (*Result, error) {
	u := c.baseURL + "/" + action
	c.logf("calling splintermail %s for subdomain %s", action, subdomain)

	body, err := json.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s request: %w", action, err)
	}

	resp, err := c.httpClient.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		c.errf("splintermail %s request failed: %v", action, err)
		return nil, err
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.errf("splintermail %s returned malformed response: %v", action, err)
		return nil, fmt.Errorf("malformed splintermail response: %w", err)
	}
	return &result, nil
}
