package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client wraps resty for HTTP requests to external panels.
// Retries and cookies are left to the caller: the panel session owns both.
type Client struct {
	r *resty.Client
}

// New creates a client rooted at baseURL with sensible defaults.
func New(baseURL string) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(0).
		SetCookieJar(nil).
		SetRedirectPolicy(keepRedirectResponse).
		SetHeader("Accept", "application/json")

	return &Client{r: r}
}

// keepRedirectResponse surfaces 3xx responses instead of following them, so a
// redirect to a login page can be recognised as a session rejection.
var keepRedirectResponse = resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
})

// WithTimeout sets a custom per-request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.r.SetTimeout(d)
	}
	return c
}

// WithInsecureSkipVerify disables TLS verification. Panels commonly run self-signed certificates.
func (c *Client) WithInsecureSkipVerify(skip bool) *Client {
	if skip {
		c.r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return c
}

// Request returns a new resty Request for chaining.
func (c *Client) Request() *resty.Request {
	return c.r.R()
}
