package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// xuiAuth logs into 3x-ui with a form POST; the session cookie is the token.
type xuiAuth struct {
	username string
	password string
}

func (a *xuiAuth) Login(req *resty.Request) (*resty.Response, error) {
	return req.
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"username": a.username,
			"password": a.password,
		}).
		Post("/login")
}

func (a *xuiAuth) Token(resp *resty.Response) (string, time.Duration, error) {
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", 0, errCredentials("login returned %d", resp.StatusCode())
	}
	var env xuiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return "", 0, fmt.Errorf("unexpected login response (%d)", resp.StatusCode())
	}
	if !env.Success {
		return "", 0, errCredentials("login rejected: %s", env.Msg)
	}

	parts := make([]string, 0, 2)
	var ttl time.Duration
	for _, c := range resp.Cookies() {
		if c.Value == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
		if c.MaxAge > 0 {
			ttl = time.Duration(c.MaxAge) * time.Second
		} else if !c.Expires.IsZero() {
			ttl = time.Until(c.Expires)
		}
	}
	if len(parts) == 0 {
		return "", 0, fmt.Errorf("login succeeded without a session cookie")
	}
	return strings.Join(parts, "; "), ttl, nil
}

func (a *xuiAuth) Apply(req *resty.Request, token string) {
	req.SetHeader("Cookie", token)
}

// Rejected covers explicit 401/403, redirects to the login page, the 404 that
// newer 3x-ui builds send to anonymous API calls, and HTML login pages.
func (a *xuiAuth) Rejected(resp *resty.Response) bool {
	code := resp.StatusCode()
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return true
	case code >= 300 && code < 400:
		return true
	case code == http.StatusNotFound && !looksJSON(resp):
		return true
	case code == http.StatusOK && strings.Contains(resp.Header().Get("Content-Type"), "text/html"):
		return true
	}
	return false
}

// marzbanAuth exchanges credentials for a bearer token.
type marzbanAuth struct {
	username string
	password string
}

func (a *marzbanAuth) Login(req *resty.Request) (*resty.Response, error) {
	return req.
		SetFormData(map[string]string{
			"username":   a.username,
			"password":   a.password,
			"grant_type": "password",
		}).
		Post("/api/admin/token")
}

func (a *marzbanAuth) Token(resp *resty.Response) (string, time.Duration, error) {
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return "", 0, errCredentials("login returned %d: %s", resp.StatusCode(), detailOf(resp.Body()))
	}
	if resp.IsError() {
		return "", 0, fmt.Errorf("login returned %d", resp.StatusCode())
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.AccessToken == "" {
		return "", 0, fmt.Errorf("no access_token in login response")
	}
	return out.AccessToken, 0, nil
}

func (a *marzbanAuth) Apply(req *resty.Request, token string) {
	req.SetAuthToken(token)
}

func (a *marzbanAuth) Rejected(resp *resty.Response) bool {
	return resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden
}

func looksJSON(resp *resty.Response) bool {
	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		return true
	}
	body := strings.TrimSpace(string(resp.Body()))
	return strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[")
}

// detailOf extracts the FastAPI style {"detail": ...} message.
func detailOf(body []byte) string {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return strings.TrimSpace(string(body))
	}
	if d, ok := raw["detail"].(string); ok {
		return d
	}
	if d, ok := raw["detail"]; ok {
		b, _ := json.Marshal(d)
		return string(b)
	}
	return ""
}
