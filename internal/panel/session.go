package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"moonvpn/internal/config"
	"moonvpn/internal/models"
	"moonvpn/internal/pkg/httpclient"
)

const maxRetryAfter = 2 * time.Minute

// TokenStore persists the session token onto the panel row.
type TokenStore interface {
	UpdateSession(ctx context.Context, id uint, token string, expiresAt time.Time) error
}

// Authenticator is the vendor-specific login strategy used by a Session.
type Authenticator interface {
	// Login issues the login call.
	Login(req *resty.Request) (*resty.Response, error)
	// Token extracts the session token from a login response. A zero ttl means
	// the configured default. Credential rejection returns errCredentials.
	Token(resp *resty.Response) (string, time.Duration, error)
	// Apply attaches the token to an outgoing request.
	Apply(req *resty.Request, token string)
	// Rejected reports whether resp means the session is no longer valid.
	Rejected(resp *resty.Response) bool
}

type credentialsError struct {
	reason string
}

func (e *credentialsError) Error() string { return e.reason }

func errCredentials(format string, args ...interface{}) error {
	return &credentialsError{reason: fmt.Sprintf(format, args...)}
}

// SessionOptions is the retry and lifetime policy of a Session.
type SessionOptions struct {
	Timeout             time.Duration
	TTL                 time.Duration
	MaxAttempts         int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	MaxRateLimitRetries int
	RateLimitWait       time.Duration
	InsecureSkipVerify  bool
}

// OptionsFromConfig maps the panel config section.
func OptionsFromConfig(c config.PanelConfig) SessionOptions {
	return SessionOptions{
		Timeout:             c.RequestTimeout,
		TTL:                 c.SessionTTL,
		MaxAttempts:         c.MaxAttempts,
		BackoffInitial:      c.BackoffInitial,
		BackoffMax:          c.BackoffMax,
		MaxRateLimitRetries: c.MaxRateLimitRetries,
		RateLimitWait:       c.RateLimitWait,
		InsecureSkipVerify:  c.InsecureSkipVerify,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 50 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 8 * time.Second
	}
	if o.MaxRateLimitRetries < 0 {
		o.MaxRateLimitRetries = 0
	}
	if o.RateLimitWait <= 0 {
		o.RateLimitWait = 2 * time.Second
	}
	return o
}

// Session is the single logical session of one panel. It is the only writer
// of the panel's session token and owns all retry policy for panel calls.
type Session struct {
	panelID uint
	http    *httpclient.Client
	auth    Authenticator
	store   TokenStore
	opts    SessionOptions
	log     *zap.Logger

	mu      sync.RWMutex
	token   string
	expires time.Time
	gen     uint64

	group  singleflight.Group
	logins atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSession creates a session for p, seeded from the token stored on the panel row.
func NewSession(p *models.Panel, auth Authenticator, store TokenStore, opts SessionOptions, log *zap.Logger) *Session {
	opts = opts.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		panelID: p.ID,
		http: httpclient.New(p.BaseURL()).
			WithTimeout(opts.Timeout).
			WithInsecureSkipVerify(opts.InsecureSkipVerify),
		auth:  auth,
		store: store,
		opts:  opts,
		log:   log.With(zap.Uint("panel_id", p.ID)),
		now:   time.Now,
		sleep: sleepCtx,
	}
	if p.SessionToken != "" && p.SessionExpiresAt != nil && p.SessionExpiresAt.After(time.Now()) {
		s.token = p.SessionToken
		s.expires = *p.SessionExpiresAt
	}
	return s
}

// PanelID returns the id of the panel this session belongs to.
func (s *Session) PanelID() uint {
	return s.panelID
}

// Logins returns how many login calls this session has issued.
func (s *Session) Logins() int64 {
	return s.logins.Load()
}

func (s *Session) current() (string, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	valid := s.token != "" && s.now().Before(s.expires)
	return s.token, s.gen, valid
}

// EnsureSession logs in unless a valid session is cached.
func (s *Session) EnsureSession(ctx context.Context) error {
	_, _, err := s.ensure(ctx)
	return err
}

func (s *Session) ensure(ctx context.Context) (string, uint64, error) {
	token, gen, valid := s.current()
	if valid {
		return token, gen, nil
	}
	return s.relogin(ctx, gen)
}

// relogin replaces the session seen at generation stale. Concurrent callers
// share one login; a caller whose generation is already outdated reuses the
// newer token without logging in again. The shared login runs detached from
// the caller that started it, bounded by loginBudget.
func (s *Session) relogin(ctx context.Context, stale uint64) (string, uint64, error) {
	type result struct {
		token string
		gen   uint64
	}

	ch := s.group.DoChan("login", func() (interface{}, error) {
		if token, gen, valid := s.current(); valid && gen != stale {
			return result{token, gen}, nil
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loginBudget())
		defer cancel()

		s.logins.Add(1)
		resp, err := s.send(ctx, func() (*resty.Response, error) {
			return s.auth.Login(s.http.Request().SetContext(ctx))
		})
		if err != nil {
			return nil, err
		}
		token, ttl, err := s.auth.Token(resp)
		if err != nil {
			var cred *credentialsError
			if errors.As(err, &cred) {
				return nil, &AuthenticationError{PanelID: s.panelID, Reason: err.Error()}
			}
			return nil, &RemoteError{PanelID: s.panelID, Status: resp.StatusCode(), Msg: err.Error()}
		}
		if ttl <= 0 || ttl > s.opts.TTL {
			ttl = s.opts.TTL
		}
		expires := s.now().Add(ttl)

		s.mu.Lock()
		s.token = token
		s.expires = expires
		s.gen++
		gen := s.gen
		s.mu.Unlock()

		if s.store != nil {
			if err := s.store.UpdateSession(ctx, s.panelID, token, expires); err != nil {
				s.log.Warn("failed to persist panel session", zap.Error(err))
			}
		}
		s.log.Info("panel session established", zap.Time("expires_at", expires))
		return result{token, gen}, nil
	})

	select {
	case <-ctx.Done():
		return "", 0, fmt.Errorf("panel %d: waiting for login: %w", s.panelID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", 0, res.Err
		}
		r := res.Val.(result)
		return r.token, r.gen, nil
	}
}

// loginBudget is the longest a shared login may take: every attempt timing
// out plus the backoff and rate-limit waits in between.
func (s *Session) loginBudget() time.Duration {
	o := s.opts
	return time.Duration(o.MaxAttempts)*(o.Timeout+o.BackoffMax) +
		time.Duration(o.MaxRateLimitRetries)*o.RateLimitWait
}

// Invalidate drops the cached token so the next request logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.gen++
	s.mu.Unlock()
}

// Request performs an authenticated call. A rejected session is renewed once
// and the call repeated once; a second rejection is an AuthenticationError.
// body, when not nil, is sent as JSON.
func (s *Session) Request(ctx context.Context, method, path string, body interface{}) (*resty.Response, error) {
	token, gen, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}

	reauthed := false
	for {
		resp, err := s.send(ctx, func() (*resty.Response, error) {
			req := s.http.Request().SetContext(ctx)
			if body != nil {
				req.SetHeader("Content-Type", "application/json").SetBody(body)
			}
			s.auth.Apply(req, token)
			return req.Execute(method, path)
		})
		if err != nil {
			return nil, err
		}
		if !s.auth.Rejected(resp) {
			return resp, nil
		}
		if reauthed {
			return nil, &AuthenticationError{PanelID: s.panelID, Reason: "session rejected after re-login"}
		}
		reauthed = true
		s.log.Debug("panel session rejected, logging in again", zap.String("path", path))
		if token, gen, err = s.relogin(ctx, gen); err != nil {
			return nil, err
		}
	}
}

// send applies the transport retry policy to one logical call: rate limits
// wait for Retry-After, transport errors and gateway statuses back off
// exponentially until the attempt ceiling.
func (s *Session) send(ctx context.Context, call func() (*resty.Response, error)) (*resty.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	attempts, limited := 0, 0
	for {
		attempts++
		resp, err := call()

		var cause error
		switch {
		case err != nil:
			cause = err
		case resp.StatusCode() == http.StatusTooManyRequests:
			limited++
			if limited > s.opts.MaxRateLimitRetries {
				return nil, &ConnectivityError{PanelID: s.panelID, Attempts: attempts, Err: ErrRateLimited}
			}
			wait := retryAfter(resp, s.opts.RateLimitWait, s.now())
			s.log.Debug("panel rate limited", zap.Duration("wait", wait))
			if err := s.sleep(ctx, wait); err != nil {
				return nil, &ConnectivityError{PanelID: s.panelID, Attempts: attempts, Err: err}
			}
			attempts--
			continue
		case isGatewayStatus(resp.StatusCode()):
			cause = fmt.Errorf("panel returned %d", resp.StatusCode())
		default:
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, &ConnectivityError{PanelID: s.panelID, Attempts: attempts, Err: cause}
		}
		if attempts >= s.opts.MaxAttempts {
			s.log.Warn("panel unreachable", zap.Int("attempts", attempts), zap.Error(cause))
			return nil, &ConnectivityError{PanelID: s.panelID, Attempts: attempts, Err: cause}
		}
		if err := s.sleep(ctx, b.NextBackOff()); err != nil {
			return nil, &ConnectivityError{PanelID: s.panelID, Attempts: attempts, Err: cause}
		}
	}
}

func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// retryAfter reads Retry-After as seconds or an HTTP date.
func retryAfter(resp *resty.Response, fallback time.Duration, now time.Time) time.Duration {
	raw := strings.TrimSpace(resp.Header().Get("Retry-After"))
	if raw == "" {
		return fallback
	}
	var d time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(raw); err == nil {
		d = at.Sub(now)
	} else {
		return fallback
	}
	if d < 0 {
		d = 0
	}
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
