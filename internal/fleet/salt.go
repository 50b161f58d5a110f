package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"rescuebot/internal/config"
)

const maxErrorBody = 512

// SaltClient talks to salt-api's rest_cherrypy endpoint.
type SaltClient struct {
	baseURL     string
	username    string
	password    string
	eauth       string
	tokenTTL    time.Duration
	jobsTimeout time.Duration
	timeout     time.Duration
	http        *http.Client
	logger      *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	logins  singleflight.Group
	lookups singleflight.Group
}

func NewSaltClient(cfg config.FleetConfig, logger *slog.Logger) *SaltClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SaltClient{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		eauth:       cfg.EAuth,
		tokenTTL:    cfg.TokenTTL,
		jobsTimeout: cfg.JobsTimeout,
		timeout:     timeout,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type saltLoginResponse struct {
	Return []struct {
		Token  string  `json:"token"`
		Expire float64 `json:"expire"`
	} `json:"return"`
}

type saltResponse struct {
	Return []json.RawMessage `json:"return"`
}

type saltError struct {
	status int
	body   string
}

func (e *saltError) Error() string {
	return fmt.Sprintf("salt-api HTTP %d - %s", e.status, e.body)
}

func (c *SaltClient) cachedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token
	}
	return ""
}

// authToken returns the cached token or logs in. Concurrent callers share
// one login, and the lock is never held across the HTTP round trip.
func (c *SaltClient) authToken(ctx context.Context) (string, error) {
	if token := c.cachedToken(); token != "" {
		return token, nil
	}
	v, err := c.shared(ctx, &c.logins, "login", func(ctx context.Context) (any, error) {
		if token := c.cachedToken(); token != "" {
			return token, nil
		}
		return c.login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *SaltClient) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
		"eauth":    c.eauth,
	})
	if err != nil {
		return "", err
	}
	data, err := c.post(ctx, "/login", "", body)
	if err != nil {
		return "", fmt.Errorf("salt login: %w", err)
	}
	var resp saltLoginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("salt login: decode: %w", err)
	}
	if len(resp.Return) == 0 || resp.Return[0].Token == "" {
		return "", errors.New("salt login: no token in response")
	}
	exp := time.Now().Add(c.tokenTTL)
	if resp.Return[0].Expire > 0 {
		saltExp := time.Unix(int64(resp.Return[0].Expire), 0)
		if c.tokenTTL <= 0 || saltExp.Before(exp) {
			exp = saltExp
		}
	}
	c.mu.Lock()
	c.token = resp.Return[0].Token
	c.tokenExp = exp
	c.mu.Unlock()
	return resp.Return[0].Token, nil
}

// shared runs fn once per key for all concurrent callers. fn gets a context
// detached from any single caller with the client timeout, so one caller
// giving up does not fail the others. Each caller still stops waiting when
// its own ctx is done.
func (c *SaltClient) shared(ctx context.Context, group *singleflight.Group, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(flightCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SaltClient) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *SaltClient) post(ctx context.Context, path, token string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &saltError{status: resp.StatusCode, body: msg}
	}
	return data, nil
}

// run issues a local client call. An expired token is refreshed once.
func (c *SaltClient) run(ctx context.Context, target, function string, args []string) (json.RawMessage, error) {
	if args == nil {
		args = []string{}
	}
	body, err := json.Marshal(map[string]any{
		"client": "local",
		"tgt":    target,
		"fun":    function,
		"arg":    args,
	})
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		token, err := c.authToken(ctx)
		if err != nil {
			return nil, err
		}
		data, err := c.post(ctx, "/", token, body)
		var se *saltError
		if errors.As(err, &se) && se.status == http.StatusUnauthorized && attempt == 0 {
			if c.logger != nil {
				c.logger.Info("salt token rejected, logging in again")
			}
			c.dropToken()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("salt %s on %s: %w", function, target, err)
		}
		return data, nil
	}
}

func firstReturn(data []byte) (json.RawMessage, error) {
	var resp saltResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode salt response: %w", err)
	}
	if len(resp.Return) == 0 {
		return nil, ErrNoResponse
	}
	return resp.Return[0], nil
}

// Execute runs function on target and returns the raw salt-api body.
func (c *SaltClient) Execute(ctx context.Context, target, function string, args []string) (json.RawMessage, error) {
	data, err := c.run(ctx, target, function, args)
	if err != nil {
		return nil, err
	}
	ret, err := firstReturn(data)
	if err != nil {
		return nil, err
	}
	var perMinion map[string]json.RawMessage
	if err := json.Unmarshal(ret, &perMinion); err == nil && len(perMinion) == 0 {
		return json.RawMessage(data), ErrNoResponse
	}
	return json.RawMessage(data), nil
}

func (c *SaltClient) Minions(ctx context.Context) ([]Minion, error) {
	data, err := c.run(ctx, "*", "grains.items", nil)
	if err != nil {
		return nil, err
	}
	ret, err := firstReturn(data)
	if err != nil {
		return nil, err
	}
	var perMinion map[string]json.RawMessage
	if err := json.Unmarshal(ret, &perMinion); err != nil {
		return nil, fmt.Errorf("decode grains: %w", err)
	}
	out := make([]Minion, 0, len(perMinion))
	for id, raw := range perMinion {
		m := Minion{ID: id}
		// Minions that did not answer report false instead of a grains map.
		var grains struct {
			FQDN string   `json:"fqdn"`
			Host string   `json:"host"`
			OS   string   `json:"os"`
			IPv4 []string `json:"ipv4"`
		}
		if err := json.Unmarshal(raw, &grains); err == nil {
			m.FQDN = grains.FQDN
			m.Host = grains.Host
			m.OS = grains.OS
			m.IPv4 = grains.IPv4
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ResolveTarget finds the minion whose fqdn grain equals host. Concurrent
// lookups of the same host share one grains query.
func (c *SaltClient) ResolveTarget(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", ErrTargetNotFound
	}
	v, err := c.shared(ctx, &c.lookups, strings.ToLower(host), func(ctx context.Context) (any, error) {
		minions, err := c.Minions(ctx)
		if err != nil {
			return "", err
		}
		return matchMinion(minions, host)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func matchMinion(minions []Minion, host string) (string, error) {
	for _, m := range minions {
		if strings.EqualFold(m.FQDN, host) {
			return m.ID, nil
		}
	}
	for _, m := range minions {
		if strings.EqualFold(m.ID, host) {
			return m.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTargetNotFound, host)
}

// ActiveJobs returns saltutil.running per minion.
func (c *SaltClient) ActiveJobs(ctx context.Context) (map[string]json.RawMessage, error) {
	if c.jobsTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.jobsTimeout)
		defer cancel()
	}
	data, err := c.run(ctx, "*", "saltutil.running", nil)
	if err != nil {
		return nil, err
	}
	ret, err := firstReturn(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal(ret, &out); err != nil {
		return nil, fmt.Errorf("decode running jobs: %w", err)
	}
	return out, nil
}
