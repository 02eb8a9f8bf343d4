// Package gateway is the client's only path to the REST API. It attaches the
// current bearer token to every request and transparently recovers from 401s
// by running a single-flight token refresh that all concurrently failing
// requests share.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/internal/live/metrics"
	"github.com/aussiebroadwan/tabline/pkg/httpx"
	"github.com/aussiebroadwan/tabline/pkg/slogx"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries     = 3
	DefaultTimeout        = 10 * time.Second
	DefaultRefreshTimeout = 10 * time.Second

	pathLogin    = "/auth/login"
	pathRegister = "/auth/register"
	pathRefresh  = "/auth/refresh"
)

// exemptPaths never enter the refresh protocol. A 401 from them goes
// straight back to the caller.
var exemptPaths = []string{pathLogin, pathRegister, pathRefresh}

// Credentials is the part of the credential store the gateway needs.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	Set(ctx context.Context, resp domain.AuthResponse) error
	UpdateTokens(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context)
}

// Navigator sends the user back to the login surface after the session has
// been torn down.
type Navigator interface {
	RedirectToLogin(ctx context.Context, reason error)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, reason error)

func (f NavigatorFunc) RedirectToLogin(ctx context.Context, reason error) { f(ctx, reason) }

type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	Limiter        *rate.Limiter
	MaxRetries     int
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Navigator      Navigator
	UserAgent      string
}

// Request is one logical API call. Body is kept as bytes so the request can
// be replayed after a refresh.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Gateway struct {
	baseURL        string
	client         *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	refreshTimeout time.Duration
	userAgent      string

	creds   Credentials
	nav     Navigator
	logger  *slog.Logger
	metrics *metrics.Metrics

	// refreshing and pending are the refresh protocol's shared state. Both
	// are only touched with mu held.
	mu         sync.Mutex
	refreshing bool
	pending    []chan refreshResult
}

func New(cfg Config, creds Credentials) *Gateway {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "tabline"
	}

	return &Gateway{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		client:         client,
		limiter:        cfg.Limiter,
		maxRetries:     maxRetries,
		refreshTimeout: refreshTimeout,
		userAgent:      userAgent,
		creds:          creds,
		nav:            cfg.Navigator,
		logger:         logger.With("component", "gateway"),
		metrics:        cfg.Metrics,
	}
}

// Do sends req with the current access token. A 401 on a non-exempt path is
// recovered by refreshing the token and replaying, at most MaxRetries times
// for this call. Non-2xx responses are returned as *StatusError.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	token := g.creds.AccessToken()

	for attempt := 0; ; {
		resp, err := g.send(ctx, req, token)
		if err == nil {
			g.metrics.Request("ok")
			return resp, nil
		}

		class := classify(err)
		g.metrics.Request(class)

		if class != "unauthorized" {
			g.logFailure(ctx, req, class, err)
			return nil, err
		}

		if isExempt(req.Path) {
			return nil, err
		}

		if attempt >= g.maxRetries {
			g.logger.WarnContext(ctx, "retry budget exhausted",
				"method", req.Method,
				"path", req.Path,
				"attempts", attempt,
			)
			g.teardown(ctx, "retries_exhausted", err)
			return nil, terminated(err)
		}
		attempt++

		token, err = g.awaitToken(ctx, token, err)
		if err != nil {
			return nil, err
		}
	}
}

// send performs one HTTP exchange with token as bearer. It does not know
// about refreshes.
func (g *Gateway) send(ctx context.Context, req Request, token string) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := g.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", g.userAgent)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method:     method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Code:       httpx.ErrorCode(data),
			Message:    httpx.ErrorMessage(data),
			Body:       data,
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (g *Gateway) logFailure(ctx context.Context, req Request, class string, err error) {
	logger := slogx.FromContext(ctx)
	if logger == slog.Default() {
		logger = g.logger
	}

	attrs := []any{"method", req.Method, "path", req.Path, "class", class, "error", err}
	switch class {
	case "canceled":
		logger.DebugContext(ctx, "api request canceled", attrs...)
	case "client":
		logger.InfoContext(ctx, "api request rejected", attrs...)
	default:
		logger.WarnContext(ctx, "api request failed", attrs...)
	}
}

func isExempt(path string) bool {
	p := path
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	for _, e := range exemptPaths {
		if strings.HasSuffix(p, e) {
			return true
		}
	}
	return false
}
