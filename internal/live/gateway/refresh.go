package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/pkg/cryptox"
	"github.com/aussiebroadwan/tabline/pkg/httpx"
)

type refreshResult struct {
	token string
	err   error
}

// awaitToken returns the token to replay a request with after it got a 401
// while carrying used. Exactly one caller runs the refresh; everyone who
// arrives while it is in flight queues behind it and receives its result.
func (g *Gateway) awaitToken(ctx context.Context, used string, orig error) (string, error) {
	g.mu.Lock()

	// A refresh settled while this request was on the wire. Replaying with
	// the stored token is enough.
	if current := g.creds.AccessToken(); !g.refreshing && current != "" && current != used {
		g.mu.Unlock()
		g.logger.DebugContext(ctx, "replaying with token rotated in flight",
			"token", cryptox.ShortFingerprint(current),
		)
		return current, nil
	}

	if g.refreshing {
		wait := make(chan refreshResult, 1)
		g.pending = append(g.pending, wait)
		g.mu.Unlock()
		g.metrics.RefreshWaiter()

		select {
		case res := <-wait:
			if res.err != nil {
				return "", terminated(res.err)
			}
			return res.token, nil
		case <-ctx.Done():
			// The refresh still settles for everyone else. Our slot is
			// buffered so releasing it never blocks.
			return "", ctx.Err()
		}
	}

	refreshToken := g.creds.RefreshToken()
	if refreshToken == "" {
		g.mu.Unlock()
		g.logger.WarnContext(ctx, "401 with no refresh token")
		g.teardown(ctx, "no_refresh_token", ErrNoRefreshToken)
		return "", terminated(ErrNoRefreshToken, orig)
	}

	// Set before any blocking step so nobody else starts a second refresh.
	g.refreshing = true
	g.mu.Unlock()

	token, err := g.runRefresh(ctx, refreshToken)
	if err != nil {
		return "", terminated(err)
	}
	return token, nil
}

// runRefresh performs the one refresh call and settles every waiter. The
// deferred release always runs so the protocol can never wedge with
// refreshing stuck at true.
func (g *Gateway) runRefresh(ctx context.Context, refreshToken string) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRefreshFailed, r)
		}
		g.release(token, err)
	}()

	// The refresh serves every queued caller, so it must not die with the
	// caller that happened to start it.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.refreshTimeout)
	defer cancel()

	resp, err := g.refreshCall(rctx, refreshToken)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		g.metrics.Refresh("failure")
		g.logger.WarnContext(ctx, "token refresh failed", "error", err)
		g.teardown(ctx, "refresh_failed", err)
		return "", err
	}

	next := resp.RefreshToken
	if next == "" {
		next = refreshToken
	}
	if err := g.creds.UpdateTokens(ctx, resp.AccessToken, next); err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		g.metrics.Refresh("failure")
		g.teardown(ctx, "refresh_failed", err)
		return "", err
	}

	g.metrics.Refresh("success")
	g.logger.InfoContext(ctx, "token refreshed", "token", cryptox.ShortFingerprint(resp.AccessToken))
	return resp.AccessToken, nil
}

// release clears the in-flight flag and hands the outcome to waiters in the
// order they queued.
func (g *Gateway) release(token string, err error) {
	g.mu.Lock()
	waiters := g.pending
	g.pending = nil
	g.refreshing = false
	g.mu.Unlock()

	for _, w := range waiters {
		w <- refreshResult{token: token, err: err}
	}
}

// refreshCall is a bare POST /auth/refresh. It goes straight to the HTTP
// client so a 401 here can never recurse into the refresh protocol.
func (g *Gateway) refreshCall(ctx context.Context, refreshToken string) (domain.AuthResponse, error) {
	body, err := json.Marshal(domain.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return domain.AuthResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+pathRefresh, bytes.NewReader(body))
	if err != nil {
		return domain.AuthResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.AuthResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AuthResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AuthResponse{}, &StatusError{
			Method:     http.MethodPost,
			Path:       pathRefresh,
			StatusCode: resp.StatusCode,
			Code:       httpx.ErrorCode(data),
			Message:    httpx.ErrorMessage(data),
			Body:       data,
		}
	}

	var out domain.AuthResponse
	if err := json.Unmarshal(httpx.UnwrapResult(data), &out); err != nil {
		return domain.AuthResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.AccessToken == "" {
		return domain.AuthResponse{}, fmt.Errorf("refresh response has no access token")
	}
	return out, nil
}

// teardown is the single exit for every auth-terminal path: the credential
// is cleared and the user is sent to log in again.
func (g *Gateway) teardown(ctx context.Context, reason string, cause error) {
	g.metrics.Teardown(reason)
	g.logger.WarnContext(ctx, "tearing down session", "reason", reason, "error", cause)

	g.creds.Clear(ctx)
	if g.nav != nil {
		g.nav.RedirectToLogin(ctx, cause)
	}
}

// Refresh forces a token refresh outside of any failing request, joining one
// that is already in flight. Passing the current token as "used" keeps the
// rotated-in-flight shortcut from skipping the refresh.
func (g *Gateway) Refresh(ctx context.Context) (string, error) {
	return g.awaitToken(ctx, g.creds.AccessToken(), nil)
}
