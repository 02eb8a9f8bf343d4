package gateway

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
)

// Login exchanges email and password for a session and installs it in the
// credential store.
func (g *Gateway) Login(ctx context.Context, email, password string) (domain.AuthResponse, error) {
	return g.authenticate(ctx, pathLogin, domain.LoginRequest{Email: email, Password: password})
}

// Register creates an account and signs straight in with it.
func (g *Gateway) Register(ctx context.Context, email, password string) (domain.AuthResponse, error) {
	return g.authenticate(ctx, pathRegister, domain.RegisterRequest{Email: email, Password: password})
}

func (g *Gateway) authenticate(ctx context.Context, path string, body any) (domain.AuthResponse, error) {
	var resp domain.AuthResponse
	if err := g.PostJSON(ctx, path, body, &resp); err != nil {
		return domain.AuthResponse{}, err
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return domain.AuthResponse{}, errors.New("gateway: auth response is missing tokens")
	}
	if err := g.creds.Set(ctx, resp); err != nil {
		return domain.AuthResponse{}, err
	}
	return resp, nil
}

// Logout ends the session locally. The backend keeps no server-side session
// to revoke, so there is no network call.
func (g *Gateway) Logout(ctx context.Context) {
	g.creds.Clear(ctx)
}
