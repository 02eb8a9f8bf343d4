package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aussiebroadwan/tabline/pkg/httpx"
)

// GetJSON fetches path and decodes the unwrapped result into out.
func (g *Gateway) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := g.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return decodeResult(resp, out)
}

// PostJSON sends in as JSON and decodes the unwrapped result into out. Either
// may be nil.
func (g *Gateway) PostJSON(ctx context.Context, path string, in, out any) error {
	req := Request{Method: http.MethodPost, Path: path}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Body = body
	}

	resp, err := g.Do(ctx, req)
	if err != nil {
		return err
	}
	return decodeResult(resp, out)
}

func decodeResult(resp *Response, out any) error {
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(httpx.UnwrapResult(resp.Body), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
