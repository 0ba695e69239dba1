// Package client is a thin convenience wrapper for CLI tools to call the
// Scry daemon’s JSON API over a Unix‑domain socket. It re‑exports the DTOs
// from pkg/api so callers get strongly‑typed results instead of generic maps.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/lc/scry/pkg/api"
)

// Client holds an http.Client wired to a Unix socket.
type Client struct {
	hc   *http.Client
	base string // dummy scheme+host for Request.URL (http://unix)
}

// New returns a Client that dials the given Unix‑domain socket path.
func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	}
	tr := &http.Transport{DialContext: dial}
	return &Client{hc: &http.Client{Transport: tr}, base: "http://unix"}
}

// --------------------------- commands ------------------------------

// Resolve asks the daemon for a one-shot host resolution.
func (c *Client) Resolve(ctx context.Context, name, family string) (api.ResolveResponse, error) {
	var out api.ResolveResponse
	err := c.post(ctx, "/v1/resolve", api.ResolveRequest{Name: name, Family: family}, &out)
	return out, err
}

// ResolveSrv asks the daemon for a one-shot service (SRV) resolution.
func (c *Client) ResolveSrv(ctx context.Context, name, family string) (api.ResolveSrvResponse, error) {
	var out api.ResolveSrvResponse
	err := c.post(ctx, "/v1/resolvesrv", api.ResolveSrvRequest{Name: name, Family: family}, &out)
	return out, err
}

// Watch registers a name for periodic re-resolution and returns its id.
func (c *Client) Watch(ctx context.Context, name, kind, family string) (api.WatchResponse, error) {
	var out api.WatchResponse
	err := c.post(ctx, "/v1/watch", api.WatchRequest{Name: name, Kind: kind, Family: family}, &out)
	return out, err
}

// Unwatch removes a watch by id or name.
func (c *Client) Unwatch(ctx context.Context, ref string) error {
	return c.post(ctx, "/v1/unwatch", api.UnwatchRequest{Ref: ref}, nil)
}

// Watches retrieves the current watch set from the daemon.
func (c *Client) Watches(ctx context.Context) ([]api.WatchDTO, error) {
	var out []api.WatchDTO
	err := c.get(ctx, "/v1/watches", &out)
	return out, err
}

// Status retrieves the current status of the daemon.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.get(ctx, "/v1/status", &out)
	return out, err
}

// --------------------------- HTTP helpers --------------------------

func (c *Client) post(ctx context.Context, path string, payload, v any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.base+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
