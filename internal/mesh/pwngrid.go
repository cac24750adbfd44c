// Package mesh talks to the local pwngrid daemon, which exchanges small advertisement blobs with
// nearby peers.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultAPI = "http://127.0.0.1:8666/api/v1"
	// PositionField is the advertisement key carrying the encrypted position.
	PositionField = "snorlax"
)

// Peer is one entry of the pwngrid peer list.
type Peer struct {
	Advertisement map[string]any `json:"advertisement"`
	RSSI          *float64       `json:"rssi,omitempty"`
}

func (p Peer) ID() string   { return p.Field("identity") }
func (p Peer) Name() string { return p.Field("name") }

// Field returns a string advertisement field, or "" when absent or not a string.
func (p Peer) Field(key string) string {
	s, _ := p.Advertisement[key].(string)
	return s
}

// Mesh is the advertisement API consumed by the proxy.
type Mesh interface {
	Peers(ctx context.Context) ([]Peer, error)
	SetField(ctx context.Context, key, value string) error
	Advertise(ctx context.Context, on bool) error
}

// Pwngrid is an HTTP client for the pwngrid local API.
type Pwngrid struct {
	base   string
	client *http.Client
}

func NewPwngrid(base string, timeout time.Duration) *Pwngrid {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultAPI
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Pwngrid{base: base, client: &http.Client{Timeout: timeout}}
}

func (g *Pwngrid) Peers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	if err := g.call(ctx, http.MethodGet, "/mesh/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Data returns this node's advertisement.
func (g *Pwngrid) Data(ctx context.Context) (map[string]any, error) {
	data := map[string]any{}
	if err := g.call(ctx, http.MethodGet, "/mesh/data", nil, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// SetField replaces one key of this node's advertisement, keeping the others.
func (g *Pwngrid) SetField(ctx context.Context, key, value string) error {
	data, err := g.Data(ctx)
	if err != nil {
		return err
	}
	data[key] = value
	return g.call(ctx, http.MethodPost, "/mesh/data", data, nil)
}

func (g *Pwngrid) Advertise(ctx context.Context, on bool) error {
	return g.call(ctx, http.MethodGet, fmt.Sprintf("/mesh/%t", on), nil, nil)
}

func (g *Pwngrid) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("pwngrid %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, body)
	if err != nil {
		return fmt.Errorf("pwngrid %s: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("pwngrid %s: %w", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("pwngrid %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("pwngrid %s: %s: %s", path, resp.Status, bytes.TrimSpace(b))
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("pwngrid %s: decode: %w", path, err)
	}
	return nil
}
