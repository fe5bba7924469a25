package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-failover/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc *http.Client
    transport *http.Transport
    isTLS bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) scheme() string {
    if c.isTLS { return "https" }
    return "http"
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    // addr expected as host:port from membership; prefix scheme based on TLS
    url := fmt.Sprintf("%s://%s/status", c.scheme(), addr)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil { return nil, err }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            defer resp.Body.Close()
            if resp.StatusCode != http.StatusOK {
                b, _ := io.ReadAll(resp.Body)
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
            } else {
                return io.ReadAll(resp.Body)
            }
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

// postJSON posts req to path on addr and decodes the JSON body into out. A
// non-200 status surfaces the payload's error string when present.
func (c *Client) postJSON(ctx context.Context, addr, path string, req any, out any, errField func() string) error {
    url := fmt.Sprintf("%s://%s%s", c.scheme(), addr, path)
    body, err := json.Marshal(req)
    if err != nil { return err }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        // A fresh request per attempt: the previous attempt consumed the
        // body reader.
        httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
        if err != nil { return err }
        httpReq.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(httpReq)
        if err != nil {
            lastErr = err
        } else {
            func() {
                defer resp.Body.Close()
                b, _ := io.ReadAll(resp.Body)
                _ = json.Unmarshal(b, out)
                if resp.StatusCode != http.StatusOK {
                    if msg := errField(); msg != "" {
                        lastErr = errors.New(msg)
                    } else {
                        lastErr = fmt.Errorf("%s status %d: %s", path, resp.StatusCode, string(b))
                    }
                } else {
                    lastErr = nil
                }
            }()
            if lastErr == nil { return nil }
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            if lastErr == nil { lastErr = ctx.Err() }
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) GetRole(ctx context.Context, addr string) (string, error) {
    url := fmt.Sprintf("%s://%s/role", c.scheme(), addr)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil { return "", err }
    resp, err := c.httpc.Do(req)
    if err != nil { return "", err }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        b, _ := io.ReadAll(resp.Body)
        return "", fmt.Errorf("role status %d: %s", resp.StatusCode, string(b))
    }
    var out struct {
        Role string `json:"role"`
    }
    if err := json.NewDecoder(resp.Body).Decode(&out); err != nil { return "", err }
    return out.Role, nil
}

func (c *Client) PostFence(ctx context.Context, addr string, req transport.FenceRequest) (transport.FenceResponse, error) {
    var out transport.FenceResponse
    err := c.postJSON(ctx, addr, "/fence", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostSwitchover(ctx context.Context, addr string, req transport.SwitchoverRequest) (transport.SwitchoverResponse, error) {
    var out transport.SwitchoverResponse
    err := c.postJSON(ctx, addr, "/switchover", req, &out, func() string { return out.Error })
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
