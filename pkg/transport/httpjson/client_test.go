package httpjson

import (
    "context"
    "encoding/json"
    "io"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync/atomic"
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/transport"
)

func TestPostRetryResendsFullBody(t *testing.T) {
    var calls int32
    var retryBody atomic.Value
    ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        b, _ := io.ReadAll(r.Body)
        if atomic.AddInt32(&calls, 1) == 1 {
            http.Error(w, "transient", http.StatusServiceUnavailable)
            return
        }
        retryBody.Store(b)
        _ = json.NewEncoder(w).Encode(transport.FenceResponse{Demoted: true})
    }))
    defer ts.Close()

    c := NewClient(2 * time.Second)
    addr := strings.TrimPrefix(ts.URL, "http://")
    resp, err := c.PostFence(context.Background(), addr, transport.FenceRequest{Term: 7})
    if err != nil || !resp.Demoted {
        t.Fatalf("fence after retry: resp=%+v err=%v", resp, err)
    }
    if got := atomic.LoadInt32(&calls); got != 2 {
        t.Fatalf("attempts = %d, want 2", got)
    }
    var req transport.FenceRequest
    b, _ := retryBody.Load().([]byte)
    if err := json.Unmarshal(b, &req); err != nil || req.Term != 7 {
        t.Fatalf("retry body = %q (err=%v), want term 7", b, err)
    }
}
