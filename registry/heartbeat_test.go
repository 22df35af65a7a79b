package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu       sync.Mutex
	received []RegisterRequest
	reject   bool
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/register" {
		http.NotFound(w, r)
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.received = append(f.received, req)
	ok := !f.reject
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RegisterResponse{Id: req.Id, Success: ok})
}

func (f *fakeRegistry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newClient(t *testing.T, srv *httptest.Server, interval time.Duration, models func() []string) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return New(Options{
		Host:     u.Hostname(),
		Port:     port,
		SelfIP:   "10.0.0.5",
		SelfPort: 5000,
		Device:   "onnx",
		Interval: interval,
		Models:   models,
	})
}

func TestSend(t *testing.T) {
	reg := &fakeRegistry{}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	c := newClient(t, srv, time.Second, func() []string { return []string{"m1", "m2"} })
	require.NoError(t, c.Send(context.Background()))

	require.Equal(t, 1, reg.count())
	got := reg.received[0]
	assert.Equal(t, c.ID(), got.Id)
	assert.Equal(t, "10.0.0.5", got.IP)
	assert.Equal(t, []string{"m1", "m2"}, got.Models)

	reg.mu.Lock()
	reg.reject = true
	reg.mu.Unlock()
	assert.Error(t, c.Send(context.Background()))
}

func TestSend_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newClient(t, srv, time.Second, nil)
	assert.Error(t, c.Send(context.Background()))
}

func TestRun_KickAndStop(t *testing.T) {
	reg := &fakeRegistry{}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	c := newClient(t, srv, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go c.Run(ctx, &wg)

	assert.Eventually(t, func() bool { return reg.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	c.ModelLoaded("m1")
	assert.Eventually(t, func() bool { return reg.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}
