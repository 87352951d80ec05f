package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/internal/cache"
)

type fakeAuth struct {
	token       atomic.Value
	invalidated atomic.Int32
}

func newFakeAuth(token string) *fakeAuth {
	a := &fakeAuth{}
	a.token.Store(token)
	return a
}

func (a *fakeAuth) Authorize(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.token.Load().(string))
	return nil
}

func (a *fakeAuth) Invalidate() {
	a.invalidated.Add(1)
	a.token.Store("fresh")
}

// scripted replies with the given status codes in order, then 200.
func scripted(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if n <= len(codes) {
			w.WriteHeader(codes[n-1])
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value": 42}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type reply struct {
	Value int `json:"value"`
}

func newTestCaller(srv *httptest.Server, auth Authenticator) (*Caller, *[]time.Duration) {
	c := NewCaller("test", srv.URL, 2, auth)
	var waits []time.Duration
	c.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestCallerRetryPolicy(t *testing.T) {
	tests := []struct {
		name        string
		codes       []int
		wantErr     error
		wantCalls   int32
		wantWaits   []time.Duration
		wantInvalid int32
	}{
		{name: "success", wantCalls: 1},
		{name: "401 reauthenticates once", codes: []int{401}, wantCalls: 2, wantInvalid: 1},
		{name: "401 twice surfaces", codes: []int{401, 401}, wantErr: ErrAuthentication, wantCalls: 2, wantInvalid: 1},
		{name: "429 fails fast", codes: []int{429}, wantErr: ErrRateLimited, wantCalls: 1},
		{name: "5xx recovers", codes: []int{503}, wantCalls: 2, wantWaits: []time.Duration{100 * time.Millisecond}},
		{
			name:      "5xx exhausts retries",
			codes:     []int{500, 502, 503},
			wantErr:   ErrTransient,
			wantCalls: 3,
			wantWaits: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond},
		},
		{name: "429 after 5xx is not retried", codes: []int{500, 429}, wantErr: ErrRateLimited, wantCalls: 2, wantWaits: []time.Duration{100 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := scripted(t, tt.codes...)
			auth := newFakeAuth("stale")
			c, waits := newTestCaller(srv, auth)

			var out reply
			err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/thing"}, &out)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, 42, out.Value)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, tt.wantWaits, *waits)
			assert.Equal(t, tt.wantInvalid, auth.invalidated.Load())
		})
	}
}

func TestCallerClientErrorIsPermanent(t *testing.T) {
	srv, calls := scripted(t, 404)
	c, waits := newTestCaller(srv, nil)

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/missing"}, nil)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.StatusCode)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *waits)
}

func TestCallerTimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
	}))
	defer srv.Close()

	c, waits := newTestCaller(srv, nil)
	c.Timeout = 20 * time.Millisecond

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/slow"}, nil)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *waits, 2)
}

func TestCallerSendsJSONBodyAndAuth(t *testing.T) {
	var gotAuth, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := newTestCaller(srv, newFakeAuth("abc"))
	err := c.Do(context.Background(), Request{Method: http.MethodPut, Path: "/overlay", Body: map[string]int{"a": 1}}, &reply{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, `{"a":1}`, gotBody)
}

func TestCachedReadThrough(t *testing.T) {
	srv, calls := scripted(t)
	c, _ := newTestCaller(srv, nil)
	store := cache.New[reply](nil)

	for i := 0; i < 3; i++ {
		out, err := Cached(context.Background(), c, store, "thing", time.Minute, Request{Method: http.MethodGet, Path: "/thing"})
		require.NoError(t, err)
		assert.Equal(t, 42, out.Value)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallerConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	c := NewCaller("test", srv.URL, 1, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/"}, nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}
