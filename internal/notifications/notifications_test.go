package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) PublishEvent(v any) error {
	return r.Notify(context.Background(), v.(Event))
}

func TestNtfyPostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNtfy(srv.URL+"/", "home-heating")
	err := n.Notify(context.Background(), Event{Kind: "override", Title: "Override detected", Message: "Living AC turned off", Priority: PriorityHigh})
	require.NoError(t, err)

	assert.Equal(t, "home-heating", got["topic"])
	assert.Equal(t, "Override detected", got["title"])
	assert.Equal(t, float64(4), got["priority"])
	assert.Equal(t, []interface{}{"override"}, got["tags"])
}

func TestNtfyErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewNtfy(srv.URL, "t").Notify(context.Background(), Event{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestThrottle(t *testing.T) {
	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	th := NewThrottle(time.Hour, func() time.Time { return now })

	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))
	assert.True(t, th.Allow("b"))

	now = now.Add(59 * time.Minute)
	assert.False(t, th.Allow("a"))
	now = now.Add(time.Minute)
	assert.True(t, th.Allow("a"))
}

func TestDispatcherThrottlesFailuresOnly(t *testing.T) {
	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	first := &recorder{err: errors.New("offline")}
	second := &recorder{}
	d := NewDispatcher(NewThrottle(time.Hour, func() time.Time { return now }), first, MQTTSink{Publisher: second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.Notify(ctx, Event{Kind: "command_failed", Key: "ac/Living", Title: "fail", Failure: true})
		d.Notify(ctx, Event{Kind: "override", Key: "ac/Living", Title: "override"})
	}

	assert.Len(t, second.events, 4, "one failure plus three overrides")
	assert.Len(t, first.events, 4, "a failing sink does not stop delivery to the others")
	assert.Equal(t, PriorityDefault, second.events[0].Priority)
	assert.False(t, second.events[0].At.IsZero())

	var nilDispatcher *Dispatcher
	nilDispatcher.Notify(ctx, Event{Title: "ignored"})
}
