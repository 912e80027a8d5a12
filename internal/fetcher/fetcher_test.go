package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func statusSequence(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(calls.Add(1)) - 1
		code := codes[len(codes)-1]
		if n < len(codes) {
			code = codes[n]
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDoBackoffScheduleOn429(t *testing.T) {
	srv, calls := statusSequence(t, 429, 429, 429, 200)
	rec := &recordingSleeper{}
	f := New(srv.Client())
	f.sleep = rec.sleep

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := f.Do(context.Background(), req, DefaultRetryConfig)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 4, calls.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestDoElapsedDelayMatchesSchedule(t *testing.T) {
	srv, _ := statusSequence(t, 429, 429, 429, 200)
	f := New(srv.Client())
	rc := RetryConfig{MaxRetries: 3, InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	start := time.Now()
	resp, err := f.Do(context.Background(), req, rc)
	require.NoError(t, err)
	resp.Body.Close()

	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestDoReturnsFinal429(t *testing.T) {
	srv, calls := statusSequence(t, 429)
	rec := &recordingSleeper{}
	f := New(srv.Client())
	f.sleep = rec.sleep

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := f.Do(context.Background(), req, DefaultRetryConfig)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.EqualValues(t, 4, calls.Load())
	require.Len(t, rec.delays, 3)
}

func TestDoNon429ReturnsImmediately(t *testing.T) {
	srv, calls := statusSequence(t, 500, 200)
	rec := &recordingSleeper{}
	f := New(srv.Client())
	f.sleep = rec.sleep

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := f.Do(context.Background(), req, DefaultRetryConfig)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.EqualValues(t, 1, calls.Load())
	require.Empty(t, rec.delays)
}

func TestDoDelayCappedAtMax(t *testing.T) {
	srv, _ := statusSequence(t, 429)
	rec := &recordingSleeper{}
	f := New(srv.Client())
	f.sleep = rec.sleep
	rc := RetryConfig{MaxRetries: 5, InitialDelay: 10 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := f.Do(context.Background(), req, rc)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}, rec.delays)
}

func TestDoNetworkErrorExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	rec := &recordingSleeper{}
	f := New(nil)
	f.sleep = rec.sleep

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	_, err = f.Do(context.Background(), req, DefaultRetryConfig)
	require.Error(t, err)
	require.Len(t, rec.delays, 3)
}

func TestDoReplaysBody(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := New(srv.Client())
	f.sleep = (&recordingSleeper{}).sleep
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte(`{"q":"cats"}`)))
	require.NoError(t, err)
	resp, err := f.Do(context.Background(), req, DefaultRetryConfig)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, []string{`{"q":"cats"}`, `{"q":"cats"}`}, bodies)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	srv, _ := statusSequence(t, 429)
	f := New(srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = f.Do(ctx, req, RetryConfig{MaxRetries: 3, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Second})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPacingLimitsPerHost(t *testing.T) {
	srv, calls := statusSequence(t, 200)
	f := New(srv.Client(), WithPacing(20, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := f.Do(context.Background(), req, DefaultRetryConfig)
		require.NoError(t, err)
		resp.Body.Close()
	}
	require.EqualValues(t, 3, calls.Load())
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
