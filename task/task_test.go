package task

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupAndNew(t *testing.T) {
	f, ok := Lookup("sleep")
	require.True(t, ok)
	require.NotNil(t, f)

	_, err := New("does-not-exist", "")
	assert.Error(t, err)
}

func TestSleepTask(t *testing.T) {
	tk, err := New("sleep", "5ms")
	require.NoError(t, err)
	res := tk.Execute(context.Background())
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.Latency, 5*time.Millisecond)
}

func TestSleepTaskInvalidDuration(t *testing.T) {
	_, err := New("sleep", "not-a-duration")
	assert.Error(t, err)

	_, err = New("sleep", "-1s")
	assert.Error(t, err)
}

func TestSleepTaskContextCancelled(t *testing.T) {
	tk, err := New("sleep", "1h")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := tk.Execute(ctx)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestHashTask(t *testing.T) {
	tk, err := New("hash", "1024")
	require.NoError(t, err)
	res := tk.Execute(context.Background())
	assert.True(t, res.Success)
	assert.EqualValues(t, 32, res.BytesProcessed)
}

func TestHashTaskInvalidParam(t *testing.T) {
	_, err := New("hash", "abc")
	assert.Error(t, err)

	_, err = New("hash", "0")
	assert.Error(t, err)
}

func TestHTTPTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tk, err := New("http", srv.URL)
	require.NoError(t, err)
	res := tk.Execute(context.Background())
	assert.True(t, res.Success)
	assert.EqualValues(t, 2, res.BytesProcessed)
}

func TestHTTPTaskErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tk, err := New("http", srv.URL)
	require.NoError(t, err)
	res := tk.Execute(context.Background())
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestHTTPTaskEmptyURL(t *testing.T) {
	_, err := New("http", "   ")
	assert.Error(t, err)
}

func TestScrapeTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><h1>Hello</h1><p>World</p></body></html>`))
	}))
	defer srv.Close()

	tk, err := New("scrape", srv.URL)
	require.NoError(t, err)
	res := tk.Execute(context.Background())
	assert.True(t, res.Success)
	assert.Greater(t, res.BytesProcessed, int64(0))
}
