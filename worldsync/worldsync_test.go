package worldsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/players/p1/sync", r.URL.Path)
		json.NewEncoder(w).Encode(Result{Success: true, ServerVersion: "2.0.1", Timestamp: time.Now()})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second, 0)
	res, err := client.ForceSynchronization(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "2.0.1", res.ServerVersion)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Result{Success: true, ServerVersion: "v"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second, 3)
	_, err := client.ForceSynchronization(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second, 3)
	_, err := client.ForceSynchronization(context.Background(), "p1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{Success: false})
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second, 0).ForceSynchronization(context.Background(), "p1")
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	res, err := Noop{}.ForceSynchronization(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}
