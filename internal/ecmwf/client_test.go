package ecmwf

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chpolste/ecmwf-api-futures/pkg/futures"
)

// apiStub is a minimal in-memory rendition of the Web API request
// lifecycle for a single request resource.
type apiStub struct {
	mu       sync.Mutex
	status   string
	messages []string
	payload  []byte

	submits int
	deletes int
	polls   int
	auth    http.Header
}

func (s *apiStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/datasets/era5/requests", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.submits++
		s.auth = r.Header.Clone()
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "era5", body["dataset"])
		json.NewEncoder(w).Encode(map[string]any{"name": "req-1", "status": s.status})
	})
	mux.HandleFunc("GET /v1/datasets/era5/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.polls++
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		msgs := s.messages
		if offset < len(msgs) {
			msgs = msgs[offset:]
		} else {
			msgs = nil
		}
		resp := map[string]any{"name": "req-1", "status": s.status, "messages": msgs}
		if s.status == "complete" {
			resp["href"] = "http://" + r.Host + "/v1/results/req-1"
			resp["size"] = len(s.payload)
			resp["type"] = "application/x-grib"
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /v1/results/req-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(s.payload)
	})
	mux.HandleFunc("DELETE /v1/datasets/era5/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deletes++
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(t *testing.T, baseURL string) *Client {
	client, err := NewClient(Options{
		BaseURL:      baseURL + "/v1",
		Key:          "secret-key",
		Email:        "user@example.org",
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestClient_RequestLifecycle(t *testing.T) {
	stub := &apiStub{status: "queued", payload: []byte("GRIB data")}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	handle, err := client.Submit(ctx, map[string]string{"dataset": "era5", "param": "2t"})
	require.NoError(t, err)
	assert.Contains(t, string(handle), "/v1/datasets/era5/requests/req-1")

	update, err := client.Poll(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, futures.JobStatusQueued, update.Status)

	stub.mu.Lock()
	stub.status = "active"
	stub.messages = []string{"Request is active"}
	stub.mu.Unlock()

	update, err = client.Poll(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, futures.JobStatusActive, update.Status)
	assert.Equal(t, []string{"Request is active"}, update.Messages)

	stub.mu.Lock()
	stub.status = "complete"
	stub.messages = []string{"Request is active", "Request is complete"}
	stub.mu.Unlock()

	update, err = client.Poll(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, futures.JobStatusComplete, update.Status)
	assert.Equal(t, []string{"Request is complete"}, update.Messages,
		"messages already delivered must not be repeated")

	target := filepath.Join(t.TempDir(), "out.grib")
	result, err := client.Fetch(ctx, handle, target)
	require.NoError(t, err)
	assert.Equal(t, target, result.Path)
	assert.Equal(t, int64(len("GRIB data")), result.Size)
	assert.Equal(t, "application/x-grib", result.ContentType)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "GRIB data", string(content))
	_, err = os.Stat(target + ".part")
	assert.True(t, os.IsNotExist(err), "temporary download file must be gone")

	_, tracked := client.offsets.Get(string(handle))
	assert.False(t, tracked, "message offset must be released after fetch")
}

func TestClient_AuthenticationHeaders(t *testing.T) {
	stub := &apiStub{status: "queued"}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Submit(context.Background(), map[string]string{"dataset": "era5"})
	require.NoError(t, err)

	assert.Equal(t, "secret-key", stub.auth.Get("X-ECMWF-KEY"))
	assert.Equal(t, "user@example.org", stub.auth.Get("From"))
}

func TestClient_Cancel(t *testing.T) {
	stub := &apiStub{status: "active"}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	handle, err := client.Submit(ctx, map[string]string{"dataset": "era5"})
	require.NoError(t, err)
	require.NoError(t, client.Cancel(ctx, handle))
	assert.Equal(t, 1, stub.deletes)
}

func TestClient_RemoteFailureStatus(t *testing.T) {
	stub := &apiStub{status: "aborted", messages: []string{"request aborted by server"}}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	handle, err := client.Submit(ctx, map[string]string{"dataset": "era5"})
	require.NoError(t, err)

	update, err := client.Poll(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, futures.JobStatusFailed, update.Status)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var failures int32 = 2
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if int32(calls) <= failures {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "req-1", "status": "queued"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	handle, err := client.Submit(context.Background(), map[string]string{"dataset": "era5"})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, 3, calls)
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid api key"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Submit(context.Background(), map[string]string{"dataset": "era5"})

	var adapterErr *futures.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "submit", adapterErr.Op)
	assert.ErrorContains(t, err, "invalid api key")
	assert.Equal(t, 1, calls)
}

func TestClient_SubmitRejectsMalformedSpec(t *testing.T) {
	client := newTestClient(t, "http://localhost:0")

	_, err := client.Submit(context.Background(), map[string]string{"class": "od"})
	var adapterErr *futures.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "submit", adapterErr.Op)
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "https://api.ecmwf.int/v1"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
