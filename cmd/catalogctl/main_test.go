package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	body   map[string]interface{}
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.reqs...)
}

func fakeServer(t *testing.T, status int, response string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := recordedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			assert.NoError(t, json.Unmarshal(data, &req.body))
		}
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, req)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSchedulerCommands(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"scheduler", "init-all"}, http.MethodPost, "/api/v1/scheduler/init-all"},
		{[]string{"scheduler", "stop-all"}, http.MethodPost, "/api/v1/scheduler/stop-all"},
		{[]string{"scheduler", "reconcile"}, http.MethodPost, "/api/v1/scheduler/reconcile"},
		{[]string{"scheduler", "health"}, http.MethodGet, "/api/v1/scheduler/health"},
		{[]string{"seller", "schedule", "7"}, http.MethodPost, "/api/v1/sellers/7/schedule"},
		{[]string{"seller", "unschedule", "7"}, http.MethodDelete, "/api/v1/sellers/7/schedule"},
		{[]string{"jobs", "get", "job-1"}, http.MethodGet, "/api/v1/jobs/job-1"},
		{[]string{"jobs", "progress", "job-1"}, http.MethodGet, "/api/v1/jobs/job-1/progress"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			srv, got := fakeServer(t, http.StatusOK, `{"ok":true}`)
			out, err := run(t, append([]string{"--server", srv.URL}, tt.args...)...)
			require.NoError(t, err)
			reqs := got.all()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.method, reqs[0].method)
			assert.Equal(t, tt.path, reqs[0].path)
			assert.Contains(t, out, `"ok": true`)
		})
	}
}

func TestSubmitSendsJobConfig(t *testing.T) {
	srv, got := fakeServer(t, http.StatusCreated, `{"job_id":"abc","status":"waiting"}`)

	_, err := run(t, "--server", srv.URL, "jobs", "submit", "--seller", "3", "--mode", "test", "--start-page", "2")
	require.NoError(t, err)

	reqs := got.all()
	require.Len(t, reqs, 1)
	body := reqs[0].body
	assert.EqualValues(t, 3, body["seller_id"])
	assert.Equal(t, "test", body["mode"])
	cfg := body["config"].(map[string]interface{})
	assert.EqualValues(t, 2, cfg["start_page"])
	assert.NotContains(t, cfg, "end_page")
}

func TestSubmitRequiresSeller(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "jobs", "submit")
	assert.EqualError(t, err, "--seller is required")
}

func TestListAndCancelFlags(t *testing.T) {
	srv, got := fakeServer(t, http.StatusOK, `[]`)

	_, err := run(t, "--server", srv.URL, "jobs", "list", "--seller", "4", "--status", "failed", "--limit", "5")
	require.NoError(t, err)
	_, err = run(t, "--server", srv.URL, "jobs", "cancel", "job-9", "--reason", "operator")
	require.NoError(t, err)

	reqs := got.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "limit=5&seller_id=4&status=failed", reqs[0].query)
	assert.Equal(t, "/api/v1/jobs/job-9/cancel", reqs[1].path)
	assert.Equal(t, "operator", reqs[1].body["reason"])
}

func TestServerErrorIsReturned(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusUnprocessableEntity, `{"error":"seller is inactive"}`)

	out, err := run(t, "--server", srv.URL, "seller", "schedule", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422 seller is inactive")
	assert.Contains(t, out, "seller is inactive")
}

func TestInvalidSellerID(t *testing.T) {
	_, err := run(t, "seller", "schedule", "abc")
	assert.EqualError(t, err, `invalid seller id "abc"`)
}

func TestSitesValidate(t *testing.T) {
	out, err := run(t, "sites", "validate", filepath.Join("..", "..", "configs", "sites.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "seedvault")
	assert.Contains(t, out, "growhouse")
	assert.Contains(t, out, "ldshop")

	bad := filepath.Join(t.TempDir(), "sites.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sites: []"), 0o644))
	_, err = run(t, "sites", "validate", bad)
	assert.Error(t, err)
}
