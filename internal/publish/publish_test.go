package publish

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camprobe/internal/report"
)

func sealedReport(t *testing.T) *report.SuiteReport {
	t.Helper()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := report.New("run-42", "cam", []string{"CameraDetection"}, t0)
	require.NoError(t, r.Append(report.TestResult{ID: "CameraDetection", Status: report.StatusPass, Timestamp: t0}))
	r.Seal(t0.Add(time.Second))
	return r
}

func TestPublish_PostsSealedJSON(t *testing.T) {
	var got []byte
	var auth, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		key = r.Header.Get("Idempotency-Key")
		got, _ = io.ReadAll(r.Body)
		w.Header().Set("Location", "/reports/run-42")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rep := sealedReport(t)
	c := New(Config{URL: srv.URL + "/reports", Token: "s3cret"}, nil)
	receipt, err := c.Publish(context.Background(), rep)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, receipt.StatusCode)
	assert.Equal(t, "/reports/run-42", receipt.Location)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "run-42", key)

	back, err := report.FromJSON(got)
	require.NoError(t, err)
	assert.Equal(t, rep.Summary(), back.Summary())
}

func TestPublish_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Retries: 3}, nil)
	c.HTTP.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	_, err := c.Publish(context.Background(), sealedReport(t))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPublish_ClientErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "schema mismatch", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Retries: 2}, nil)
	receipt, err := c.Publish(context.Background(), sealedReport(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema mismatch")
	assert.Equal(t, http.StatusUnprocessableEntity, receipt.StatusCode)
}

func TestPublish_RejectsUnsealed(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1"}, nil)
	_, err := c.Publish(context.Background(), report.New("r", "cam", nil, time.Now()))
	assert.ErrorIs(t, err, report.ErrNotSealed)
}
