package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camprobe/internal/camera"
)

func newSession(t *testing.T, m *Metrics) *camera.Session {
	t.Helper()
	driver := camera.NewSyntheticDriver()
	session := camera.NewSession(camera.SessionConfig{
		Discovery: camera.NewMockDiscovery(0),
		Driver:    func(camera.DeviceInfo) (camera.Driver, error) { return driver, nil },
		Observer:  m,
	})
	_, err := session.Connect(context.Background(), 0)
	require.NoError(t, err)
	return session
}

func TestMetrics_Leases(t *testing.T) {
	m := New()
	session := newSession(t, m)

	l, err := session.AcquireLease(context.Background(), camera.Exclusive, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leasesHeld.WithLabelValues("exclusive")))

	_, err = session.AcquireLease(context.Background(), camera.Shared, 10*time.Millisecond)
	require.ErrorIs(t, err, camera.ErrTimeout)
	session.Release(l)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.leasesHeld.WithLabelValues("exclusive")))
	// exclusive/granted と shared/timeout の2系列
	assert.Equal(t, 2, testutil.CollectAndCount(m.leaseWait))
}

func TestMetrics_SessionCollector(t *testing.T) {
	m := New()
	session := newSession(t, m)
	require.NoError(t, m.WatchSession(session))

	l, err := session.AcquireLease(context.Background(), camera.Shared, time.Second)
	require.NoError(t, err)
	session.Release(l)

	expected := `
# HELP camprobe_session_connected Whether a camera is connected (1) or not (0).
# TYPE camprobe_session_connected gauge
camprobe_session_connected 1
# HELP camprobe_lease_events_total Lease lifecycle events.
# TYPE camprobe_lease_events_total counter
camprobe_lease_events_total{event="granted"} 1
camprobe_lease_events_total{event="released"} 1
camprobe_lease_events_total{event="revoked"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"camprobe_session_connected", "camprobe_lease_events_total"))

	session.Disconnect()
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP camprobe_session_connected Whether a camera is connected (1) or not (0).
# TYPE camprobe_session_connected gauge
camprobe_session_connected 0
`), "camprobe_session_connected"))
}

func TestMetrics_TestsRunsAndPreview(t *testing.T) {
	m := New()
	m.TestFinished("FrameRateTest", "PASS", 3*time.Second)
	m.TestFinished("FrameRateTest", "PASS", 2*time.Second)
	m.TestFinished("FocusTest", "SKIP", time.Second)
	m.RunFinished("completed")
	m.PreviewFrame("shown")
	m.PreviewFrame("skipped")
	m.PreviewFrame("shown")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tests.WithLabelValues("FrameRateTest", "PASS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tests.WithLabelValues("FocusTest", "SKIP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.previewFrames.WithLabelValues("shown")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLeaseWait("shared", "granted", time.Millisecond)
		m.AddLeasesHeld("shared", 1)
		m.TestFinished("x", "PASS", time.Second)
		m.RunFinished("completed")
		m.PreviewFrame("shown")
		_ = m.WatchSession(nil)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RunFinished("aborted")

	srv := httptest.NewServer(m.Handler(nil))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `camprobe_runs_total{state="aborted"} 1`)
}
