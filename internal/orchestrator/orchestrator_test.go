package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"camprobe/internal/camera"
	"camprobe/internal/catalog"
	"camprobe/internal/report"
)

type harness struct {
	session *camera.Session
	driver  *camera.SyntheticDriver
}

func newHarness(t *testing.T, connect bool) *harness {
	t.Helper()
	driver := camera.NewSyntheticDriver()
	session := camera.NewSession(camera.SessionConfig{
		Discovery: camera.NewMockDiscovery(0),
		Driver:    func(camera.DeviceInfo) (camera.Driver, error) { return driver, nil },
		Identity:  "WN-L2307k368 48MP BM",
	})
	if connect {
		_, err := session.Connect(context.Background(), 0)
		require.NoError(t, err)
	}
	return &harness{session: session, driver: driver}
}

func fastOptions(t *testing.T) catalog.Options {
	return catalog.Options{
		FrameRateWindow: 40 * time.Millisecond,
		PowerWindow:     20 * time.Millisecond,
		USBFrames:       3,
		SettleDelay:     time.Nanosecond,
		ImageDir:        t.TempDir(),
		Power: func(context.Context) (catalog.PowerInfo, error) {
			return catalog.PowerInfo{Percent: 50}, nil
		},
	}
}

func def(id string, ordinal int, kind camera.LeaseKind, timeout time.Duration, body catalog.Body) catalog.Definition {
	return catalog.Definition{ID: id, Name: id, Ordinal: ordinal, Lease: kind, Timeout: timeout, Body: body}
}

func passBody(context.Context, catalog.Device) (catalog.Outcome, error) {
	return catalog.Pass("ok", nil), nil
}

func captureBody(ctx context.Context, dev catalog.Device) (catalog.Outcome, error) {
	if _, err := dev.Capture(ctx); err != nil {
		return catalog.Outcome{}, err
	}
	return catalog.Pass("captured", nil), nil
}

func mustCatalog(t *testing.T, defs ...catalog.Definition) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(defs...)
	require.NoError(t, err)
	return c
}

func ids(rep *report.SuiteReport) []string {
	out := make([]string, len(rep.Results))
	for i, r := range rep.Results {
		out[i] = r.ID
	}
	return out
}

func assertConsistent(t *testing.T, rep *report.SuiteReport) {
	t.Helper()
	assert.True(t, rep.Sealed())
	assert.Equal(t, report.Tally(rep.Results), rep.Totals)
	assert.Len(t, rep.Results, len(rep.SelectedIDs))
	for i := 1; i < len(rep.Results); i++ {
		assert.False(t, rep.Results[i].Timestamp.Before(rep.Results[i-1].Timestamp))
	}
	assert.False(t, rep.RunEndedAt.Before(rep.RunStartedAt))
}

func TestRun_AllPassInCatalogOrder(t *testing.T) {
	h := newHarness(t, true)
	o := New(h.session, catalog.Default(fastOptions(t)), Config{}, WithLogger(zaptest.NewLogger(t)))

	rep, err := o.Run(context.Background(), Selection{
		IDs: []string{catalog.FrameRateTest, catalog.CameraDetection, catalog.ResolutionTest},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{catalog.CameraDetection, catalog.ResolutionTest, catalog.FrameRateTest}, ids(rep))
	assert.Equal(t, report.Summary{Passed: 3}, rep.Summary())
	assert.False(t, rep.Aborted)
	assert.Equal(t, "WN-L2307k368 48MP BM", rep.CameraIdentity)
	assert.Equal(t, 0, rep.ExitCode())
	assertConsistent(t, rep)

	assert.Equal(t, StateCompleted, o.Status().State)
	assert.Same(t, rep, o.Last())
	assert.Zero(t, h.session.Stats().Held())
}

func TestRun_DisconnectDuringFrameRate(t *testing.T) {
	h := newHarness(t, true)
	// CameraDetection が1枚、FrameRateTest の2枚目で切断される
	h.driver.FailAfter = 2
	o := New(h.session, catalog.Default(fastOptions(t)), Config{})

	rep, err := o.Run(context.Background(), Selection{
		IDs: []string{catalog.CameraDetection, catalog.FrameRateTest, catalog.CaptureImageTest},
	})
	require.NoError(t, err)

	require.Len(t, rep.Results, 3)
	assert.Equal(t, report.StatusPass, rep.Results[0].Status)
	assert.Equal(t, report.StatusError, rep.Results[1].Status)
	assert.Equal(t, MsgDisconnected, rep.Results[1].Message)
	assert.Equal(t, report.StatusSkip, rep.Results[2].Status)
	assert.True(t, rep.Aborted)
	assert.Equal(t, MsgDisconnected, rep.AbortReason)
	assert.Equal(t, report.Summary{Passed: 1, Errored: 1, Skipped: 1}, rep.Summary())
	assert.Equal(t, 1, rep.ExitCode())
	assertConsistent(t, rep)

	assert.Equal(t, StateAborted, o.Status().State)
	assert.False(t, h.session.Connected())
	assert.Zero(t, h.session.Stats().Held())
}

func TestRun_HangingTestTimesOut(t *testing.T) {
	h := newHarness(t, true)

	unblock := make(chan struct{})
	lateErr := make(chan error, 1)
	hang := func(ctx context.Context, dev catalog.Device) (catalog.Outcome, error) {
		<-unblock // ctx を無視して止まり続ける
		_, err := dev.Capture(context.Background())
		lateErr <- err
		return catalog.Pass("too late", nil), nil
	}

	var nextAcquired time.Time
	next := func(ctx context.Context, dev catalog.Device) (catalog.Outcome, error) {
		nextAcquired = time.Now()
		return captureBody(ctx, dev)
	}

	cat := mustCatalog(t,
		def(catalog.ExposureTest, 1, camera.Exclusive, 50*time.Millisecond, hang),
		def(catalog.ImageQualityTest, 2, camera.Shared, time.Second, next),
	)
	o := New(h.session, cat, Config{GracePeriod: 20 * time.Millisecond})

	start := time.Now()
	rep, err := o.Run(context.Background(), Selection{IDs: []string{catalog.ExposureTest, catalog.ImageQualityTest}})
	require.NoError(t, err)

	require.Len(t, rep.Results, 2)
	assert.Equal(t, report.StatusFail, rep.Results[0].Status)
	assert.Equal(t, MsgTimedOut, rep.Results[0].Message)
	assert.Equal(t, report.StatusPass, rep.Results[1].Status)
	assert.False(t, rep.Aborted)
	assert.Less(t, nextAcquired.Sub(start), time.Second)
	assertConsistent(t, rep)

	close(unblock)
	// 返却済みのリースでは操作できない
	assert.ErrorIs(t, <-lateErr, camera.ErrLeaseExpired)
	assert.Zero(t, h.session.Stats().Held())
}

func TestRun_CooperativeTimeout(t *testing.T) {
	h := newHarness(t, true)
	h.driver.FrameInterval = time.Second

	cat := mustCatalog(t, def("slow", 1, camera.Shared, 30*time.Millisecond, captureBody))
	o := New(h.session, cat, Config{GracePeriod: time.Second})

	rep, err := o.Run(context.Background(), Selection{IDs: []string{"slow"}})
	require.NoError(t, err)

	assert.Equal(t, report.StatusFail, rep.Results[0].Status)
	assert.Equal(t, MsgTimedOut, rep.Results[0].Message)
	assert.True(t, h.session.Connected())
}

func TestRun_TimeoutOverrides(t *testing.T) {
	h := newHarness(t, true)
	h.driver.FrameInterval = 100 * time.Millisecond

	cat := mustCatalog(t,
		def("a", 1, camera.Shared, time.Millisecond, captureBody),
		def("b", 2, camera.Shared, time.Millisecond, captureBody),
	)
	o := New(h.session, cat, Config{GracePeriod: 10 * time.Millisecond})

	rep, err := o.Run(context.Background(), Selection{
		IDs:       []string{"a", "b"},
		Timeout:   2 * time.Second,
		Overrides: map[string]time.Duration{"b": 10 * time.Millisecond},
	})
	require.NoError(t, err)

	assert.Equal(t, report.StatusPass, rep.Results[0].Status)
	assert.Equal(t, report.StatusFail, rep.Results[1].Status)
}

func TestRun_FaultsBecomeErrors(t *testing.T) {
	h := newHarness(t, true)

	cat := mustCatalog(t,
		def("boom", 1, camera.Shared, time.Second, func(context.Context, catalog.Device) (catalog.Outcome, error) {
			panic("sensor exploded")
		}),
		def("broken", 2, camera.Shared, time.Second, func(context.Context, catalog.Device) (catalog.Outcome, error) {
			return catalog.Outcome{}, errors.New("histogram failed")
		}),
		def("bogus", 3, camera.Shared, time.Second, func(context.Context, catalog.Device) (catalog.Outcome, error) {
			return catalog.Outcome{Status: "MAYBE"}, nil
		}),
		def("fine", 4, camera.Exclusive, time.Second, passBody),
	)
	o := New(h.session, cat, Config{})

	rep, err := o.Run(context.Background(), Selection{IDs: []string{"boom", "broken", "bogus", "fine"}})
	require.NoError(t, err)

	require.Len(t, rep.Results, 4)
	assert.Equal(t, report.StatusError, rep.Results[0].Status)
	assert.Contains(t, rep.Results[0].Message, "sensor exploded")
	assert.Equal(t, report.StatusError, rep.Results[1].Status)
	assert.Equal(t, "histogram failed", rep.Results[1].Message)
	assert.Equal(t, report.StatusError, rep.Results[2].Status)
	assert.Equal(t, report.StatusPass, rep.Results[3].Status)
	assert.False(t, rep.Aborted)
	assert.Equal(t, 0, rep.ExitCode())
	assert.Zero(t, h.session.Stats().Held())
}

func TestRun_UnknownIDs(t *testing.T) {
	h := newHarness(t, true)
	cat := mustCatalog(t, def("a", 1, camera.Shared, time.Second, passBody))
	o := New(h.session, cat, Config{})

	rep, err := o.Run(context.Background(), Selection{IDs: []string{"zzz", "a", "a", "yyy"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"zzz", "a", "yyy"}, rep.SelectedIDs)
	assert.Equal(t, []string{"a", "zzz", "yyy"}, ids(rep))
	assert.Equal(t, MsgUnknownTest, rep.Results[1].Message)
	assert.Equal(t, report.Summary{Passed: 1, Errored: 2}, rep.Summary())
	assertConsistent(t, rep)
}

func TestRun_StopSkipsRemaining(t *testing.T) {
	h := newHarness(t, true)

	started := make(chan struct{})
	release := make(chan struct{})
	cat := mustCatalog(t,
		def("first", 1, camera.Shared, time.Second, func(ctx context.Context, dev catalog.Device) (catalog.Outcome, error) {
			close(started)
			<-release
			return captureBody(ctx, dev)
		}),
		def("second", 2, camera.Shared, time.Second, passBody),
		def("third", 3, camera.Exclusive, time.Second, passBody),
	)
	o := New(h.session, cat, Config{})

	done := make(chan *report.SuiteReport, 1)
	go func() {
		rep, err := o.Run(context.Background(), Selection{IDs: []string{"first", "second", "third"}})
		assert.NoError(t, err)
		done <- rep
	}()

	<-started
	assert.Equal(t, "first", o.Status().Current)
	assert.True(t, o.Stop())
	assert.False(t, o.Stop(), "second stop is a no-op")
	close(release)

	rep := <-done
	assert.Equal(t, report.StatusPass, rep.Results[0].Status, "current test finishes")
	assert.Equal(t, report.StatusSkip, rep.Results[1].Status)
	assert.Equal(t, report.StatusSkip, rep.Results[2].Status)
	assert.True(t, rep.Aborted)
	assert.Equal(t, MsgCanceled, rep.AbortReason)
	assertConsistent(t, rep)
}

func TestRun_StopDuringLastTest(t *testing.T) {
	h := newHarness(t, true)

	started := make(chan struct{})
	release := make(chan struct{})
	cat := mustCatalog(t,
		def("a", 1, camera.Shared, time.Second, passBody),
		def("b", 2, camera.Shared, time.Second, func(ctx context.Context, dev catalog.Device) (catalog.Outcome, error) {
			close(started)
			<-release
			return captureBody(ctx, dev)
		}),
	)
	o := New(h.session, cat, Config{})

	done := make(chan *report.SuiteReport, 1)
	go func() {
		rep, err := o.Run(context.Background(), Selection{IDs: []string{"a", "b"}})
		assert.NoError(t, err)
		done <- rep
	}()

	<-started
	require.True(t, o.Stop())
	close(release)

	rep := <-done
	assert.Equal(t, report.StatusPass, rep.Results[1].Status, "current test finishes")
	assert.True(t, rep.Aborted)
	assert.Equal(t, MsgCanceled, rep.AbortReason)
	assert.Equal(t, StateAborted, o.Status().State)
	assert.Equal(t, 1, rep.ExitCode())
	assertConsistent(t, rep)
}

func TestRun_ContextCanceledDuringOnlyTest(t *testing.T) {
	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cat := mustCatalog(t,
		def("only", 1, camera.Shared, time.Second, func(context.Context, catalog.Device) (catalog.Outcome, error) {
			cancel()
			return catalog.Pass("ok", nil), nil
		}),
	)
	o := New(h.session, cat, Config{})

	rep, err := o.Run(ctx, Selection{IDs: []string{"only"}})
	require.NoError(t, err)
	assert.Equal(t, report.StatusPass, rep.Results[0].Status)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 1, rep.ExitCode())
}

func TestRun_ContextCanceledBetweenTests(t *testing.T) {
	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cat := mustCatalog(t,
		def("first", 1, camera.Shared, time.Second, func(c context.Context, dev catalog.Device) (catalog.Outcome, error) {
			cancel()
			// 実行中のテストのコンテキストはキャンセルされない
			if c.Err() != nil {
				return catalog.Outcome{}, c.Err()
			}
			return captureBody(c, dev)
		}),
		def("second", 2, camera.Shared, time.Second, passBody),
	)
	o := New(h.session, cat, Config{})

	rep, err := o.Run(ctx, Selection{IDs: []string{"first", "second"}})
	require.NoError(t, err)

	assert.Equal(t, report.StatusPass, rep.Results[0].Status)
	assert.Equal(t, report.StatusSkip, rep.Results[1].Status)
	assert.True(t, rep.Aborted)
}

func TestRun_NotConnected(t *testing.T) {
	h := newHarness(t, false)
	o := New(h.session, catalog.Default(fastOptions(t)), Config{})

	rep, err := o.Run(context.Background(), Selection{IDs: []string{catalog.CameraDetection, catalog.ImageQualityTest}})
	require.NoError(t, err)

	assert.Equal(t, report.StatusError, rep.Results[0].Status)
	assert.Equal(t, MsgDisconnected, rep.Results[0].Message)
	assert.Equal(t, report.StatusSkip, rep.Results[1].Status)
	assert.True(t, rep.Aborted)
}

func TestRun_LeaseTimeoutIsError(t *testing.T) {
	h := newHarness(t, true)
	blocker, err := h.session.AcquireLease(context.Background(), camera.Exclusive, time.Second)
	require.NoError(t, err)
	defer h.session.Release(blocker)

	cat := mustCatalog(t,
		def("a", 1, camera.Shared, 20*time.Millisecond, passBody),
		def("b", 2, camera.Shared, 20*time.Millisecond, passBody),
	)
	o := New(h.session, cat, Config{})

	rep, err := o.Run(context.Background(), Selection{IDs: []string{"a", "b"}})
	require.NoError(t, err)

	for _, r := range rep.Results {
		assert.Equal(t, report.StatusError, r.Status)
		assert.Contains(t, r.Message, "lease not acquired")
	}
	assert.False(t, rep.Aborted, "acquisition failures do not abort the run")
}

func TestRun_RefusedWhileRunning(t *testing.T) {
	h := newHarness(t, true)

	started := make(chan struct{})
	release := make(chan struct{})
	cat := mustCatalog(t, def("a", 1, camera.Shared, time.Second, func(context.Context, catalog.Device) (catalog.Outcome, error) {
		close(started)
		<-release
		return catalog.Pass("ok", nil), nil
	}))
	o := New(h.session, cat, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(context.Background(), Selection{IDs: []string{"a"}})
	}()
	<-started

	_, err := o.Run(context.Background(), Selection{IDs: []string{"a"}})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	<-done

	// 終了後は再び実行できる
	release = make(chan struct{})
	close(release)
	started = make(chan struct{})
	_, err = o.Run(context.Background(), Selection{IDs: []string{"a"}})
	assert.NoError(t, err)
}

func TestRun_SummaryConsistentDuringRun(t *testing.T) {
	h := newHarness(t, true)

	var o *Orchestrator
	var mu sync.Mutex
	var snapshots []Snapshot
	observe := func(status report.Status) catalog.Body {
		return func(context.Context, catalog.Device) (catalog.Outcome, error) {
			mu.Lock()
			snapshots = append(snapshots, o.Status())
			mu.Unlock()
			return catalog.Outcome{Status: status, Message: string(status)}, nil
		}
	}

	cat := mustCatalog(t,
		def("a", 1, camera.Shared, time.Second, observe(report.StatusPass)),
		def("b", 2, camera.Shared, time.Second, observe(report.StatusFail)),
		def("c", 3, camera.Exclusive, time.Second, observe(report.StatusSkip)),
		def("d", 4, camera.Shared, time.Second, observe(report.StatusPass)),
	)
	o = New(h.session, cat, Config{})

	rep, err := o.Run(context.Background(), Selection{IDs: []string{"a", "b", "c", "d"}})
	require.NoError(t, err)

	require.Len(t, snapshots, 4)
	for i, s := range snapshots {
		assert.Equal(t, StateRunning, s.State)
		assert.Len(t, s.Report.Results, i)
		assert.Equal(t, report.Tally(s.Report.Results), s.Report.Totals)
	}
	assert.Equal(t, report.Summary{Passed: 2, Failed: 1, Skipped: 1}, rep.Summary())
	assert.Equal(t, 1, rep.ExitCode())
}

// 障害注入したランダムな実行を繰り返してもリースが漏れない
func TestRun_NoLeaseLeakUnderFaults(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := newHarness(t, true)

	faulty := func(kind int) catalog.Body {
		return func(ctx context.Context, dev catalog.Device) (catalog.Outcome, error) {
			switch kind {
			case 0:
				return captureBody(ctx, dev)
			case 1:
				return catalog.Outcome{}, errors.New("driver hiccup")
			case 2:
				panic("unexpected")
			case 3:
				h.driver.Unplug()
				return captureBody(ctx, dev)
			default:
				<-ctx.Done()
				return catalog.Outcome{}, ctx.Err()
			}
		}
	}

	for run := 0; run < 1000; run++ {
		if !h.session.Connected() {
			_, err := h.session.Connect(context.Background(), 0)
			require.NoError(t, err)
		}

		n := 1 + rng.Intn(4)
		defs := make([]catalog.Definition, n)
		selection := make([]string, n)
		for i := range defs {
			kind := camera.Shared
			if rng.Intn(2) == 0 {
				kind = camera.Exclusive
			}
			fault := rng.Intn(12)
			if fault > 4 {
				fault = 0
			}
			id := fmt.Sprintf("t%d", i)
			defs[i] = def(id, i, kind, 5*time.Millisecond, faulty(fault))
			selection[i] = id
		}

		o := New(h.session, mustCatalog(t, defs...), Config{GracePeriod: time.Millisecond})
		rep, err := o.Run(context.Background(), Selection{IDs: selection})
		require.NoError(t, err)

		require.Len(t, rep.Results, n, "run %d", run)
		require.Equal(t, report.Tally(rep.Results), rep.Totals, "run %d", run)
		st := h.session.Stats()
		require.Zero(t, st.Held(), "run %d: %+v", run, st)
		require.Zero(t, st.Waiting, "run %d", run)
	}
}

func TestStart_RunsInBackground(t *testing.T) {
	h := newHarness(t, true)
	release := make(chan struct{})
	cat := mustCatalog(t,
		def("a", 1, camera.Shared, time.Second, func(ctx context.Context, dev catalog.Device) (catalog.Outcome, error) {
			<-release
			return captureBody(ctx, dev)
		}),
		def("b", 2, camera.Exclusive, time.Second, passBody),
	)
	o := New(h.session, cat, Config{})

	done := make(chan *report.SuiteReport, 1)
	runID, err := o.Start(context.Background(), Selection{IDs: []string{"a", "b"}}, func(r *report.SuiteReport) { done <- r })
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	s := o.Status()
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, runID, s.RunID)

	_, err = o.Start(context.Background(), Selection{IDs: []string{"a"}}, nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	rep := <-done
	assert.Equal(t, runID, rep.RunID)
	assert.Equal(t, report.Summary{Passed: 2}, rep.Summary())
	assertConsistent(t, rep)
}
