package render

import (
	"bytes"
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camprobe/internal/report"
)

func sampleReport(t *testing.T, imageRef string) *report.SuiteReport {
	t.Helper()
	t0 := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	r := report.New("run-7", "WN-L2307k368 48MP BM (/dev/video0)", []string{"CameraDetection", "FrameRateTest", "CaptureImageTest"}, t0)

	var d report.Details
	d.Set("measured_fps", report.Num(7.91))
	d.Set("resolution", report.Str("8000x6000"))
	d.Set("note", report.Str("カメラ <b>"))

	require.NoError(t, r.Append(report.TestResult{ID: "CameraDetection", Name: "Camera Detection", Status: report.StatusPass, Message: "camera detected", Timestamp: t0, DurationMS: 120}))
	require.NoError(t, r.Append(report.TestResult{ID: "FrameRateTest", Name: "Frame Rate Test", Status: report.StatusError, Message: "device disconnected", Timestamp: t0, DurationMS: 3000, Details: d}))
	require.NoError(t, r.Append(report.TestResult{ID: "CaptureImageTest", Status: report.StatusSkip, Message: "not run: device disconnected", Timestamp: t0, ImageRef: imageRef}))
	r.Abort("device disconnected")
	r.Seal(t0.Add(4 * time.Second))
	return r
}

func writeImage(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "test_image.jpg")
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, HTML(&buf, sampleReport(t, writeImage(t))))
	s := buf.String()

	assert.True(t, strings.HasPrefix(s, "<!DOCTYPE html>"))
	assert.Contains(t, s, "run-7")
	assert.Contains(t, s, "WN-L2307k368 48MP BM (/dev/video0)")
	assert.Contains(t, s, "Run aborted: device disconnected")
	assert.Contains(t, s, `class="error">ERROR`)
	assert.Contains(t, s, "measured_fps")
	assert.Contains(t, s, "echarts")
	assert.Contains(t, s, "data:image/jpeg;base64,")
	// 詳細の値はエスケープされる
	assert.Contains(t, s, "カメラ &lt;b&gt;")
	assert.NotContains(t, s, "カメラ <b>")
}

func TestHTML_MissingImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, HTML(&buf, sampleReport(t, "/nonexistent/test_image.jpg")))
	assert.Contains(t, buf.String(), "/nonexistent/test_image.jpg")
	assert.NotContains(t, buf.String(), "data:image/jpeg")
}

func TestPDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PDF(&buf, sampleReport(t, writeImage(t))))

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
	assert.Greater(t, buf.Len(), 1000)
}

func TestPDF_MissingImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PDF(&buf, sampleReport(t, "/nonexistent/test_image.jpg")))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}

func TestRenderers_RejectUnsealed(t *testing.T) {
	r := report.New("run", "cam", nil, time.Now())
	assert.ErrorIs(t, HTML(&bytes.Buffer{}, r), report.ErrNotSealed)
	assert.ErrorIs(t, PDF(&bytes.Buffer{}, r), report.ErrNotSealed)
}

func TestLatin1(t *testing.T) {
	assert.Equal(t, "café ???", latin1("café カメラ"))
}
