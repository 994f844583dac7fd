package render

import (
	"bytes"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"camprobe/internal/report"
)

// chartRenderer は自分自身を書き出せるチャート
type chartRenderer interface {
	Render(w io.Writer) error
}

func renderToString(c chartRenderer) (string, error) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// summaryChart は状態ごとの件数の円グラフ
func summaryChart(r *report.SuiteReport) (string, error) {
	s := r.Summary()
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Summary"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithInitializationOpts(opts.Initialization{
			Height: "280px",
			Width:  "100%",
		}),
	)

	data := []opts.PieData{
		{Name: string(report.StatusPass), Value: s.Passed, ItemStyle: &opts.ItemStyle{Color: "#2e7d32"}},
		{Name: string(report.StatusFail), Value: s.Failed, ItemStyle: &opts.ItemStyle{Color: "#c62828"}},
		{Name: string(report.StatusSkip), Value: s.Skipped, ItemStyle: &opts.ItemStyle{Color: "#9e9e9e"}},
		{Name: string(report.StatusError), Value: s.Errored, ItemStyle: &opts.ItemStyle{Color: "#ef6c00"}},
	}
	pie.AddSeries("results", data).
		SetSeriesOptions(charts.WithPieChartOpts(opts.PieChart{Radius: []string{"40%", "70%"}}))

	return renderToString(pie)
}

// durationChart はテストごとの所要時間の棒グラフ
func durationChart(r *report.SuiteReport) (string, error) {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Duration (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithInitializationOpts(opts.Initialization{
			Height: "280px",
			Width:  "100%",
		}),
	)

	xAxis := make([]string, len(r.Results))
	durations := make([]opts.BarData, len(r.Results))
	for i, res := range r.Results {
		xAxis[i] = res.ID
		durations[i] = opts.BarData{Value: res.DurationMS}
	}

	bar.SetXAxis(xAxis).AddSeries("durationMs", durations)
	return renderToString(bar)
}
