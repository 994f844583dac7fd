package render

import (
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"time"

	"camprobe/internal/report"
)

var pageTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.Format(time.RFC3339) },
	"statusClass": func(s report.Status) string {
		switch s {
		case report.StatusPass:
			return "pass"
		case report.StatusFail:
			return "fail"
		case report.StatusError:
			return "error"
		default:
			return "skip"
		}
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Camera test report {{.Report.RunID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; width: 100%; margin-bottom: 1.5em; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; vertical-align: top; }
.pass { color: #2e7d32; font-weight: bold; }
.fail { color: #c62828; font-weight: bold; }
.error { color: #ef6c00; font-weight: bold; }
.skip { color: #757575; }
.aborted { background: #fff3e0; padding: 8px; border: 1px solid #ef6c00; }
.charts { display: flex; gap: 1em; }
.charts > div { flex: 1; }
dl { margin: 0; } dt { font-weight: bold; display: inline; } dd { display: inline; margin: 0 1em 0 .3em; }
</style>
</head>
<body>
<h1>Camera test report</h1>
<table>
<tr><th>Camera</th><td>{{.Report.CameraIdentity}}</td></tr>
<tr><th>Run</th><td>{{.Report.RunID}}</td></tr>
<tr><th>Started</th><td>{{ts .Report.RunStartedAt}}</td></tr>
<tr><th>Ended</th><td>{{ts .Report.RunEndedAt}}</td></tr>
<tr><th>Summary</th><td>passed {{.Summary.Passed}}, failed {{.Summary.Failed}}, skipped {{.Summary.Skipped}}, errored {{.Summary.Errored}} of {{.Summary.Total}}</td></tr>
</table>
{{if .Report.Aborted}}<p class="aborted">Run aborted: {{.Report.AbortReason}}</p>{{end}}
<div class="charts">
<div>{{.SummaryChart}}</div>
<div>{{.DurationChart}}</div>
</div>
<h2>Results</h2>
<table>
<tr><th>Test</th><th>Status</th><th>Message</th><th>Duration</th><th>Details</th></tr>
{{range .Report.Results}}<tr>
<td>{{.ID}}{{if .Name}}<br><small>{{.Name}}</small>{{end}}</td>
<td class="{{statusClass .Status}}">{{.Status}}</td>
<td>{{.Message}}</td>
<td>{{.DurationMS}} ms</td>
<td>{{if .Details}}<dl>{{range .Details}}<dt>{{.Name}}</dt><dd>{{.Value}}</dd>{{end}}</dl>{{end}}</td>
</tr>
{{end}}</table>
{{range .Images}}<figure>
{{if .Data}}<img src="{{.Data}}" alt="{{.Ref}}">{{end}}
<figcaption>{{.Ref}}</figcaption>
</figure>
{{end}}
</body>
</html>
`))

type htmlImage struct {
	Ref  string
	Data template.URL
}

type htmlPage struct {
	Report        *report.SuiteReport
	Summary       report.Summary
	SummaryChart  template.HTML
	DurationChart template.HTML
	Images        []htmlImage
}

// HTML は封印済みのレポートをHTMLページとして書き出す。
// 保存された画像は縮小してページに埋め込む。
func HTML(w io.Writer, r *report.SuiteReport) error {
	if !r.Sealed() {
		return report.ErrNotSealed
	}

	summary, err := summaryChart(r)
	if err != nil {
		return fmt.Errorf("failed to render summary chart: %w", err)
	}
	durations, err := durationChart(r)
	if err != nil {
		return fmt.Errorf("failed to render duration chart: %w", err)
	}

	page := htmlPage{
		Report:        r,
		Summary:       r.Summary(),
		SummaryChart:  template.HTML(summary),
		DurationChart: template.HTML(durations),
	}
	for _, res := range r.Results {
		if res.ImageRef == "" {
			continue
		}
		data, err := thumbnail(res.ImageRef, 640, 480)
		if err != nil {
			// 画像が移動されていてもレポートは出力する
			page.Images = append(page.Images, htmlImage{Ref: res.ImageRef})
			continue
		}
		page.Images = append(page.Images, htmlImage{
			Ref:  res.ImageRef,
			Data: template.URL("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)),
		})
	}

	return pageTemplate.Execute(w, page)
}
