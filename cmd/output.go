package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"camprobe/internal/render"
	"camprobe/internal/report"
)

// formatOf は出力ファイルの拡張子から形式を決める
func formatOf(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return "json", nil
	case ".html", ".htm":
		return "html", nil
	case ".pdf":
		return "pdf", nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use .json, .html or .pdf)", ext)
	}
}

// renderReport はレポートを指定の形式で書き出す
func renderReport(w io.Writer, format string, rep *report.SuiteReport) error {
	switch format {
	case "json":
		data, err := rep.ToJSON()
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return err
	case "html":
		return render.HTML(w, rep)
	case "pdf":
		return render.PDF(w, rep)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// writeReportFile はレポートをファイルに保存する
func writeReportFile(path string, rep *report.SuiteReport) error {
	format, err := formatOf(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("出力ディレクトリを作成できません: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("出力ファイルを作成できません: %w", err)
	}
	if err := renderReport(f, format, rep); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// printSummary はレポートを表形式で出力する
func printSummary(w io.Writer, rep *report.SuiteReport) {
	fmt.Fprintf(w, "Run:    %s\n", rep.RunID)
	fmt.Fprintf(w, "Camera: %s\n\n", rep.CameraIdentity)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TEST\tSTATUS\tDURATION\tMESSAGE")
	fmt.Fprintln(tw, "----\t------\t--------\t-------")
	for _, res := range rep.Results {
		fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", res.ID, res.Status, res.DurationMS, res.Message)
	}
	_ = tw.Flush()

	s := rep.Summary()
	fmt.Fprintf(w, "\nPassed: %d  Failed: %d  Skipped: %d  Errors: %d\n", s.Passed, s.Failed, s.Skipped, s.Errored)
	if rep.Aborted {
		fmt.Fprintf(w, "Aborted: %s\n", rep.AbortReason)
	}
}

// printJSON は値をインデント付きのJSONで出力する
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
