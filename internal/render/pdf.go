package render

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"camprobe/internal/report"
)

const (
	pageWidth = 190.0 // A4 の幅から左右の余白を引いた値
	rowHeight = 6.0
)

// PDF は封印済みのレポートをPDFとして書き出す。
// 組み込みフォントは cp1252 なので、表せない文字は置き換えられる。
func PDF(w io.Writer, r *report.SuiteReport) error {
	if !r.Sealed() {
		return report.ErrNotSealed
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	cp1252 := pdf.UnicodeTranslatorFromDescriptor("")
	tr := func(s string) string { return cp1252(latin1(s)) }
	pdf.SetTitle("Camera test report "+r.RunID, true)
	pdf.SetCreator("camprobe", true)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Camera test report", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	s := r.Summary()
	header := [][2]string{
		{"Camera", r.CameraIdentity},
		{"Run", r.RunID},
		{"Started", r.RunStartedAt.Format(time.RFC3339)},
		{"Ended", r.RunEndedAt.Format(time.RFC3339)},
		{"Summary", fmt.Sprintf("passed %d, failed %d, skipped %d, errored %d of %d", s.Passed, s.Failed, s.Skipped, s.Errored, s.Total())},
	}
	if r.Aborted {
		header = append(header, [2]string{"Aborted", r.AbortReason})
	}
	for _, row := range header {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(35, rowHeight, row[0], "1", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(pageWidth-35, rowHeight, tr(row[1]), "1", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	// 結果の表
	widths := []float64{45, 18, 20, 107}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for i, title := range []string{"Test", "Status", "ms", "Message / details"} {
		pdf.CellFormat(widths[i], rowHeight, title, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, res := range r.Results {
		text := res.Message
		if d := detailText(res.Details); d != "" {
			text += "\n" + d
		}
		lines := pdf.SplitText(latin1(text), widths[3]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		h := float64(len(lines)) * 5
		if h < rowHeight {
			h = rowHeight
		}
		if pdf.GetY()+h > 280 {
			pdf.AddPage()
		}

		x, y := pdf.GetXY()
		pdf.CellFormat(widths[0], h, tr(res.ID), "1", 0, "L", false, 0, "")
		setStatusColor(pdf, res.Status)
		pdf.CellFormat(widths[1], h, string(res.Status), "1", 0, "C", false, 0, "")
		pdf.SetTextColor(0, 0, 0)
		pdf.CellFormat(widths[2], h, fmt.Sprintf("%d", res.DurationMS), "1", 0, "R", false, 0, "")
		pdf.Rect(x+widths[0]+widths[1]+widths[2], y, widths[3], h, "D")
		for i, line := range lines {
			pdf.SetXY(x+widths[0]+widths[1]+widths[2]+1, y+float64(i)*5)
			pdf.CellFormat(widths[3]-2, 5, cp1252(line), "", 0, "L", false, 0, "")
		}
		pdf.SetXY(x, y+h)
	}

	for _, res := range r.Results {
		if res.ImageRef == "" {
			continue
		}
		if err := addImage(pdf, res.ImageRef, tr); err != nil {
			pdf.Ln(4)
			pdf.SetFont("Helvetica", "I", 9)
			pdf.CellFormat(0, rowHeight, tr("image unavailable: "+res.ImageRef), "", 1, "L", false, 0, "")
		}
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("failed to build pdf: %w", err)
	}
	return pdf.Output(w)
}

func addImage(pdf *fpdf.Fpdf, path string, tr func(string) string) error {
	data, err := thumbnail(path, 1280, 960)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	opt := fpdf.ImageOptions{ImageType: "JPG", ReadDpi: false}
	info := pdf.RegisterImageOptionsReader(name, opt, bytes.NewReader(data))
	if err := pdf.Error(); err != nil {
		return err
	}

	width := 120.0
	height := width * info.Height() / info.Width()
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Captured image", "", 1, "L", false, 0, "")
	pdf.ImageOptions(name, pdf.GetX(), pdf.GetY(), width, height, true, opt, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, rowHeight, tr(name), "", 1, "L", false, 0, "")
	return nil
}

// latin1 は組み込みフォントで表せない文字を ? に置き換える
func latin1(s string) string {
	return strings.Map(func(r rune) rune {
		if r > 0xFF {
			return '?'
		}
		return r
	}, s)
}

func detailText(d report.Details) string {
	parts := make([]string, len(d))
	for i, detail := range d {
		parts[i] = detail.Name + "=" + detail.Value.String()
	}
	return strings.Join(parts, ", ")
}

func setStatusColor(pdf *fpdf.Fpdf, s report.Status) {
	switch s {
	case report.StatusPass:
		pdf.SetTextColor(46, 125, 50)
	case report.StatusFail:
		pdf.SetTextColor(198, 40, 40)
	case report.StatusError:
		pdf.SetTextColor(239, 108, 0)
	default:
		pdf.SetTextColor(117, 117, 117)
	}
}
